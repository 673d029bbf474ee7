package render

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeView(t *testing.T, dir, ns, name, src string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, ns), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ns, name+ViewSuffix), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolver_Render(t *testing.T) {
	dir := t.TempDir()
	writeView(t, dir, "example", "dashboard", "<h1>{{.}}</h1>")
	r := NewResolver(dir, nil)

	var buf bytes.Buffer
	if err := r.Render(&buf, "example", "dashboard", "<b>"); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := buf.String(); got != "<h1>&lt;b&gt;</h1>" {
		t.Errorf("expected escaped output, got %q", got)
	}

	// Changes on disk are visible without a restart.
	writeView(t, dir, "example", "dashboard", "<h2>{{.}}</h2>")
	buf.Reset()
	if err := r.Render(&buf, "example", "dashboard", "x"); err != nil || buf.String() != "<h2>x</h2>" {
		t.Errorf("expected updated view, got %q %v", buf.String(), err)
	}
}

func TestResolver_NotFound(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir, nil)
	for _, tc := range [][2]string{
		{"example", "missing"},
		{"..", "secret"},
		{"example", "../../etc/passwd"},
		{"Bad", "view"},
	} {
		if err := r.Render(&bytes.Buffer{}, tc[0], tc[1], nil); !errors.Is(err, ErrViewNotFound) {
			t.Errorf("Render(%q, %q): expected ErrViewNotFound, got %v", tc[0], tc[1], err)
		}
	}
}

func TestResolver_ExecuteErrorWritesNothing(t *testing.T) {
	dir := t.TempDir()
	writeView(t, dir, "example", "broken", "before {{.Missing.Field}}")
	var buf bytes.Buffer
	err := NewResolver(dir, nil).Render(&buf, "example", "broken", map[string]int{})
	if err == nil {
		t.Fatal("expected execution error")
	}
	if buf.Len() != 0 {
		t.Errorf("partial output written: %q", buf.String())
	}
}

func TestResolver_Handler(t *testing.T) {
	dir := t.TempDir()
	writeView(t, dir, "example", "dashboard", "<p>{{.Namespace}}/{{.View}} {{.Query.Get \"q\"}}</p>")
	writeView(t, dir, "example", "broken", "{{template \"nope\"}}")
	h := NewResolver(dir, nil).Handler()

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/example/dashboard?q=hi", http.StatusOK, "<p>example/dashboard hi</p>"},
		{"/example/missing", http.StatusNotFound, ""},
		{"/example/broken", http.StatusInternalServerError, "view render failed"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.wantCode {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.wantCode, rec.Code)
		}
		if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
			t.Errorf("%s: unexpected body %q", tt.path, rec.Body.String())
		}
	}
}
