package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func (h *testHarness) api(opts ...UploaderOption) (admin, public http.Handler) {
	api := NewAPIHandler(h.manager, NewUploader(h.manager, opts...),
		WithOperator(func(r *http.Request) string { return r.Header.Get("X-Operator") }))
	return api.AdminRoutes(), api.PublicRoutes()
}

func do(t *testing.T, handler http.Handler, method, path string, body []byte, contentType string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: invalid JSON %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, out
}

func TestAPIHandler_Lifecycle(t *testing.T) {
	h := newHarness(t)
	h.writeArtifact("svc", greeterArtifact("description: a service\nadmin:\n  name: Service\n"))
	if _, err := h.manager.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	admin, public := h.api()

	code, body := do(t, public, http.MethodGet, "/", nil, "")
	if code != http.StatusOK {
		t.Fatalf("public list: %d", code)
	}
	plugins := body["plugins"].([]any)
	if len(plugins) != 1 {
		t.Fatalf("expected one plugin, got %v", plugins)
	}
	entry := plugins[0].(map[string]any)
	if _, leaked := entry["contributions"]; leaked {
		t.Error("public listing must not expose contributions")
	}
	if entry["description"] != "a service" {
		t.Errorf("unexpected entry %v", entry)
	}

	if code, _ := do(t, public, http.MethodGet, "/nope", nil, ""); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown plugin, got %d", code)
	}

	code, body = do(t, admin, http.MethodGet, "/svc", nil, "")
	if code != http.StatusOK {
		t.Fatalf("admin get: %d", code)
	}
	if _, ok := body["plugin"].(map[string]any)["contributions"]; !ok {
		t.Error("admin view should include contributions")
	}

	code, body = do(t, admin, http.MethodGet, "/panels", nil, "")
	if panels := body["panels"].([]any); code != http.StatusOK || len(panels) != 1 {
		t.Errorf("unexpected panels %d %v", code, body)
	}
	code, body = do(t, admin, http.MethodGet, "/routes", nil, "")
	if routes := body["routes"].([]any); code != http.StatusOK || len(routes) != 1 {
		t.Errorf("unexpected routes %d %v", code, body)
	}

	if code, _ := do(t, admin, http.MethodPost, "/svc/disable", nil, ""); code != http.StatusOK {
		t.Errorf("disable: %d", code)
	}
	h.mustState("svc", StateDisabled)
	if code, _ := do(t, admin, http.MethodPost, "/svc/enable", nil, ""); code != http.StatusOK {
		t.Errorf("enable: %d", code)
	}
	h.mustState("svc", StateActive)
	if code, _ := do(t, admin, http.MethodPost, "/svc/reload", nil, ""); code != http.StatusOK {
		t.Errorf("reload: %d", code)
	}
	code, body = do(t, admin, http.MethodPost, "/ghost/reload", nil, "")
	if code != http.StatusNotFound || body["kind"] != "ModuleNotFound" {
		t.Errorf("expected 404 ModuleNotFound, got %d %v", code, body)
	}

	if code, _ := do(t, admin, http.MethodDelete, "/svc", nil, ""); code != http.StatusOK {
		t.Errorf("uninstall: %d", code)
	}
	if code, _ := do(t, admin, http.MethodDelete, "/svc", nil, ""); code != http.StatusOK {
		t.Errorf("repeated uninstall: %d", code)
	}
	if code, _ := do(t, public, http.MethodGet, "/svc", nil, ""); code != http.StatusNotFound {
		t.Errorf("expected uninstalled plugin gone, got %d", code)
	}
}

func TestAPIHandler_ReloadFailureStatus(t *testing.T) {
	h := newHarness(t)
	h.writeArtifact("bad", "entrypoint: failing\n")
	admin, _ := h.api()

	code, body := do(t, admin, http.MethodPost, "/bad/reload", nil, "")
	if code != http.StatusUnprocessableEntity || body["kind"] != "InitializationFailed" {
		t.Errorf("expected 422 InitializationFailed, got %d %v", code, body)
	}
	if p, ok := body["plugin"].(map[string]any); !ok || p["state"] != string(StateFailed) {
		t.Errorf("expected failed descriptor in body, got %v", body["plugin"])
	}
}

func TestAPIHandler_Upload(t *testing.T) {
	h := newHarness(t)
	admin, _ := h.api()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("plugin", "hello.plugin.yaml")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(greeterArtifact("")))
	_ = mw.Close()

	code, body := do(t, admin, http.MethodPost, "/upload", buf.Bytes(), mw.FormDataContentType())
	if code != http.StatusOK {
		t.Fatalf("multipart upload: %d %v", code, body)
	}
	res := body["result"].(map[string]any)
	if res["id"] != "hello" || res["accepted"] != true {
		t.Errorf("unexpected result %v", res)
	}
	if rec := h.serve(http.MethodGet, "/hello/hello"); rec.Code != http.StatusOK {
		t.Errorf("uploaded module not serving: %d", rec.Code)
	}

	code, body = do(t, admin, http.MethodPost, "/upload?id=raw", []byte(greeterArtifact("")), "application/yaml")
	if code != http.StatusOK {
		t.Errorf("raw upload: %d %v", code, body)
	}

	code, body = do(t, admin, http.MethodPost, "/upload?id=broken", []byte("entrypoint: [unterminated"), "application/yaml")
	if code != http.StatusUnprocessableEntity || body["kind"] != "ArtifactUnreadable" {
		t.Errorf("expected 422 ArtifactUnreadable, got %d %v", code, body)
	}
	if _, ok := h.manager.Lookup("broken"); ok {
		t.Error("malformed upload registered a module")
	}
}

func TestAPIHandler_UploadOversizeAndRateLimit(t *testing.T) {
	h := newHarness(t)
	admin, _ := h.api(WithMaxBytes(128), WithRateLimit(1))

	big := greeterArtifact("description: " + strings.Repeat("x", 512) + "\n")
	code, body := do(t, admin, http.MethodPost, "/upload?id=big", []byte(big), "application/yaml")
	if code != http.StatusUnprocessableEntity || body["kind"] != "ArtifactUnreadable" {
		t.Fatalf("expected oversize rejection, got %d %v", code, body)
	}

	// The rejected submission still spent the operator's only token.

	code, body = do(t, admin, http.MethodPost, "/upload?id=small", []byte(greeterArtifact("")), "application/yaml")
	if code != http.StatusTooManyRequests || body["kind"] != "RateLimited" {
		t.Errorf("expected 429 RateLimited, got %d %v", code, body)
	}
}

func TestStatusFor(t *testing.T) {
	for err, want := range map[error]int{
		newError(ErrModuleNotFound, "x", nil):       http.StatusNotFound,
		newError(ErrRateLimited, "x", nil):          http.StatusTooManyRequests,
		newError(ErrArtifactUnreadable, "x", nil):   http.StatusUnprocessableEntity,
		newError(ErrContributionConflict, "x", nil): http.StatusConflict,
		newError(ErrInitializationFailed, "x", nil): http.StatusUnprocessableEntity,
		newError(ErrTeardownFailed, "x", nil):       http.StatusInternalServerError,
	} {
		if got := statusFor(err); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
