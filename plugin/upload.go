package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUploadMaxBytes is the artifact size limit when none is configured.
const DefaultUploadMaxBytes = 1 << 20

// Submission is an administrative artifact upload.
type Submission struct {
	Artifact    []byte
	SuggestedID string
	Operator    string
}

// Result reports what happened to a Submission.
type Result struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
	State    State  `json:"state,omitempty"`
	Replaced bool   `json:"replaced"`
	Error    string `json:"error,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Uploader validates, persists and activates submitted artifacts. Invalid
// submissions touch neither the filesystem nor the registry.
type Uploader struct {
	manager  *Manager
	maxBytes int64
	limiter  *operatorLimiter
	logger   *slog.Logger
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithMaxBytes sets the artifact size limit.
func WithMaxBytes(n int64) UploaderOption { return func(u *Uploader) { u.maxBytes = n } }

// WithRateLimit allows each operator perMinute submissions per minute. Zero
// disables the limit.
func WithRateLimit(perMinute int) UploaderOption {
	return func(u *Uploader) { u.limiter = newOperatorLimiter(perMinute) }
}

// WithUploadLogger sets the logger.
func WithUploadLogger(l *slog.Logger) UploaderOption { return func(u *Uploader) { u.logger = l } }

// NewUploader creates an Uploader that installs through manager.
func NewUploader(manager *Manager, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		manager:  manager,
		maxBytes: DefaultUploadMaxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	return u
}

// MaxBytes returns the artifact size limit.
func (u *Uploader) MaxBytes() int64 { return u.maxBytes }

// Submit validates s, writes the artifact and reloads the module it names.
// The returned error is non-nil exactly when Result.Accepted is false.
func (u *Uploader) Submit(ctx context.Context, s Submission) (Result, error) {
	id, manifest, err := u.validate(s)
	if err != nil {
		u.logger.Warn("Upload rejected", "operator", s.Operator, "id", id, "error", err)
		return rejected(id, err), err
	}

	loader := u.manager.Loader()
	_, replaced := loader.Find(id)
	if err := writeArtifact(loader.Dir(), id, s.Artifact); err != nil {
		err = newError(ErrArtifactUnreadable, id, fmt.Errorf("persist artifact: %w", err))
		return rejected(id, err), err
	}
	u.logger.Info("Artifact stored", "operator", s.Operator, "module", id, "version", manifest.Version, "replaced", replaced)

	desc, err := u.manager.Reload(ctx, id)
	if err != nil {
		res := rejected(id, err)
		res.Replaced = replaced
		if desc != nil {
			res.State = desc.State
		}
		return res, err
	}

	u.manager.publishData(ctx, TopicUploaded, map[string]any{
		"id":       id,
		"operator": s.Operator,
		"replaced": replaced,
		"detail":   "uploaded",
	})
	return Result{Accepted: true, ID: id, State: desc.State, Replaced: replaced}, nil
}

func (u *Uploader) validate(s Submission) (string, *Manifest, error) {
	id := deriveID(s.SuggestedID)
	if u.limiter != nil && !u.limiter.allow(s.Operator) {
		return id, nil, newError(ErrRateLimited, id, fmt.Errorf("operator %q exceeded the upload rate", s.Operator))
	}
	if len(bytes.TrimSpace(s.Artifact)) == 0 {
		return id, nil, newError(ErrArtifactUnreadable, id, errors.New("artifact is empty"))
	}
	if int64(len(s.Artifact)) > u.maxBytes {
		return id, nil, newError(ErrArtifactUnreadable, id,
			fmt.Errorf("artifact is %d bytes, limit is %d", len(s.Artifact), u.maxBytes))
	}
	if id == "" {
		return id, nil, newError(ErrArtifactUnreadable, id, errors.New("module id is required"))
	}
	m, err := u.manager.Loader().Validate(id, s.Artifact)
	if err != nil {
		return id, nil, err
	}
	return id, m, nil
}

// deriveID normalizes a suggested id or file name: artifact suffixes are
// stripped and the result lower-cased.
func deriveID(suggested string) string {
	id := strings.ToLower(strings.TrimSpace(suggested))
	for _, suffix := range []string{ArtifactSuffix, ArtifactSuffixAlt} {
		id = strings.TrimSuffix(id, suffix)
	}
	return id
}

func rejected(id string, err error) Result {
	return Result{ID: id, Error: err.Error(), Kind: KindOf(err)}
}

// writeArtifact writes data to <dir>/<id>.plugin.yaml via a temp file and
// rename, then removes a stale .plugin.yml twin.
func writeArtifact(dir, id string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".upload-"+id+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, id+ArtifactSuffix)); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, id+ArtifactSuffixAlt)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// operatorLimiter holds one token bucket per operator.
type operatorLimiter struct {
	mu       sync.Mutex
	limiters map[string]*operatorBucket
	r        rate.Limit
	b        int
}

type operatorBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newOperatorLimiter(perMinute int) *operatorLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &operatorLimiter{
		limiters: make(map[string]*operatorBucket),
		r:        rate.Limit(float64(perMinute) / 60.0),
		b:        perMinute,
	}
}

func (l *operatorLimiter) allow(operator string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for op, b := range l.limiters {
		if now.Sub(b.lastSeen) > 10*time.Minute {
			delete(l.limiters, op)
		}
	}
	b, ok := l.limiters[operator]
	if !ok {
		b = &operatorBucket{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[operator] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
