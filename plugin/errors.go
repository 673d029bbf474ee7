package plugin

import (
	"errors"
	"fmt"
)

// Failure kinds. Every lifecycle failure wraps exactly one of the first four;
// the rest classify caller errors.
var (
	ErrArtifactUnreadable   = errors.New("artifact unreadable")
	ErrInitializationFailed = errors.New("initialization failed")
	ErrContributionConflict = errors.New("contribution conflict")
	ErrTeardownFailed       = errors.New("teardown failed")

	ErrModuleNotFound   = errors.New("module not found")
	ErrCapabilityDenied = errors.New("capability denied")
	ErrMountSealed      = errors.New("mount handle sealed")
	ErrRateLimited      = errors.New("rate limited")
)

var kindNames = []struct {
	err  error
	name string
}{
	{ErrArtifactUnreadable, "ArtifactUnreadable"},
	{ErrInitializationFailed, "InitializationFailed"},
	{ErrContributionConflict, "ContributionConflict"},
	{ErrTeardownFailed, "TeardownFailed"},
	{ErrModuleNotFound, "ModuleNotFound"},
	{ErrCapabilityDenied, "CapabilityDenied"},
	{ErrMountSealed, "MountSealed"},
	{ErrRateLimited, "RateLimited"},
}

// Error is a failure attributed to one module.
type Error struct {
	Kind error
	ID   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("plugin %s: %v", e.ID, e.Kind)
	}
	return fmt.Sprintf("plugin %s: %v: %v", e.ID, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, id string, err error) *Error {
	return &Error{Kind: kind, ID: id, Err: err}
}

// KindOf returns the name of the failure kind carried by err, or "" when err
// is nil or unclassified.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}
