package envmgr

import (
	"context"
	"errors"
	"fmt"

	"plugenv/depspec"
)

// Kind classifies why provisioning a plugin failed.
type Kind string

const (
	KindResolution    Kind = "resolution"
	KindInstallation  Kind = "installation"
	KindTimeout       Kind = "timeout"
	KindCancelled     Kind = "cancelled"
	KindConfiguration Kind = "configuration"
	KindManifest      Kind = "manifest"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrVerification     = errors.New("environment verification failed")
)

// Error is a per-plugin provisioning failure. It never aborts other plugins.
type Error struct {
	Plugin string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Plugin, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a provisioning error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// classify decides the kind of a failed attempt. The attempt context is
// consulted because a killed subprocess reports a signal, not the context
// error.
func classify(attempt context.Context, err error) Kind {
	var rerr *depspec.ResolutionError
	switch {
	case errors.As(err, &rerr):
		return KindResolution
	case errors.Is(err, context.DeadlineExceeded), errors.Is(attempt.Err(), context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled), attempt.Err() != nil:
		return KindCancelled
	default:
		return KindInstallation
	}
}
