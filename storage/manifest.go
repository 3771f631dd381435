package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusFailed:
		return true
	}
	return false
}

var (
	ErrPathConflict = errors.New("environment path already owned by another plugin")
	ErrNotFound     = errors.New("environment record not found")
)

// EnvironmentRecord is the persisted state of one plugin's environment.
// ActiveFingerprint identifies the environment last verified at
// EnvironmentPath and stays empty until the plugin first reaches Ready.
// Requirements are the resolved requirement strings last provisioned.
type EnvironmentRecord struct {
	PluginName        string
	EnvironmentPath   string
	Fingerprint       string
	ActiveFingerprint string
	Backend           string
	Requirements      []string
	Packages          map[string]string
	Status            Status
	Error             string
	ErrorKind         string
	CreatedAt         time.Time
	LastVerifiedAt    time.Time
	UpdatedAt         time.Time
}

func (r *EnvironmentRecord) Clone() *EnvironmentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Requirements = slices.Clone(r.Requirements)
	c.Packages = maps.Clone(r.Packages)
	return &c
}

// Validate checks the invariants every stored record must hold.
func (r *EnvironmentRecord) Validate() error {
	switch {
	case r.PluginName == "":
		return errors.New("record has no plugin name")
	case r.EnvironmentPath == "":
		return fmt.Errorf("record %s has no environment path", r.PluginName)
	case !r.Status.Valid():
		return fmt.Errorf("record %s has unknown status %q", r.PluginName, r.Status)
	case r.Status == StatusReady && r.Fingerprint == "":
		return fmt.Errorf("record %s is ready without a fingerprint", r.PluginName)
	}
	return nil
}

// Manifest is the durable mapping from plugin name to environment record.
// Get returns (nil, nil) for an unknown plugin.
type Manifest interface {
	Load(ctx context.Context) ([]*EnvironmentRecord, error)
	Get(ctx context.Context, pluginName string) (*EnvironmentRecord, error)
	Upsert(ctx context.Context, record *EnvironmentRecord) error
	Delete(ctx context.Context, pluginName string) error
	Close() error
}

// CorruptionError describes a manifest that failed validation on open and
// was moved aside.
type CorruptionError struct {
	Path          string
	QuarantinedTo string
	Salvaged      int
	Dropped       []string
	Err           error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("manifest %s is corrupt, moved to %s", e.Path, e.QuarantinedTo)
	if e.Salvaged > 0 || len(e.Dropped) > 0 {
		msg += fmt.Sprintf(" (%d records salvaged, %d dropped)", e.Salvaged, len(e.Dropped))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}
