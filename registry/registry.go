// Package registry collects what plugins declare during one discovery pass:
// their dependency strings and the UI components they register.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Handle is an invocable UI component registered by a plugin.
type Handle interface {
	Invoke(ctx context.Context, args ...any) (any, error)
}

// HandleFunc adapts a plain function to Handle.
type HandleFunc func(ctx context.Context, args ...any) (any, error)

func (f HandleFunc) Invoke(ctx context.Context, args ...any) (any, error) {
	return f(ctx, args...)
}

// CollisionPolicy decides what happens when two plugins register under the
// same name.
type CollisionPolicy string

const (
	LastWins  CollisionPolicy = "last-wins"
	FirstWins CollisionPolicy = "first-wins"
	Reject    CollisionPolicy = "reject"
)

var ErrNameCollision = errors.New("plugin name collision")

// ParseCollisionPolicy maps a config value to a policy. The empty string is
// LastWins.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch p := CollisionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return LastWins, nil
	case LastWins, FirstWins, Reject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown collision policy %q (want last-wins, first-wins or reject)", s)
	}
}

// Entry is one registered plugin.
type Entry struct {
	Name         string
	Source       string
	Dependencies []string
	UIComponents map[string]Handle
}

func (e *Entry) clone() *Entry {
	c := &Entry{
		Name:         e.Name,
		Source:       e.Source,
		Dependencies: append([]string(nil), e.Dependencies...),
		UIComponents: make(map[string]Handle, len(e.UIComponents)),
	}
	for k, h := range e.UIComponents {
		c.UIComponents[k] = h
	}
	return c
}

// Registry maps plugin names to entries. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	policy   CollisionPolicy
	warnings []string
	logger   *slog.Logger
}

func New(policy CollisionPolicy, logger *slog.Logger) *Registry {
	if policy == "" {
		policy = LastWins
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		entries: make(map[string]*Entry),
		policy:  policy,
		logger:  logger,
	}
}

// NewHandle returns a staging handle for one plugin's registration. Nothing
// it records is visible until Commit.
func (r *Registry) NewHandle(name, source string) *PluginHandle {
	return &PluginHandle{
		registry: r,
		entry: &Entry{
			Name:         name,
			Source:       source,
			UIComponents: make(map[string]Handle),
		},
		seen: make(map[string]bool),
	}
}

// Commit publishes a staged registration, applying the collision policy.
func (r *Registry) Commit(h *PluginHandle) error {
	entry := h.seal()
	if entry == nil {
		return fmt.Errorf("plugin %q: handle already committed or discarded", h.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.entries[entry.Name]
	if !exists {
		r.entries[entry.Name] = entry
		return nil
	}

	switch r.policy {
	case FirstWins:
		r.warnLocked("plugin %q from %s ignored, already registered by %s", entry.Name, entry.Source, prev.Source)
		closeHandles(entry, r.logger)
		return nil
	case Reject:
		closeHandles(entry, r.logger)
		return fmt.Errorf("%w: %q from %s already registered by %s", ErrNameCollision, entry.Name, entry.Source, prev.Source)
	default:
		r.warnLocked("plugin %q from %s replaces registration from %s", entry.Name, entry.Source, prev.Source)
		closeHandles(prev, r.logger)
		r.entries[entry.Name] = entry
		return nil
	}
}

// Discard drops a staged registration and releases what it holds.
func (r *Registry) Discard(h *PluginHandle) {
	if entry := h.seal(); entry != nil {
		closeHandles(entry, r.logger)
	}
}

func (r *Registry) warnLocked(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.warnings = append(r.warnings, msg)
	r.logger.Warn(msg)
}

func (r *Registry) warn(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnLocked(format, args...)
}

// Dependencies returns plugin name → declared dependency strings.
func (r *Registry) Dependencies() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.entries))
	for name, e := range r.entries {
		out[name] = append([]string(nil), e.Dependencies...)
	}
	return out
}

// UIComponents returns plugin name → component key → handle.
func (r *Registry) UIComponents() map[string]map[string]Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]Handle, len(r.entries))
	for name, e := range r.entries {
		comps := make(map[string]Handle, len(e.UIComponents))
		for k, h := range e.UIComponents {
			comps[k] = h
		}
		out[name] = comps
	}
	return out
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Entry(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.warnings...)
}

// Close releases every handle that holds resources (script interpreters).
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, e := range r.entries {
		for key, h := range e.UIComponents {
			if c, ok := h.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("plugin %s component %s: %w", e.Name, key, err))
				}
			}
		}
	}
	r.entries = make(map[string]*Entry)
	return errors.Join(errs...)
}

func closeHandles(e *Entry, logger *slog.Logger) {
	for key, h := range e.UIComponents {
		c, ok := h.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Debug("closing UI component", "plugin", e.Name, "key", key, "error", err)
		}
	}
}
