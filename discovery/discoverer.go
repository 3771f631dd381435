// Package discovery finds plugins in entry-point metadata and plugin
// directories, and runs each one's registration against a fresh registry.
// A plugin whose registration fails is reported and skipped; it never stops
// the others.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"plugenv/registry"
)

// IgnorePrefix marks plugin files that are never loaded.
const IgnorePrefix = "_"

const DefaultTimeout = 30 * time.Second

// Registrar is one discovered plugin: something that can register itself.
type Registrar interface {
	Name() string
	Source() string
	Register(ctx context.Context, h *registry.PluginHandle) error
}

// Error attributes a registration failure to a plugin.
type Error struct {
	Plugin string
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %s (%s): %v", e.Plugin, e.Source, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the outcome of one discovery pass.
type Result struct {
	Registry *registry.Registry
	Errors   []*Error
}

// Failed returns the names of plugins whose registration failed.
func (r *Result) Failed() []string {
	names := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		names = append(names, e.Plugin)
	}
	return names
}

type Options struct {
	EntryPoints []EntryPointSource
	Policy      registry.CollisionPolicy
	// Timeout bounds each plugin's registration. Zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Discoverer struct {
	entryPoints []EntryPointSource
	policy      registry.CollisionPolicy
	timeout     time.Duration
	logger      *slog.Logger
}

func New(opts Options) *Discoverer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Discoverer{
		entryPoints: opts.EntryPoints,
		policy:      opts.Policy,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
	}
}

// Discover enumerates entry points, then every directory in order, and
// registers each plugin found. The error return is reserved for failures of
// discovery itself: an entry-point source that cannot be enumerated or a
// directory that exists but cannot be read.
func (d *Discoverer) Discover(ctx context.Context, directories []string) (*Result, error) {
	var registrars []Registrar

	for _, src := range d.entryPoints {
		eps, err := src.EntryPoints(ctx, Group)
		if err != nil {
			return nil, fmt.Errorf("enumerating entry points: %w", err)
		}
		registrars = append(registrars, eps...)
	}

	for _, dir := range directories {
		found, err := d.scanDir(dir)
		if err != nil {
			return nil, err
		}
		registrars = append(registrars, found...)
	}

	reg := registry.New(d.policy, d.logger)
	result := &Result{Registry: reg}

	for _, r := range registrars {
		if err := ctx.Err(); err != nil {
			_ = reg.Close()
			return nil, err
		}
		if err := d.register(ctx, reg, r); err != nil {
			d.logger.Warn("plugin registration failed", "plugin", r.Name(), "source", r.Source(), "error", err.Err)
			result.Errors = append(result.Errors, err)
			continue
		}
		d.logger.Debug("plugin registered", "plugin", r.Name(), "source", r.Source())
	}

	d.logger.Info("discovery finished", "registered", reg.Len(), "failed", len(result.Errors))
	return result, nil
}

func (d *Discoverer) register(ctx context.Context, reg *registry.Registry, r Registrar) *Error {
	h := reg.NewHandle(r.Name(), r.Source())

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("registration panicked: %v", p)
			}
		}()
		done <- r.Register(ctx, h)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("registration did not finish: %w", ctx.Err())
	}

	if err != nil {
		reg.Discard(h)
		return &Error{Plugin: r.Name(), Source: r.Source(), Err: err}
	}
	if err := reg.Commit(h); err != nil {
		return &Error{Plugin: r.Name(), Source: r.Source(), Err: err}
	}
	return nil
}

// scanDir returns a registrar for every plugin file directly inside dir, in
// lexical filename order.
func (d *Discoverer) scanDir(dir string) ([]Registrar, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("plugin directory does not exist", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading plugin directory %s: %w", dir, err)
	}

	var out []Registrar
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, IgnorePrefix) || strings.HasPrefix(name, ".") {
			d.logger.Debug("ignoring plugin file", "file", name)
			continue
		}

		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			d.logger.Debug("skipping unreadable entry", "path", path, "error", err)
			continue
		}
		if info.IsDir() {
			continue
		}

		r, ok := fileRegistrar(pluginName(name), path, info, d.logger)
		if !ok {
			d.logger.Debug("not a plugin file", "path", path)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// pluginName is the file name without its extension.
func pluginName(file string) string {
	return strings.TrimSuffix(file, filepath.Ext(file))
}

// fileRegistrar picks a loader for a plugin file by extension.
func fileRegistrar(name, path string, info fs.FileInfo, logger *slog.Logger) (Registrar, bool) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".lua":
		return &luaPlugin{name: name, path: path, logger: logger}, true
	case ".toml":
		return &declarativePlugin{name: name, path: path, format: formatTOML}, true
	case ".yaml", ".yml", ".json":
		return &declarativePlugin{name: name, path: path, format: formatYAML}, true
	case "", ".exe":
		if info.Mode().IsRegular() && (ext == ".exe" || info.Mode().Perm()&0o111 != 0) {
			return &execPlugin{name: name, path: path}, true
		}
	}
	return nil, false
}
