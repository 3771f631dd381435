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
	"sync"

	"github.com/BurntSushi/toml"

	"plugenv/registry"
)

// Group is the entry-point group plugins advertise themselves under.
const Group = "installer_plugins"

// EntryPointSource enumerates plugins advertised under a group by something
// other than a plugin directory.
type EntryPointSource interface {
	EntryPoints(ctx context.Context, group string) ([]Registrar, error)
}

// RegisterFunc is a registration entry compiled into the host.
type RegisterFunc func(ctx context.Context, h *registry.PluginHandle) error

// FuncRegistrar wraps a RegisterFunc as a Registrar.
type FuncRegistrar struct {
	PluginName string
	Origin     string
	Fn         RegisterFunc
}

func (f *FuncRegistrar) Name() string { return f.PluginName }

func (f *FuncRegistrar) Source() string {
	if f.Origin == "" {
		return "entry point " + f.PluginName
	}
	return f.Origin
}

func (f *FuncRegistrar) Register(ctx context.Context, h *registry.PluginHandle) error {
	return f.Fn(ctx, h)
}

// StaticEntryPoints holds registration functions handed to it by the host,
// reported in insertion order.
type StaticEntryPoints struct {
	mu     sync.Mutex
	groups map[string][]Registrar
}

func NewStaticEntryPoints() *StaticEntryPoints {
	return &StaticEntryPoints{groups: make(map[string][]Registrar)}
}

func (s *StaticEntryPoints) Add(group, name string, fn RegisterFunc) *StaticEntryPoints {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = append(s.groups[group], &FuncRegistrar{PluginName: name, Fn: fn})
	return s
}

func (s *StaticEntryPoints) EntryPoints(_ context.Context, group string) ([]Registrar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Registrar(nil), s.groups[group]...), nil
}

// MetadataEntryPoints reads package metadata files (*.toml) from Dir. Each
// file advertises plugins in a table named after the group:
//
//	[installer_plugins]
//	alpha = "plugins/alpha.lua"
//
// Paths are relative to the metadata file. Files are read in name order and
// entries in the order they appear.
type MetadataEntryPoints struct {
	Dir    string
	Logger *slog.Logger
}

func (m *MetadataEntryPoints) EntryPoints(ctx context.Context, group string) ([]Registrar, error) {
	logger := m.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	entries, err := os.ReadDir(m.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry point directory %s: %w", m.Dir, err)
	}

	var out []Registrar
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".toml") {
			continue
		}
		path := filepath.Join(m.Dir, e.Name())
		out = append(out, m.readFile(path, group, logger)...)
	}
	return out, nil
}

// readFile turns one metadata file into registrars. A malformed file yields a
// single registrar that fails, so the problem is reported against it.
func (m *MetadataEntryPoints) readFile(path, group string, logger *slog.Logger) []Registrar {
	var meta map[string]any
	md, err := toml.DecodeFile(path, &meta)
	if err != nil {
		return []Registrar{&brokenRegistrar{name: pluginName(filepath.Base(path)), source: path, err: err}}
	}

	table, _ := meta[group].(map[string]any)
	baseDir := filepath.Dir(path)
	var out []Registrar
	for _, key := range md.Keys() {
		if len(key) != 2 || key[0] != group {
			continue
		}
		name := key[1]
		target, ok := table[name].(string)
		if !ok {
			out = append(out, &brokenRegistrar{name: name, source: path, err: fmt.Errorf("entry point %s must name a plugin file", name)})
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(baseDir, target)
		}

		info, err := os.Stat(target)
		if err != nil {
			out = append(out, &brokenRegistrar{name: name, source: path, err: err})
			continue
		}
		r, ok := fileRegistrar(name, target, info, logger)
		if !ok {
			out = append(out, &brokenRegistrar{name: name, source: path, err: fmt.Errorf("%s is not a loadable plugin file", target)})
			continue
		}
		out = append(out, &sourced{Registrar: r, source: fmt.Sprintf("entry point %s (%s)", name, path)})
	}
	return out
}

type sourced struct {
	Registrar
	source string
}

func (s *sourced) Source() string { return s.source }

type brokenRegistrar struct {
	name   string
	source string
	err    error
}

func (b *brokenRegistrar) Name() string   { return b.name }
func (b *brokenRegistrar) Source() string { return b.source }

func (b *brokenRegistrar) Register(context.Context, *registry.PluginHandle) error {
	return b.err
}
