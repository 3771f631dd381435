package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"sigs.k8s.io/yaml"

	"plugenv/registry"
)

type format int

const (
	formatTOML format = iota
	formatYAML
)

// Declaration is the static form of a registration, used by declarative
// plugin files and printed by executable plugins.
type Declaration struct {
	Dependencies []string                 `json:"dependencies,omitempty" toml:"dependencies"`
	UIComponents map[string]ComponentSpec `json:"ui_components,omitempty" toml:"ui_components"`
}

// ComponentSpec declares a UI component backed by a command.
type ComponentSpec struct {
	Command     []string `json:"command,omitempty" toml:"command"`
	Description string   `json:"description,omitempty" toml:"description"`
}

// apply replays the declaration against a handle. defaultCommand supplies a
// command for components that declare none.
func (d *Declaration) apply(h *registry.PluginHandle, dir string, defaultCommand func(key string) []string) error {
	for _, dep := range d.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return errors.New("empty dependency")
		}
		h.AddDependency(dep)
	}

	keys := make([]string, 0, len(d.UIComponents))
	for k := range d.UIComponents {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		cmd := d.UIComponents[key].Command
		if len(cmd) == 0 && defaultCommand != nil {
			cmd = defaultCommand(key)
		}
		if len(cmd) == 0 {
			return fmt.Errorf("ui component %q has no command", key)
		}
		h.RegisterUIComponent(key, &CommandHandle{Command: cmd, Dir: dir})
	}
	return nil
}

// declarativePlugin is a TOML, YAML or JSON file holding a Declaration.
type declarativePlugin struct {
	name   string
	path   string
	format format
}

func (p *declarativePlugin) Name() string   { return p.name }
func (p *declarativePlugin) Source() string { return p.path }

func (p *declarativePlugin) Register(_ context.Context, h *registry.PluginHandle) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}

	var decl Declaration
	switch p.format {
	case formatTOML:
		md, err := toml.Decode(string(data), &decl)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", filepath.Base(p.path), err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parsing %s: unknown keys %v", filepath.Base(p.path), undecoded)
		}
	default:
		if err := yaml.UnmarshalStrict(data, &decl); err != nil {
			return fmt.Errorf("parsing %s: %w", filepath.Base(p.path), err)
		}
	}

	return decl.apply(h, filepath.Dir(p.path), nil)
}

// CommandHandle runs a command for a UI component. Invocation arguments are
// appended to the command line; trimmed stdout is the result.
type CommandHandle struct {
	Command []string
	Dir     string
}

func (c *CommandHandle) Invoke(ctx context.Context, args ...any) (any, error) {
	argv := append([]string(nil), c.Command[1:]...)
	for _, a := range args {
		argv = append(argv, fmt.Sprint(a))
	}

	cmd := exec.CommandContext(ctx, c.Command[0], argv...)
	cmd.Dir = c.Dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", c.Command[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", c.Command[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}
