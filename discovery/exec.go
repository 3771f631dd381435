package discovery

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"plugenv/registry"
)

// execPlugin is an executable that prints its Declaration as JSON when run
// with the "register" argument.
type execPlugin struct {
	name string
	path string
}

func (p *execPlugin) Name() string   { return p.name }
func (p *execPlugin) Source() string { return p.path }

func (p *execPlugin) Register(ctx context.Context, h *registry.PluginHandle) error {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.path, "register")
	cmd.Dir = filepath.Dir(p.path)
	cmd.Env = append(os.Environ(), "PLUGENV_PLUGIN_NAME="+p.name)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("running %s register: %w: %s", filepath.Base(p.path), err, msg)
		}
		return fmt.Errorf("running %s register: %w", filepath.Base(p.path), err)
	}

	var decl Declaration
	if err := yaml.UnmarshalStrict(stdout.Bytes(), &decl); err != nil {
		return fmt.Errorf("invalid registration output: %w", err)
	}

	return decl.apply(h, filepath.Dir(p.path), func(key string) []string {
		return []string{p.path, "ui", key}
	})
}
