package envmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"plugenv/depspec"
)

// Backend materializes isolated environments.
type Backend interface {
	Name() string
	// Create makes an empty environment at path.
	Create(ctx context.Context, path string) error
	// Install installs pip-style requirement strings into the environment.
	Install(ctx context.Context, path string, requirements []string) error
	// Installed returns normalized package name → version.
	Installed(ctx context.Context, path string) (map[string]string, error)
}

const (
	BackendAuto  = "auto"
	BackendVenv  = "venv"
	BackendConda = "conda"
)

// SelectBackend returns the backend for a configured name. "auto" follows
// PLUGENV_USE_CONDA when it is set and otherwise uses conda only if it is on
// PATH.
func SelectBackend(name, python string, checker *RuntimeChecker, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if checker == nil {
		checker = NewRuntimeChecker(python)
	}

	switch strings.ToLower(name) {
	case "", BackendAuto:
		if useConda(checker) {
			name = BackendConda
		} else {
			name = BackendVenv
		}
		logger.Debug("selected environment backend", "backend", name)
	}

	switch strings.ToLower(name) {
	case BackendVenv:
		rt, err := checker.CheckRuntime("python")
		if err != nil {
			return nil, fmt.Errorf("python with venv is required: %w", err)
		}
		return &VenvBackend{Python: rt.Path, logger: logger}, nil
	case BackendConda:
		rt, err := checker.CheckRuntime("conda")
		if err != nil {
			return nil, fmt.Errorf("conda backend selected: %w", err)
		}
		return &CondaBackend{Conda: rt.Path, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want auto, venv or conda)", name)
	}
}

func useConda(checker *RuntimeChecker) bool {
	if v, ok := os.LookupEnv("PLUGENV_USE_CONDA"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "":
			return false
		}
		return true
	}
	_, err := checker.CheckRuntime("conda")
	return err == nil
}

// VenvBackend creates environments with python -m venv.
type VenvBackend struct {
	Python string
	logger *slog.Logger
}

func (b *VenvBackend) Name() string { return BackendVenv }

func (b *VenvBackend) Create(ctx context.Context, path string) error {
	python := b.Python
	if python == "" {
		python = "python3"
	}
	_, err := run(ctx, b.logger, python, "-m", "venv", path)
	if err != nil {
		return fmt.Errorf("venv creation failed: %w", err)
	}
	return nil
}

func (b *VenvBackend) Install(ctx context.Context, path string, requirements []string) error {
	return pipInstall(ctx, b.logger, path, requirements)
}

func (b *VenvBackend) Installed(ctx context.Context, path string) (map[string]string, error) {
	return pipList(ctx, b.logger, path)
}

// CondaBackend creates prefix environments with conda create.
type CondaBackend struct {
	Conda  string
	logger *slog.Logger
}

func (b *CondaBackend) Name() string { return BackendConda }

func (b *CondaBackend) Create(ctx context.Context, path string) error {
	conda := b.Conda
	if conda == "" {
		conda = "conda"
	}
	_, err := run(ctx, b.logger, conda, "create", "-y", "-q", "-p", path, "python")
	if err != nil {
		return fmt.Errorf("conda create failed: %w", err)
	}
	return nil
}

func (b *CondaBackend) Install(ctx context.Context, path string, requirements []string) error {
	return pipInstall(ctx, b.logger, path, requirements)
}

func (b *CondaBackend) Installed(ctx context.Context, path string) (map[string]string, error) {
	return pipList(ctx, b.logger, path)
}

// pythonExecutable returns the interpreter inside an environment.
func pythonExecutable(env string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(env, "Scripts", "python.exe")
	}
	return filepath.Join(env, "bin", "python")
}

func pipInstall(ctx context.Context, logger *slog.Logger, env string, requirements []string) error {
	if len(requirements) == 0 {
		return nil
	}
	args := append([]string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input"}, requirements...)
	if _, err := run(ctx, logger, pythonExecutable(env), args...); err != nil {
		return fmt.Errorf("pip install failed: %w", err)
	}
	return nil
}

func pipList(ctx context.Context, logger *slog.Logger, env string) (map[string]string, error) {
	out, err := run(ctx, logger, pythonExecutable(env), "-m", "pip", "list", "--format=json", "--disable-pip-version-check")
	if err != nil {
		return nil, fmt.Errorf("pip list failed: %w", err)
	}

	var pkgs []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(out, &pkgs); err != nil {
		return nil, fmt.Errorf("parsing pip list output: %w", err)
	}

	installed := make(map[string]string, len(pkgs))
	for _, p := range pkgs {
		installed[depspec.NormalizeName(p.Name)] = p.Version
	}
	return installed, nil
}

// run executes a command and returns its stdout. On failure the error
// carries the tail of the combined output.
func run(ctx context.Context, logger *slog.Logger, name string, args ...string) ([]byte, error) {
	var stdout, combined strings.Builder
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.MultiWriter(&stdout, &combined)
	cmd.Stderr = &combined

	logger.Debug("running command", "cmd", name, "args", args)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w\n%s", err, tail(combined.String(), 20))
	}
	return []byte(stdout.String()), nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
