package envmgr

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

type Runtime struct {
	Name      string
	Installed bool
	Version   string
	Path      string
	Error     string
}

// RuntimeChecker detects the interpreters and tools the backends shell out
// to. Results are cached per name.
type RuntimeChecker struct {
	mu       sync.Mutex
	python   string
	runtimes map[string]*Runtime
	lookPath func(string) (string, error)
	output   func(name string, args ...string) ([]byte, error)
}

// NewRuntimeChecker returns a checker. python overrides the interpreter
// name; empty tries python3 then python.
func NewRuntimeChecker(python string) *RuntimeChecker {
	return &RuntimeChecker{
		python:   python,
		runtimes: make(map[string]*Runtime),
		lookPath: exec.LookPath,
		output: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

func (rc *RuntimeChecker) DetectAll() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.detectPython()
	rc.detectConda()
}

func (rc *RuntimeChecker) CheckRuntime(name string) (*Runtime, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	runtime, ok := rc.runtimes[name]
	if !ok {
		switch name {
		case "python":
			rc.detectPython()
		case "conda":
			rc.detectConda()
		default:
			return nil, fmt.Errorf("unknown runtime: %s", name)
		}
		runtime = rc.runtimes[name]
	}

	if !runtime.Installed {
		if runtime.Error != "" {
			return nil, fmt.Errorf("%s", runtime.Error)
		}
		return nil, fmt.Errorf("%s not found", name)
	}

	return runtime, nil
}

// CheckVersion requires the runtime to be at least minVersion.
func (rc *RuntimeChecker) CheckVersion(name, minVersion string) error {
	runtime, err := rc.CheckRuntime(name)
	if err != nil {
		return err
	}

	current, err := semver.NewVersion(runtime.Version)
	if err != nil {
		return fmt.Errorf("%s reports unparseable version %q", name, runtime.Version)
	}
	minimum, err := semver.NewVersion(minVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", minVersion, err)
	}
	if current.LessThan(minimum) {
		return fmt.Errorf("%s version %s (requires >= %s)", name, runtime.Version, minVersion)
	}
	return nil
}

func (rc *RuntimeChecker) GetAll() map[string]*Runtime {
	rc.DetectAll()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	all := make(map[string]*Runtime, len(rc.runtimes))
	for k, v := range rc.runtimes {
		c := *v
		all[k] = &c
	}
	return all
}

var versionRe = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)

func (rc *RuntimeChecker) detectPython() {
	runtime := &Runtime{Name: "python"}

	candidates := []string{"python3", "python"}
	if rc.python != "" {
		candidates = []string{rc.python}
	}

	pythonCmd := ""
	for _, cmd := range candidates {
		if path, err := rc.lookPath(cmd); err == nil {
			pythonCmd = path
			break
		}
	}

	if pythonCmd == "" {
		runtime.Error = "Python not found"
		rc.runtimes["python"] = runtime
		return
	}
	runtime.Path = pythonCmd

	output, err := rc.output(pythonCmd, "--version")
	if err != nil {
		runtime.Error = "Failed to get Python version"
		rc.runtimes["python"] = runtime
		return
	}
	if m := versionRe.FindStringSubmatch(string(output)); len(m) > 1 {
		runtime.Version = m[1]
	}

	if _, err := rc.output(pythonCmd, "-m", "venv", "--help"); err != nil {
		runtime.Error = "Python venv module not available"
		rc.runtimes["python"] = runtime
		return
	}

	runtime.Installed = true
	rc.runtimes["python"] = runtime
}

func (rc *RuntimeChecker) detectConda() {
	runtime := &Runtime{Name: "conda"}

	path, err := rc.lookPath("conda")
	if err != nil {
		runtime.Error = "conda not found"
		rc.runtimes["conda"] = runtime
		return
	}

	output, err := rc.output(path, "--version")
	if err != nil {
		runtime.Error = "Failed to get conda version"
		rc.runtimes["conda"] = runtime
		return
	}

	version := strings.TrimSpace(string(output))
	if m := versionRe.FindStringSubmatch(version); len(m) > 1 {
		version = m[1]
	}

	runtime.Installed = true
	runtime.Version = version
	runtime.Path = path
	rc.runtimes["conda"] = runtime
}
