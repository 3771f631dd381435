package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const lockFile = "plugenv.lock"

// ErrLocked is returned when another plugenv process holds the data
// directory lock.
var ErrLocked = errors.New("another plugenv instance is running")

// InstanceLock guards a data directory against concurrent installer runs.
// Lock file: <data_dir>/plugenv.lock, content: PID of the holder.
type InstanceLock struct {
	path string
}

// LockInstance takes the data directory lock. A lock left behind by a
// process that no longer exists is replaced.
func LockInstance(dataDir string) (*InstanceLock, error) {
	path := filepath.Join(dataDir, lockFile)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d", os.Getpid())
			cerr := f.Close()
			if err := errors.Join(werr, cerr); err != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", err)
			}
			return &InstanceLock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		locked, pid, err := CheckInstanceLock(dataDir)
		if err != nil {
			return nil, err
		}
		if locked {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
	}
	return nil, fmt.Errorf("%w: could not acquire %s", ErrLocked, path)
}

// Unlock removes the lock file. Unlocking twice is not an error.
func (l *InstanceLock) Unlock() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemoveInstanceLock deletes the lock file regardless of who holds it.
func RemoveInstanceLock(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, lockFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CheckInstanceLock reports whether a live process holds the lock. Stale or
// unreadable lock files are removed.
func CheckInstanceLock(dataDir string) (bool, int, error) {
	path := filepath.Join(dataDir, lockFile)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(path)
		return false, 0, nil
	}

	if !processAlive(pid) {
		_ = os.Remove(path)
		return false, 0, nil
	}
	return true, pid, nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes without delivering anything; platforms that cannot
	// probe report some other error and are treated as alive.
	err = p.Signal(syscall.Signal(0))
	return !errors.Is(err, os.ErrProcessDone)
}
