package envmgr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const versionsDir = ".versions"

// safeName turns a plugin name into a directory name. Names that had to be
// changed get a short hash of the original so two different plugins never
// sanitize to the same directory.
func safeName(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)

	safe = strings.Trim(safe, "-.")
	if len(safe) > 50 {
		safe = safe[:50]
	}
	if safe == "" {
		safe = "plugin"
	}

	if safe != name {
		sum := sha256.Sum256([]byte(name))
		safe = fmt.Sprintf("%s-%s", safe, hex.EncodeToString(sum[:])[:8])
	}
	return safe
}

// environmentPath is the stable location of a plugin's environment: a
// symlink to the directory of the version currently in use.
func (m *Manager) environmentPath(name string) string {
	return filepath.Join(m.envsDir, safeName(name))
}

// versionDir is where the environment for one fingerprint is built.
func (m *Manager) versionDir(name, fingerprint string) string {
	short := fingerprint
	if i := strings.IndexByte(short, ':'); i >= 0 {
		short = short[i+1:]
	}
	if len(short) > 12 {
		short = short[:12]
	}
	return filepath.Join(m.envsDir, versionsDir, safeName(name)+"-"+short)
}

// currentTarget resolves the environment link. It returns "" when the path
// is missing or is not a link.
func currentTarget(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return target
}

// activate points path at dir by renaming a fresh link over it, so readers
// see either the old or the new environment and never neither.
func activate(path, dir string) error {
	rel, err := filepath.Rel(filepath.Dir(path), dir)
	if err != nil {
		rel = dir
	}

	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink == 0 {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing stale environment directory: %w", err)
		}
	}

	tmp := path + ".link-" + uuid.NewString()
	if err := os.Symlink(rel, tmp); err != nil {
		return fmt.Errorf("creating environment link: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("activating environment: %w", err)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
