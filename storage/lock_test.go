package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := LockInstance(dir)
	require.NoError(t, err)

	locked, pid, err := CheckInstanceLock(dir)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, os.Getpid(), pid)

	_, err = LockInstance(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, lock.Unlock())
	require.NoError(t, lock.Unlock())

	locked, _, err = CheckInstanceLock(dir)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestInstanceLockReplacesStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lockFile)

	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not-a-pid"},
		{"dead process", "2147483646"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			lock, err := LockInstance(dir)
			require.NoError(t, err)
			require.NoError(t, lock.Unlock())
		})
	}
}

func TestRemoveInstanceLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, RemoveInstanceLock(dir))

	_, err := LockInstance(dir)
	require.NoError(t, err)
	require.NoError(t, RemoveInstanceLock(dir))

	lock, err := LockInstance(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}
