package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryManifest keeps records in memory. It honours the same contract as
// SQLiteManifest and is used by tests and dry runs.
type MemoryManifest struct {
	mu      sync.Mutex
	records map[string]*EnvironmentRecord
	writes  int
}

func NewMemoryManifest(records ...*EnvironmentRecord) *MemoryManifest {
	m := &MemoryManifest{records: make(map[string]*EnvironmentRecord)}
	for _, r := range records {
		m.records[r.PluginName] = r.Clone()
	}
	return m
}

func (m *MemoryManifest) Load(ctx context.Context) ([]*EnvironmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*EnvironmentRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PluginName < out[j].PluginName
	})
	return out, nil
}

func (m *MemoryManifest) Get(ctx context.Context, pluginName string) (*EnvironmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[pluginName].Clone(), nil
}

func (m *MemoryManifest) Upsert(ctx context.Context, rec *EnvironmentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for name, other := range m.records {
		if name != rec.PluginName && other.EnvironmentPath == rec.EnvironmentPath {
			return fmt.Errorf("%w: %s is used by %s", ErrPathConflict, rec.EnvironmentPath, name)
		}
	}
	m.records[rec.PluginName] = rec.Clone()
	m.writes++
	return nil
}

func (m *MemoryManifest) Delete(ctx context.Context, pluginName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, pluginName)
	return nil
}

func (m *MemoryManifest) Close() error {
	return nil
}

// Writes returns how many upserts succeeded.
func (m *MemoryManifest) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
