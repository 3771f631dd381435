package registry

import (
	"strings"
	"sync"
)

// PluginHandle is what a plugin's registration code sees. It exposes exactly
// the two registration operations and stages everything until the registry
// commits it.
type PluginHandle struct {
	registry *Registry

	mu     sync.Mutex
	entry  *Entry
	seen   map[string]bool
	sealed bool
}

func (h *PluginHandle) Name() string {
	return h.entry.Name
}

// AddDependency records a dependency string. Adding the same string twice is
// a no-op.
func (h *PluginHandle) AddDependency(spec string) {
	spec = strings.TrimSpace(spec)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		h.registry.logger.Debug("dependency added after registration finished", "plugin", h.entry.Name, "spec", spec)
		return
	}
	if h.seen[spec] {
		return
	}
	h.seen[spec] = true
	h.entry.Dependencies = append(h.entry.Dependencies, spec)
}

// RegisterUIComponent stores a handle under key, overwriting (with a warning)
// any earlier registration of the same key.
func (h *PluginHandle) RegisterUIComponent(key string, handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		h.registry.logger.Debug("UI component registered after registration finished", "plugin", h.entry.Name, "key", key)
		return
	}
	if _, exists := h.entry.UIComponents[key]; exists {
		h.registry.warn("plugin %q registered UI component %q twice, keeping the last one", h.entry.Name, key)
	}
	h.entry.UIComponents[key] = handle
}

// seal returns the staged entry the first time it is called and nil after.
func (h *PluginHandle) seal() *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return nil
	}
	h.sealed = true
	return h.entry
}
