package permission

import "sync"

// Preference is a standing decision remembered from an "always" selection.
type Preference struct {
	Allow    bool
	OptionID string
}

// PreferenceCache maps tool names to the last "always" decision made for
// them. It is consulted before any policy evaluation or client round-trip.
// In-memory only; preferences do not survive a restart.
type PreferenceCache struct {
	mu    sync.RWMutex
	prefs map[string]Preference
}

// NewPreferenceCache creates an empty cache.
func NewPreferenceCache() *PreferenceCache {
	return &PreferenceCache{prefs: make(map[string]Preference)}
}

// Get looks up the standing preference for a tool.
func (c *PreferenceCache) Get(toolName string) (Preference, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prefs[toolName]
	return p, ok
}

// Put stores a standing preference for a tool, replacing any previous one.
func (c *PreferenceCache) Put(toolName string, p Preference) {
	c.mu.Lock()
	c.prefs[toolName] = p
	c.mu.Unlock()
}

// Forget drops the preference for a tool.
func (c *PreferenceCache) Forget(toolName string) {
	c.mu.Lock()
	delete(c.prefs, toolName)
	c.mu.Unlock()
}

// Len returns the number of stored preferences.
func (c *PreferenceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prefs)
}
