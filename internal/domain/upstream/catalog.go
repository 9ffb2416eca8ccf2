package upstream

import (
	"sort"
	"sync"
	"time"
)

// MaxToolsPerUpstream is the maximum number of tools a single upstream can
// register. Guards the catalog against a misbehaving upstream advertising
// an excessive tool count.
const MaxToolsPerUpstream = 500

// CatalogEntry records the advertised tool set of one upstream along with
// the server version the set was gated against.
type CatalogEntry struct {
	// Kind is the upstream role.
	Kind Kind
	// Version is the server version reported at discovery time.
	Version Version
	// Tools is the version-gated tool list.
	Tools []Tool
	// DiscoveredAt records when the set was last refreshed.
	DiscoveredAt time.Time
}

// Catalog provides thread-safe storage for the tool sets discovered from
// connected upstreams. It is refreshed on connect and queried by the tool
// routing and the aggregated tools/list surface.
type Catalog struct {
	entries map[Kind]*CatalogEntry
	mu      sync.RWMutex
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[Kind]*CatalogEntry)}
}

// SetTools replaces the tool set for a kind. The list is truncated to
// MaxToolsPerUpstream.
func (c *Catalog) SetTools(kind Kind, version Version, tools []Tool) {
	if len(tools) > MaxToolsPerUpstream {
		tools = tools[:MaxToolsPerUpstream]
	}
	cp := make([]Tool, len(tools))
	copy(cp, tools)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[kind] = &CatalogEntry{
		Kind:         kind,
		Version:      version,
		Tools:        cp,
		DiscoveredAt: time.Now(),
	}
}

// Lookup finds a tool by kind and name.
func (c *Catalog) Lookup(kind Kind, name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[kind]
	if !ok {
		return Tool{}, false
	}
	for _, t := range e.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Tools returns a copy of the tool set for a kind, nil when the kind has
// not been discovered.
func (c *Catalog) Tools(kind Kind) []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[kind]
	if !ok {
		return nil
	}
	out := make([]Tool, len(e.Tools))
	copy(out, e.Tools)
	return out
}

// Entries returns a snapshot of all catalog entries ordered by kind.
func (c *Catalog) Entries() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		cp := *e
		cp.Tools = make([]Tool, len(e.Tools))
		copy(cp.Tools, e.Tools)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Remove drops the tool set for a kind, typically on disconnect.
func (c *Catalog) Remove(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, kind)
}

// Count returns the total number of cataloged tools across all kinds.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, e := range c.entries {
		n += len(e.Tools)
	}
	return n
}
