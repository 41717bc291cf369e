// Package catalog maintains the aggregator's union of discovered tools: a
// read-mostly index built from each backend's tools/list result, prefixed
// and de-duplicated per spec.md §4.4. Writers (one per backend discovery)
// replace only that backend's slice of the index; readers never see a torn
// mix of old and new entries for the same backend.
package catalog

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/5dlabs/toolman/pkg/backend"
	"github.com/5dlabs/toolman/pkg/config"
)

var invalidNameChar = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Sanitize maps every character outside [A-Za-z0-9_] to '_', per spec.md §3.
func Sanitize(s string) string {
	return invalidNameChar.ReplaceAllString(s, "_")
}

// Tool is one entry in the catalog: a discovered backend tool after
// prefixing. Description and InputSchema are preserved verbatim from the
// backend (spec.md's no-schema-rewriting non-goal).
type Tool struct {
	PrefixedName string          `json:"name"`
	OriginalName string          `json:"-"`
	BackendID    string          `json:"-"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	Enabled      bool            `json:"-"`
}

// Catalog is the process-wide tool index. Zero value is not usable; use New.
type Catalog struct {
	mu sync.RWMutex

	// byBackend holds each backend's current slice of tools, keyed by
	// backend id, so a re-discovery can atomically replace one entry
	// without touching any other backend's tools.
	byBackend map[string][]Tool
	// byName is the flattened, globally-unique prefixed-name index,
	// rebuilt whenever byBackend changes.
	byName map[string]Tool
	// order lists the prefixed names sorted by backend id, then by original
	// tool name, for deterministic tools/list responses (spec.md §4.6).
	order []string

	flags map[string]config.ToolFlags
}

// New constructs an empty Catalog. flags is the static per-backend tool
// enable configuration (spec.md §4.6 precedence level 3); it is fixed for
// the catalog's lifetime.
func New(flags map[string]config.ToolFlags) *Catalog {
	return &Catalog{
		byBackend: make(map[string][]Tool),
		byName:    make(map[string]Tool),
		flags:     flags,
	}
}

// ReplaceBackend atomically replaces backendID's slice of the catalog with
// tools freshly discovered from it, re-prefixing and re-resolving
// collisions against every other backend currently in the catalog. Other
// backends' entries are untouched (spec.md §4.4).
func (c *Catalog) ReplaceBackend(backendID string, tools []backend.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	flags := c.flags[backendID]
	newTools := make([]Tool, 0, len(tools))
	for _, t := range tools {
		newTools = append(newTools, Tool{
			OriginalName: t.Name,
			BackendID:    backendID,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			Enabled:      flags.IsEnabled(t.Name),
		})
	}

	c.byBackend[backendID] = newTools
	c.rebuild()
}

// RemoveBackend drops every tool belonging to backendID, e.g. when a
// backend is permanently torn down.
func (c *Catalog) RemoveBackend(backendID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byBackend, backendID)
	c.rebuild()
}

// rebuild recomputes byName and order from byBackend. Must be called with
// mu held. Backends are walked in a stable (sorted) order so that, for a
// fixed set of per-backend tool lists, the resulting prefixed names and
// collision suffixes are independent of discovery completion order (the
// commutativity property required by spec.md §8).
func (c *Catalog) rebuild() {
	backendIDs := make([]string, 0, len(c.byBackend))
	for id := range c.byBackend {
		backendIDs = append(backendIDs, id)
	}
	sort.Strings(backendIDs)

	byName := make(map[string]Tool)
	order := make([]string, 0, len(c.byName))
	used := make(map[string]bool)

	for _, id := range backendIDs {
		tools := c.byBackend[id]
		sorted := make([]Tool, len(tools))
		copy(sorted, tools)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].OriginalName < sorted[j].OriginalName })

		for _, t := range sorted {
			name := prefixedName(id, t.OriginalName, used)
			used[name] = true
			t.PrefixedName = name
			byName[name] = t
			order = append(order, name)
		}
	}

	c.byName = byName
	c.order = order
}

// prefixedName computes the sanitized, collision-free prefixed name for
// (backendID, originalName) given the set of names already claimed in this
// rebuild pass.
func prefixedName(backendID, originalName string, used map[string]bool) string {
	base := Sanitize(backendID) + "_" + Sanitize(originalName)
	if !used[base] {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + "_" + strconv.Itoa(n)
		if !used[candidate] {
			return candidate
		}
	}
}

// Lookup returns the tool registered under prefixedName, if any.
func (c *Catalog) Lookup(prefixedName string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byName[prefixedName]
	return t, ok
}

// Iter returns every catalog tool in stable order: sorted by backend id, then
// by original tool name.
func (c *Catalog) Iter() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

// IterForBackend returns the tools currently attributed to backendID, in
// the order computed by the last ReplaceBackend for it.
func (c *Catalog) IterForBackend(backendID string) []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.order))
	for _, name := range c.order {
		if t := c.byName[name]; t.BackendID == backendID {
			out = append(out, t)
		}
	}
	return out
}

// Names returns every prefixed name currently in the catalog, in stable
// order. Used by the filter engine for glob matching.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// BackendIDs reports which backends currently have a slice registered,
// whether or not it is empty — a degenerate backend with zero tools is
// still present (spec.md §4.2).
func (c *Catalog) BackendIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byBackend))
	for id := range c.byBackend {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
