package entitlement

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Catalog is an immutable snapshot of the issue -> age bracket -> entitlement table.
// A nil *Catalog behaves as an empty table.
type Catalog struct {
	issues   map[string]map[string]Entitlement
	loadedAt time.Time
	source   string
}

// NewCatalog builds a snapshot from a nested mapping. The input is copied.
func NewCatalog(issues map[string]map[string]Entitlement) *Catalog {
	c := &Catalog{
		issues:   make(map[string]map[string]Entitlement, len(issues)),
		loadedAt: time.Now().UTC(),
	}
	for issueKey, brackets := range issues {
		inner := make(map[string]Entitlement, len(brackets))
		for age, ent := range brackets {
			inner[age] = ent.clone()
		}
		c.issues[issueKey] = inner
	}
	return c
}

// ParseCatalog decodes the JSON table form:
//
//	{"2025-01": {"6-9": {"catalog": "...", "annexes": ["..."]}}}
func ParseCatalog(data []byte) (*Catalog, error) {
	var issues map[string]map[string]Entitlement
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewCatalog(issues), nil
}

// WithSource returns a copy of the snapshot labelled with the producer that loaded it
func (c *Catalog) WithSource(source string) *Catalog {
	if c == nil {
		c = NewCatalog(nil)
	}
	out := *c
	out.source = source
	return &out
}

// Lookup returns the entitlement for (ageBracket, issueKey). Absence is not an
// error; callers decide whether it is fatal.
func (c *Catalog) Lookup(ageBracket, issueKey string) (Entitlement, bool) {
	if c == nil {
		return Entitlement{}, false
	}
	brackets, ok := c.issues[issueKey]
	if !ok {
		return Entitlement{}, false
	}
	ent, ok := brackets[ageBracket]
	if !ok {
		return Entitlement{}, false
	}
	return ent.clone(), true
}

// Lookup is the pure catalog lookup against a snapshot
func Lookup(c *Catalog, ageBracket, issueKey string) (Entitlement, bool) {
	return c.Lookup(ageBracket, issueKey)
}

// Issues returns the issue keys in ascending order
func (c *Catalog) Issues() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.issues))
	for k := range c.issues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CatalogEntry is one row of the table form of a Catalog
type CatalogEntry struct {
	IssueKey    string
	AgeBracket  string
	Entitlement Entitlement
}

// Entries returns every entry sorted by issue key then age bracket
func (c *Catalog) Entries() []CatalogEntry {
	if c == nil {
		return nil
	}
	out := make([]CatalogEntry, 0, c.Len())
	for _, issueKey := range c.Issues() {
		brackets := c.issues[issueKey]
		ages := make([]string, 0, len(brackets))
		for age := range brackets {
			ages = append(ages, age)
		}
		sort.Strings(ages)
		for _, age := range ages {
			out = append(out, CatalogEntry{IssueKey: issueKey, AgeBracket: age, Entitlement: brackets[age].clone()})
		}
	}
	return out
}

// NewCatalogFromEntries builds a snapshot from table rows. Later rows win.
func NewCatalogFromEntries(entries []CatalogEntry) *Catalog {
	issues := make(map[string]map[string]Entitlement)
	for _, e := range entries {
		if issues[e.IssueKey] == nil {
			issues[e.IssueKey] = make(map[string]Entitlement)
		}
		issues[e.IssueKey][e.AgeBracket] = e.Entitlement
	}
	return NewCatalog(issues)
}

// Len returns the number of (issueKey, ageBracket) entries
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, brackets := range c.issues {
		n += len(brackets)
	}
	return n
}

func (c *Catalog) LoadedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.loadedAt
}

func (c *Catalog) Source() string {
	if c == nil {
		return ""
	}
	return c.source
}

// MarshalJSON encodes the snapshot in the same form ParseCatalog accepts
func (c *Catalog) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.issues)
}

// CatalogSource provides the latest catalog snapshot
type CatalogSource interface {
	Current() *Catalog
}

// CatalogHolder publishes catalog snapshots atomically. Readers always see a
// complete snapshot; producers (file watcher, config push, database refresh)
// call Publish.
type CatalogHolder struct {
	current atomic.Pointer[Catalog]

	mu          sync.RWMutex
	subscribers []func(*Catalog)
}

// NewCatalogHolder creates a holder seeded with initial (empty when nil)
func NewCatalogHolder(initial *Catalog) *CatalogHolder {
	h := &CatalogHolder{}
	if initial == nil {
		initial = NewCatalog(nil)
	}
	h.current.Store(initial)
	return h
}

// Current returns the latest snapshot
func (h *CatalogHolder) Current() *Catalog {
	return h.current.Load()
}

// Publish replaces the current snapshot and notifies subscribers
func (h *CatalogHolder) Publish(c *Catalog) {
	if c == nil {
		c = NewCatalog(nil)
	}
	h.current.Store(c)

	h.mu.RLock()
	subs := append([]func(*Catalog){}, h.subscribers...)
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

// Subscribe registers fn to be called after every Publish
func (h *CatalogHolder) Subscribe(fn func(*Catalog)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

// StaticCatalog is a CatalogSource that always returns the same snapshot
type StaticCatalog struct {
	Catalog *Catalog
}

func (s StaticCatalog) Current() *Catalog {
	return s.Catalog
}
