// Package routes maps managed recipient domains to their destination
// exchanges. The table is loaded from an ini file and, optionally, from a
// Postgres table, and is swapped atomically on reload.
package routes

import (
	"errors"
	"maps"
	"strings"
	"sync/atomic"
)

// ErrUnknownDomain is returned when a domain has no route.
var ErrUnknownDomain = errors.New("routes: domain not in routes")

// Registry is a read-mostly domain → exchange URI table. Lookups never block
// and never observe a table that is being rebuilt.
type Registry struct {
	table atomic.Pointer[map[string]string]
}

// NewRegistry builds a registry from entries. Keys are lowercased.
func NewRegistry(entries map[string]string) *Registry {
	r := &Registry{}
	r.Replace(entries)
	return r
}

// Replace swaps in a new table built from entries and returns its size.
func (r *Registry) Replace(entries map[string]string) int {
	table := make(map[string]string, len(entries))
	for domain, uri := range entries {
		domain = normalizeDomain(domain)
		if domain == "" {
			continue
		}
		table[domain] = strings.TrimSpace(uri)
	}
	r.table.Store(&table)
	return len(table)
}

// Lookup returns the raw exchange URI configured for domain.
func (r *Registry) Lookup(domain string) (string, bool) {
	t := r.table.Load()
	if t == nil {
		return "", false
	}
	uri, ok := (*t)[normalizeDomain(domain)]
	return uri, ok
}

// Exchange looks up and parses the exchange for domain.
func (r *Registry) Exchange(domain string) (Exchange, error) {
	uri, ok := r.Lookup(domain)
	if !ok {
		return Exchange{}, ErrUnknownDomain
	}
	return ParseExchange(uri)
}

// Count returns the number of managed domains.
func (r *Registry) Count() int {
	t := r.table.Load()
	if t == nil {
		return 0
	}
	return len(*t)
}

// Snapshot returns a copy of the current table.
func (r *Registry) Snapshot() map[string]string {
	t := r.table.Load()
	if t == nil {
		return map[string]string{}
	}
	return maps.Clone(*t)
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
