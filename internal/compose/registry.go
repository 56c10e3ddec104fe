package compose

import (
	"sort"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// MergeStrategy controls how a built handle joins the registry. User- and
// project-scoped servers are private per composition (copy); organization-
// and platform-scoped servers share one live cached handle (link).
type MergeStrategy string

const (
	MergeCopy MergeStrategy = "copy"
	MergeLink MergeStrategy = "link"
)

// strategyForScope is the closed merge-strategy table.
func strategyForScope(scope models.Scope) MergeStrategy {
	switch scope {
	case models.ScopeUser, models.ScopeProject:
		return MergeCopy
	default:
		return MergeLink
	}
}

// Entry is one composed server in the registry.
type Entry struct {
	// Name is the composed, collision-free name ("user_drive", "org_crm",
	// "system_search"). Caller-supplied servers keep their given name.
	Name string

	// Scope is empty for caller-supplied servers.
	Scope     models.Scope
	Namespace string
	Transport models.TransportKind

	// AuthStatus reflects the per-entry outcome; anything but ok excludes
	// the entry from the usable set.
	AuthStatus models.AuthStatus

	// Detail is the human-readable failure reason when AuthStatus is not ok.
	Detail string

	// Handle is nil when the build failed outright.
	Handle ServerHandle

	strategy MergeStrategy
}

// Usable reports whether the agent runtime may call through this entry.
func (e *Entry) Usable() bool {
	return e.AuthStatus == models.AuthStatusOK && e.Handle != nil
}

// Summary converts the entry to its API representation.
func (e *Entry) Summary() models.RegistryEntrySummary {
	return models.RegistryEntrySummary{
		Name:       e.Name,
		Scope:      e.Scope,
		Namespace:  e.Namespace,
		Transport:  e.Transport,
		AuthStatus: e.AuthStatus,
		Detail:     e.Detail,
	}
}

// Registry is the read-only result of one composition: a unique-name map of
// server entries handed to the agent runtime. Composition is one-shot per
// request; there are no mutation methods.
type Registry struct {
	entries map[string]*Entry
	order   []string // deterministic merge order
}

func newRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func (r *Registry) add(e *Entry) {
	r.entries[e.Name] = e
	r.order = append(r.order, e.Name)
}

// Len returns the number of entries, usable or not.
func (r *Registry) Len() int { return len(r.entries) }

// Get returns the entry with the given composed name.
func (r *Registry) Get(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns all composed names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns all entries in merge order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.entries[name])
	}
	return out
}

// Usable returns the entries the agent runtime may call through.
func (r *Registry) Usable() []Entry {
	var out []Entry
	for _, name := range r.order {
		if e := r.entries[name]; e.Usable() {
			out = append(out, *e)
		}
	}
	return out
}

// Summaries returns API representations of all entries in merge order.
func (r *Registry) Summaries() []models.RegistryEntrySummary {
	out := make([]models.RegistryEntrySummary, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Summary())
	}
	return out
}

// Close releases the registry's private (copy-merged) handles. Link-merged
// handles belong to the shared cache and stay alive for later compositions.
func (r *Registry) Close() {
	for _, e := range r.entries {
		if e.Handle != nil && e.strategy == MergeCopy {
			_ = e.Handle.Close()
		}
	}
}
