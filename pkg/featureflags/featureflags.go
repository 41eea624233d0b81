// Package featureflags provides the engine's runtime-toggleable named
// boolean switches (SPEC_FULL.md §6.1: schema-versioning,
// index-versioning, binary-serialisation, and any future flag), loaded
// from pkg/config.Config.FeatureFlags at startup and adjustable
// thereafter without a restart. Grounded on pkg/config/config.go's
// OptimizerConfig.Enabled pattern (a single boolean gating a whole
// subsystem), generalized here from one hardcoded field to an open set
// of named flags.
package featureflags

import "sync"

// Known flag names recognised by the engine. Set does not require a flag
// to be one of these, so experimental or deployment-specific flags can be
// introduced without a code change here.
const (
	SchemaVersioning    = "schema-versioning"
	IndexVersioning     = "index-versioning"
	BinarySerialisation = "binary-serialisation"
)

// defaultFlags mirrors pkg/config.DefaultConfig's FeatureFlags map so a
// Set constructed without an explicit source still behaves like a freshly
// opened engine.
func defaultFlags() map[string]bool {
	return map[string]bool{
		SchemaVersioning:    true,
		IndexVersioning:     true,
		BinarySerialisation: true,
	}
}

// Set is a concurrency-safe collection of named boolean flags.
type Set struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// New returns a Set seeded with the engine's default flags.
func New() *Set {
	return &Set{flags: defaultFlags()}
}

// FromMap returns a Set seeded from an explicit map (e.g.
// pkg/config.Config.FeatureFlags), falling back to the engine defaults
// for any flag the map omits.
func FromMap(m map[string]bool) *Set {
	s := New()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, enabled := range m {
		s.flags[name] = enabled
	}
	return s
}

// Enabled reports whether name is set. Unknown flags default to false.
func (s *Set) Enabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[name]
}

// Set toggles name to enabled, introducing it if not already present.
func (s *Set) Set(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = enabled
}

// All returns a snapshot copy of every flag currently tracked.
func (s *Set) All() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}
