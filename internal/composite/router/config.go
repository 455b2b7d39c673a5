package router

import (
	"github.com/heliosfhir/fhirstore/internal/composite/analyzer"
	"github.com/heliosfhir/fhirstore/internal/composite/cost"
	"github.com/heliosfhir/fhirstore/internal/storage"
)

// Role is the functional role a backend plays in the composite engine.
type Role string

const (
	RolePrimary     Role = "primary"
	RoleSearch      Role = "search"
	RoleGraph       Role = "graph"
	RoleTerminology Role = "terminology"
	RoleCache       Role = "cache"
)

// preferredRole maps a specialized feature to the role that should serve
// it absent a custom rule.
var preferredRole = map[analyzer.Feature]Role{
	analyzer.FeatureChainedSearch:   RoleGraph,
	analyzer.FeatureReverseChaining: RoleGraph,
	analyzer.FeatureFullTextSearch:  RoleSearch,
	analyzer.FeatureTerminology:     RoleTerminology,
}

// BackendEntry describes one configured backend for routing purposes.
type BackendEntry struct {
	ID           string
	Role         Role
	Kind         cost.Kind
	Priority     int // lower runs first when multiple backends satisfy a role
	Enabled      bool
	Capabilities storage.CapabilitySet
}

// Config is the composite engine's static routing configuration, built
// from explicitly-initialized components passed by handle.
type Config struct {
	PrimaryBackendID string
	Backends         []BackendEntry
	// CustomRules overrides the preferred-role lookup for a feature when
	// present step 3 ("prefer a custom routing rule").
	CustomRules map[analyzer.Feature]string
}

func (c *Config) backendByID(id string) (BackendEntry, bool) {
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}

	return BackendEntry{}, false
}

func (c *Config) backendsForRole(role Role) []BackendEntry {
	var out []BackendEntry

	for _, b := range c.Backends {
		if b.Enabled && b.Role == role {
			out = append(out, b)
		}
	}

	return out
}

func (c *Config) backendsForCapability(cap storage.Capability) []BackendEntry {
	var out []BackendEntry

	for _, b := range c.Backends {
		if b.Enabled && b.Capabilities.Has(cap) {
			out = append(out, b)
		}
	}

	return out
}
