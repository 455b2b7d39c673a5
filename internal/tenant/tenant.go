// Package tenant implements the identity and permission context that must
// be carried on every core call.
package tenant

import (
	"fmt"
	"regexp"
	"strings"
)

// System is the distinguished tenant for shared artifacts (e.g. embedded
// search parameter definitions).
const System ID = "system"

// ID is an opaque, normalized tenant identifier.
type ID string

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9_/-]{1,64}$`)

// Normalize lowercases id and validates it against the tenant id rules
// (non-empty, <=64 chars, ASCII alphanumeric + "-" "_", hierarchical "/"
// allowed for shared-schema tenancy).
func Normalize(raw string) (ID, error) {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if lowered == "" {
		return "", fmt.Errorf("tenant: empty tenant id")
	}

	if !tenantIDPattern.MatchString(lowered) {
		return "", fmt.Errorf("tenant: invalid tenant id %q", raw)
	}

	return ID(lowered), nil
}

// SchemaName renders id for schema-per-tenant backends, where "/" is not a
// legal identifier character and is translated to "_".
func (id ID) SchemaName() string {
	return strings.ReplaceAll(string(id), "/", "_")
}

// Operation is one of the permission-gated actions a TenantContext may
// authorize.
type Operation string

const (
	OpCreate      Operation = "create"
	OpRead        Operation = "read"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpHistory     Operation = "history"
	OpSearch      Operation = "search"
	OpTransaction Operation = "transaction"
	OpBulk        Operation = "bulk"
)

// Compartment restricts a permission grant to a single (resourceType, id)
// compartment, e.g. Patient/123's own data.
type Compartment struct {
	ResourceType string
	ID           string
}

// Permission grants one Operation, optionally restricted to a set of
// resource types or a single compartment. An empty ResourceTypes set means
// "all resource types".
type Permission struct {
	Operation     Operation
	ResourceTypes map[string]struct{}
	Compartment   *Compartment
}

// Allows reports whether this permission covers op on resourceType, and
// (when set) within the given compartment.
func (p Permission) Allows(op Operation, resourceType string, compartment *Compartment) bool {
	if p.Operation != op {
		return false
	}

	if len(p.ResourceTypes) > 0 {
		if _, ok := p.ResourceTypes[resourceType]; !ok {
			return false
		}
	}

	if p.Compartment != nil {
		if compartment == nil {
			return false
		}

		if *p.Compartment != *compartment {
			return false
		}
	}

	return true
}

// Context is the identity and authorization envelope required on every
// core call. There is no escape hatch: every storage-contract and
// composite-engine method in this module takes a Context as its first
// argument after ctx.
type Context struct {
	TenantID    ID
	Permissions []Permission
}

// Can reports whether this context is authorized for op against
// resourceType, optionally scoped to a compartment.
func (c Context) Can(op Operation, resourceType string, compartment *Compartment) bool {
	for _, p := range c.Permissions {
		if p.Allows(op, resourceType, compartment) {
			return true
		}
	}

	return false
}

// New builds a Context for tenantID with the given permissions, normalizing
// the tenant id.
func New(tenantID string, permissions ...Permission) (Context, error) {
	id, err := Normalize(tenantID)
	if err != nil {
		return Context{}, err
	}

	return Context{TenantID: id, Permissions: permissions}, nil
}

// AllResourceTypes grants a Permission across every resource type.
func AllResourceTypes(op Operation) Permission {
	return Permission{Operation: op}
}

// ForResourceTypes grants a Permission restricted to the given resource
// types.
func ForResourceTypes(op Operation, types ...string) Permission {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}

	return Permission{Operation: op, ResourceTypes: set}
}

// ForCompartment grants a Permission restricted to a single compartment.
func ForCompartment(op Operation, resourceType, id string) Permission {
	return Permission{Operation: op, Compartment: &Compartment{ResourceType: resourceType, ID: id}}
}
