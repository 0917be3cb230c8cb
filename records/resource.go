// Package records defines the entities, change events and wire envelopes that
// flow between the record server and its clients.
package records

import (
	"fmt"
	"strings"
)

// ResourceType names one collection of entities.
type ResourceType string

const (
	Companies   ResourceType = "companies"
	Departments ResourceType = "departments"
	Employees   ResourceType = "employees"
)

var singulars = map[ResourceType]string{
	Companies:   "company",
	Departments: "department",
	Employees:   "employee",
}

// AllResources lists every known resource type in a stable order.
func AllResources() []ResourceType {
	return []ResourceType{Companies, Departments, Employees}
}

// Singular returns the singular name used in event names and payload keys.
func (r ResourceType) Singular() string {
	return singulars[r]
}

// Valid reports whether r is a known resource type.
func (r ResourceType) Valid() bool {
	_, ok := singulars[r]
	return ok
}

// IDKey is the payload key carrying the id of a deleted entity, e.g. "employeeId".
func (r ResourceType) IDKey() string {
	return r.Singular() + "Id"
}

func (r ResourceType) String() string { return string(r) }

// ParseResourceType accepts a plural resource name.
func ParseResourceType(s string) (ResourceType, error) {
	rt := ResourceType(strings.ToLower(strings.TrimSpace(s)))
	if !rt.Valid() {
		return "", fmt.Errorf("unknown resource type %q", s)
	}
	return rt, nil
}

// resourceForSingular resolves a singular name back to its resource type.
func resourceForSingular(s string) (ResourceType, bool) {
	for rt, singular := range singulars {
		if singular == s {
			return rt, true
		}
	}
	return "", false
}
