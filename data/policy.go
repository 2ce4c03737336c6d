package data

import "fmt"

// PolicyAction is a single conflict-resolution rule.
type PolicyAction string

const (
	// PolicyFail rejects the operation with ErrConflict.
	PolicyFail PolicyAction = ""

	// PolicyRename picks a deterministic non-colliding name and proceeds.
	PolicyRename PolicyAction = "rename"

	// PolicySkip leaves the existing entry untouched and reports it.
	PolicySkip PolicyAction = "skip"
)

// Policy is the two-element conflict policy governing create, rename
// and move operations. The first element applies when the colliding
// entry has the same type as the one being created, the second when
// the types differ.
type Policy [2]PolicyAction

// Same returns the rule for same-type collisions.
func (p Policy) Same() PolicyAction { return p[0] }

// Diff returns the rule for cross-type collisions.
func (p Policy) Diff() PolicyAction { return p[1] }

// Validate checks both elements against the known actions.
func (p Policy) Validate() error {
	for _, a := range p {
		switch a {
		case PolicyFail, PolicyRename, PolicySkip:
		default:
			return fmt.Errorf("%w: unknown policy action %q", ErrInvalid, a)
		}
	}
	return nil
}

// ParsePolicy builds a Policy from the wire representation, a list of
// at most two action strings where null/empty means fail-on-conflict.
func ParsePolicy(actions []string) (Policy, error) {
	var p Policy
	if len(actions) > 2 {
		return p, fmt.Errorf("%w: policy takes at most two actions", ErrInvalid)
	}
	for i, a := range actions {
		if a == "null" {
			a = ""
		}
		p[i] = PolicyAction(a)
	}
	return p, p.Validate()
}

// ResolveStatus describes how a conflict was settled.
type ResolveStatus string

const (
	// ResolveNone means the requested name was free.
	ResolveNone ResolveStatus = ""

	// ResolveRenamed means a disambiguated name was chosen.
	ResolveRenamed ResolveStatus = "renamed"

	// ResolveSkipped means the pre-existing entry was kept as-is.
	ResolveSkipped ResolveStatus = "skipped"
)

// Resolution reports the outcome of a policy-mediated operation.
type Resolution struct {
	// Final name at the destination
	Name string `json:"name"`

	// UUID of the resulting (or pre-existing, when skipped) entry
	UUID string `json:"uuid"`

	Status ResolveStatus `json:"status,omitempty"`
}
