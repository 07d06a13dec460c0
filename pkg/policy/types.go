// Package policy defines the declarative access/retention policy model and
// its stores. Policies are pure data: validation happens at load time and
// every store rejects definitions that fail it.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSchemaInvalid marks a malformed policy definition. A definition
	// that fails validation is never partially applied.
	ErrSchemaInvalid = errors.New("policy schema invalid")
	// ErrPolicyNotFound marks a lookup miss.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrDuplicatePolicy marks an attempt to create a policy whose id
	// already exists.
	ErrDuplicatePolicy = errors.New("policy id already exists")
)

// Wildcard matches any context value in a rule field.
const Wildcard = "*"

// Effect is the outcome a rule imposes.
type Effect string

const (
	EffectPermit Effect = "Permit"
	EffectDeny   Effect = "Deny"
)

// Rule is one ordered entry of a Policy. A field equal to Wildcard matches
// any context value; a literal field must match exactly (locations also
// match through region aliases, see LocationMatches).
type Rule struct {
	ID            string `json:"id" yaml:"id"`
	Role          string `json:"role" yaml:"role"`
	Purpose       string `json:"purpose" yaml:"purpose"`
	DataTarget    string `json:"data_target" yaml:"data_target"`
	Location      string `json:"location" yaml:"location"`
	Effect        Effect `json:"effect" yaml:"effect"`
	RetentionDays int    `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
}

// RetentionBearing reports whether the rule imposes a retention duty.
func (r Rule) RetentionBearing() bool {
	return r.RetentionDays > 0
}

// RetentionPeriod returns the retention duration declared by the rule.
func (r Rule) RetentionPeriod() time.Duration {
	return time.Duration(r.RetentionDays) * 24 * time.Hour
}

// Specificity counts the literal (non-wildcard) fields of the rule.
func (r Rule) Specificity() int {
	n := 0
	for _, f := range []string{r.Role, r.Purpose, r.DataTarget, r.Location} {
		if f != Wildcard {
			n++
		}
	}
	return n
}

// Policy is an ordered set of rules under a unique identifier.
type Policy struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Rules       []Rule `json:"rules" yaml:"rules"`
}

// Validate checks the structural invariants of a policy definition.
// It returns an error wrapping ErrSchemaInvalid on the first violation.
func Validate(p *Policy) error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrSchemaInvalid)
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: policy id is required", ErrSchemaInvalid)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("%w: policy %q has no rules", ErrSchemaInvalid, p.ID)
	}
	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%w: policy %q rule %d has no id", ErrSchemaInvalid, p.ID, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: policy %q duplicate rule id %q", ErrSchemaInvalid, p.ID, r.ID)
		}
		seen[r.ID] = true
		switch r.Effect {
		case EffectPermit, EffectDeny:
		case "":
			return fmt.Errorf("%w: policy %q rule %q missing effect", ErrSchemaInvalid, p.ID, r.ID)
		default:
			return fmt.Errorf("%w: policy %q rule %q has unknown effect %q", ErrSchemaInvalid, p.ID, r.ID, r.Effect)
		}
		if r.RetentionDays < 0 {
			return fmt.Errorf("%w: policy %q rule %q has negative retention", ErrSchemaInvalid, p.ID, r.ID)
		}
		if r.RetentionDays > 0 && r.Effect != EffectPermit {
			return fmt.Errorf("%w: policy %q rule %q declares retention on a Deny rule", ErrSchemaInvalid, p.ID, r.ID)
		}
		for field, v := range map[string]string{
			"role": r.Role, "purpose": r.Purpose, "data_target": r.DataTarget, "location": r.Location,
		} {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%w: policy %q rule %q field %s is empty (use %q for any)", ErrSchemaInvalid, p.ID, r.ID, field, Wildcard)
			}
		}
	}
	return nil
}
