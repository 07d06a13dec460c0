// Package pdp is the policy decision point: a pure evaluator turning a
// policy plus a request context into a Permit/Deny decision with retention
// obligations.
//
// Combining semantics, in order:
//  1. keep rules whose every field matches the context (literal or wildcard)
//  2. rank survivors by specificity (count of literal fields), tie-broken
//     by which fields are literal: location > data target > purpose > role
//  3. deny-overrides within the winning rank
//  4. obligations are the union over Permit rules at the winning rank
//  5. no survivor at all means Deny (fail-closed)
package pdp

import (
	"sort"
	"time"

	"github.com/custodian-labs/custodian/pkg/policy"
)

// RequestContext is the immutable input of one evaluation. The timestamp
// is supplied by the caller; Evaluate never reads a clock.
type RequestContext struct {
	Role       string    `json:"role"`
	Purpose    string    `json:"purpose"`
	DataTarget string    `json:"data_target"`
	Location   string    `json:"location"`
	Timestamp  time.Time `json:"timestamp"`
}

// Obligation is a retention duty attached to a Permit decision.
type Obligation struct {
	DataTarget    string `json:"data_target"`
	RetentionDays int    `json:"retention_days"`
}

// RetentionPeriod returns the obligation's retention as a duration.
func (o Obligation) RetentionPeriod() time.Duration {
	return time.Duration(o.RetentionDays) * 24 * time.Hour
}

// Decision is the immutable outcome of one evaluation.
type Decision struct {
	Effect        policy.Effect `json:"effect"`
	PolicyID      string        `json:"policy_id"`
	MatchedRuleID string        `json:"matched_rule_id,omitempty"`
	Obligations   []Obligation  `json:"obligations,omitempty"`
	EvaluatedAt   time.Time     `json:"evaluated_at"`
}

// Permitted reports whether the decision grants the request.
func (d Decision) Permitted() bool { return d.Effect == policy.EffectPermit }

// rank orders matching rules. Literal count dominates; among equal counts
// the field-priority bits decide (a literal location outranks a literal
// data target, and so on down to role).
func rank(r policy.Rule) int {
	score := r.Specificity() << 4
	if r.Location != policy.Wildcard {
		score |= 1 << 3
	}
	if r.DataTarget != policy.Wildcard {
		score |= 1 << 2
	}
	if r.Purpose != policy.Wildcard {
		score |= 1 << 1
	}
	if r.Role != policy.Wildcard {
		score |= 1
	}
	return score
}

func matches(r policy.Rule, ctx RequestContext) bool {
	if r.Role != policy.Wildcard && r.Role != ctx.Role {
		return false
	}
	if r.Purpose != policy.Wildcard && r.Purpose != ctx.Purpose {
		return false
	}
	if r.DataTarget != policy.Wildcard && r.DataTarget != ctx.DataTarget {
		return false
	}
	return policy.LocationMatches(r.Location, ctx.Location)
}

// Evaluate applies pol to ctx. It is a pure function: same inputs, same
// Decision. The absence of an explicit permission is never treated as
// permission.
func Evaluate(pol *policy.Policy, ctx RequestContext) Decision {
	deny := Decision{
		Effect:      policy.EffectDeny,
		PolicyID:    pol.ID,
		EvaluatedAt: ctx.Timestamp,
	}

	var survivors []policy.Rule
	for _, r := range pol.Rules {
		if matches(r, ctx) {
			survivors = append(survivors, r)
		}
	}
	if len(survivors) == 0 {
		return deny
	}

	// Stable sort keeps declaration order among rules of identical rank,
	// so the matched-rule reference is deterministic.
	sort.SliceStable(survivors, func(i, j int) bool {
		return rank(survivors[i]) > rank(survivors[j])
	})
	top := rank(survivors[0])
	tier := survivors[:0:0]
	for _, r := range survivors {
		if rank(r) == top {
			tier = append(tier, r)
		}
	}

	// Deny-overrides within the winning tier.
	for _, r := range tier {
		if r.Effect == policy.EffectDeny {
			deny.MatchedRuleID = r.ID
			return deny
		}
	}

	d := Decision{
		Effect:        policy.EffectPermit,
		PolicyID:      pol.ID,
		MatchedRuleID: tier[0].ID,
		EvaluatedAt:   ctx.Timestamp,
	}
	seen := make(map[Obligation]bool)
	for _, r := range tier {
		if !r.RetentionBearing() {
			continue
		}
		ob := Obligation{DataTarget: ctx.DataTarget, RetentionDays: r.RetentionDays}
		if !seen[ob] {
			seen[ob] = true
			d.Obligations = append(d.Obligations, ob)
		}
	}
	return d
}
