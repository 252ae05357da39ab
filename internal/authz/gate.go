// Package authz implements the authorization gate: a pure, deterministic
// function from (actor role, entity state, requested transition, relationship
// facts) to allow or deny.
package authz

import (
	"fmt"

	"github.com/pitabwire/adoption/model"
)

// Relationship carries the facts about how the actor relates to the entity.
// The caller derives them from data it has already loaded; the gate never
// performs lookups.
type Relationship struct {
	// IsAssignedInterviewer is true when the actor is the interviewer
	// assigned to the Interview.
	IsAssignedInterviewer bool
	// IsApplicationCreator is true when the actor created the Application
	// the entity belongs to.
	IsApplicationCreator bool
	// HoldsContractToken is true when the request carries a valid,
	// unexpired token for this Contract.
	HoldsContractToken bool
}

// Request is the input to Check.
type Request struct {
	Role         model.Role
	Kind         model.EntityKind
	CurrentState string
	Transition   model.TransitionName
	Relation     Relationship
}

// Decision is the outcome of Check. Reason is empty when allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Gate evaluates transition requests against an immutable policy. It is safe
// for concurrent use.
type Gate struct {
	policy *Policy
}

// NewGate creates a gate over the given policy. A nil policy uses DefaultPolicy.
func NewGate(policy *Policy) *Gate {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Gate{policy: policy}
}

// Policy returns the policy the gate evaluates.
func (g *Gate) Policy() *Policy {
	return g.policy
}

// Check decides whether req may proceed.
func (g *Gate) Check(req Request) Decision {
	if _, ok := model.ParseTransition(req.Kind, string(req.Transition)); !ok {
		return deny("transition %q is not defined for %s", req.Transition, req.Kind)
	}
	key := ruleKey{kind: req.Kind, transition: req.Transition}
	rule, ok := g.policy.rules[key]
	if !ok {
		return deny("transition %s:%s has no policy entry", req.Kind, req.Transition)
	}

	if req.Role.Elevated() {
		return allow()
	}
	if req.Role == model.RoleSystem {
		if systemAllowList[key] {
			return allow()
		}
		return deny("system actor may not %s %s", req.Transition, req.Kind)
	}

	if !rule.grants(req.Role) {
		return deny("role %q may not %s %s", req.Role, req.Transition, req.Kind)
	}
	for _, cond := range rule.conditions[req.Role] {
		if !cond.check(req) {
			return deny("role %q may not %s %s: %s", req.Role, req.Transition, req.Kind, cond.reason)
		}
	}
	return allow()
}
