package authz

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/adoption/model"
)

type ruleKey struct {
	kind       model.EntityKind
	transition model.TransitionName
}

func (k ruleKey) String() string {
	return string(k.kind) + ":" + string(k.transition)
}

// condition is a relationship predicate that narrows a role grant.
type condition struct {
	reason string
	check  func(Request) bool
}

var (
	assignedInterviewer = condition{
		reason: "actor is not the assigned interviewer",
		check:  func(r Request) bool { return r.Relation.IsAssignedInterviewer },
	}
	decisionOpen = condition{
		reason: "final decision already recorded",
		check:  func(r Request) bool { return r.CurrentState == string(model.DecisionPending) },
	}
	applicationCreator = condition{
		reason: "actor did not create the application",
		check:  func(r Request) bool { return r.Relation.IsApplicationCreator },
	}
	contractToken = condition{
		reason: "a valid contract token is required",
		check:  func(r Request) bool { return r.Relation.HoldsContractToken },
	}
)

type rule struct {
	roles      []model.Role
	conditions map[model.Role][]condition
}

func (r rule) grants(role model.Role) bool {
	for _, granted := range r.roles {
		if granted == role {
			return true
		}
	}
	return false
}

// systemAllowList is the fixed set of transitions the system pseudo-actor may
// request. It cannot be changed by a policy file.
var systemAllowList = map[ruleKey]bool{
	{model.KindContract, model.TransitionCreate}: true,
	{model.KindContract, model.TransitionExpire}: true,
}

// publicEntryPoints are the only transitions a policy file may grant to the
// public role: creating an application and submitting a held contract.
var publicEntryPoints = map[ruleKey]bool{
	{model.KindApplication, model.TransitionCreate}: true,
	{model.KindContract, model.TransitionSubmit}:    true,
}

// Policy is an immutable allow-list keyed by (entity kind, transition).
type Policy struct {
	rules map[ruleKey]rule
}

func grant(roles ...model.Role) rule {
	return rule{roles: roles, conditions: map[model.Role][]condition{}}
}

func (r rule) when(role model.Role, conds ...condition) rule {
	r.conditions[role] = append(r.conditions[role], conds...)
	return r
}

// DefaultPolicy returns the built-in allow-list. Transitions with an empty
// role list are reserved to admin (and to the engine's own cascades).
func DefaultPolicy() *Policy {
	s, i, a, p := model.RoleStaff, model.RoleInterviewer, model.RoleApplicant, model.RolePublic
	rules := map[ruleKey]rule{
		{model.KindAnimal, model.TransitionCreate}:            grant(s),
		{model.KindAnimal, model.TransitionBeginFostering}:    grant(s),
		{model.KindAnimal, model.TransitionMarkReady}:         grant(s),
		{model.KindAnimal, model.TransitionPublish}:           grant(s),
		{model.KindAnimal, model.TransitionStartInterviewing}: grant(s),
		{model.KindAnimal, model.TransitionReopen}:            grant(s),
		{model.KindAnimal, model.TransitionRelease}:           grant(s),
		{model.KindAnimal, model.TransitionReserve}:           grant(),
		{model.KindAnimal, model.TransitionAdopt}:             grant(),
		{model.KindAnimal, model.TransitionArchive}:           grant(),
		{model.KindAnimal, model.TransitionOverride}:          grant(),

		{model.KindApplication, model.TransitionCreate}:            grant(p, a, s),
		{model.KindApplication, model.TransitionReview}:            grant(s),
		{model.KindApplication, model.TransitionScheduleInterview}: grant(s),
		{model.KindApplication, model.TransitionApprove}:           grant(s),
		{model.KindApplication, model.TransitionReject}:            grant(s),
		{model.KindApplication, model.TransitionWithdraw}:          grant(a, s).when(a, applicationCreator),

		{model.KindInterview, model.TransitionCreate}:   grant(s),
		{model.KindInterview, model.TransitionSchedule}: grant(s, i).when(i, assignedInterviewer),
		{model.KindInterview, model.TransitionApprove}:  grant(s, i).when(i, assignedInterviewer, decisionOpen),
		{model.KindInterview, model.TransitionReject}:   grant(s, i).when(i, assignedInterviewer, decisionOpen),

		{model.KindContract, model.TransitionCreate}:   grant(s),
		{model.KindContract, model.TransitionSubmit}:   grant(a, p).when(a, applicationCreator).when(p, contractToken),
		{model.KindContract, model.TransitionComplete}: grant(s),
		{model.KindContract, model.TransitionExpire}:   grant(),
	}
	return &Policy{rules: rules}
}

type policyFile struct {
	Allow map[string][]string `yaml:"allow"`
}

// LoadPolicy reads a YAML file of role allow-list overrides and applies it on
// top of DefaultPolicy. Keys are "kind:transition"; values replace the role
// list for that key. Relationship conditions of the default policy still
// apply to any role that keeps its grant.
//
//	allow:
//	  application:approve: [staff]
//	  interview:approve: [interviewer]
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authz: reading policy file %s: %w", path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("authz: parsing policy file %s: %w", path, err)
	}

	p := DefaultPolicy()
	for rawKey, rawRoles := range f.Allow {
		key, err := parseRuleKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("authz: policy file %s: %w", path, err)
		}
		base := p.rules[key]
		next := rule{conditions: map[model.Role][]condition{}}
		for _, rawRole := range rawRoles {
			role, err := parsePolicyRole(rawRole)
			if err != nil {
				return nil, fmt.Errorf("authz: policy file %s: %s: %w", path, rawKey, err)
			}
			if role == model.RolePublic && !publicEntryPoints[key] {
				return nil, fmt.Errorf("authz: policy file %s: public may not be granted %s", path, key)
			}
			next.roles = append(next.roles, role)
			if conds, ok := base.conditions[role]; ok {
				next.conditions[role] = conds
			}
		}
		p.rules[key] = next
	}
	return p, nil
}

func parseRuleKey(s string) (ruleKey, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok {
		return ruleKey{}, fmt.Errorf("key %q must be kind:transition", s)
	}
	k := model.EntityKind(kind)
	if !k.Valid() {
		return ruleKey{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	t, ok := model.ParseTransition(k, name)
	if !ok {
		return ruleKey{}, fmt.Errorf("unknown transition %q for %s", name, kind)
	}
	return ruleKey{kind: k, transition: t.Name}, nil
}

func parsePolicyRole(s string) (model.Role, error) {
	switch model.Role(s) {
	case model.RoleStaff, model.RoleInterviewer, model.RoleApplicant, model.RolePublic:
		return model.Role(s), nil
	case model.RoleAdmin, model.RoleSystem:
		return "", fmt.Errorf("role %q has a fixed policy", s)
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Entry is a printable view of one policy rule.
type Entry struct {
	Kind       model.EntityKind
	Transition model.TransitionName
	Roles      []model.Role
	Conditions map[model.Role][]string
	System     bool
}

// Entries returns the policy rules sorted by kind and transition.
func (p *Policy) Entries() []Entry {
	out := make([]Entry, 0, len(p.rules))
	for key, r := range p.rules {
		e := Entry{
			Kind:       key.kind,
			Transition: key.transition,
			Roles:      append([]model.Role(nil), r.roles...),
			Conditions: map[model.Role][]string{},
			System:     systemAllowList[key],
		}
		for role, conds := range r.conditions {
			for _, c := range conds {
				e.Conditions[role] = append(e.Conditions[role], c.reason)
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Transition < out[j].Transition
	})
	return out
}
