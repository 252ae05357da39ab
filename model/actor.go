package model

// Role identifies the capacity in which an actor requests a transition.
type Role string

// Workflow roles.
const (
	RoleAdmin       Role = "admin"
	RoleStaff       Role = "staff"
	RoleInterviewer Role = "interviewer"
	RoleApplicant   Role = "applicant"
	RolePublic      Role = "public"
	// RoleSystem is the pseudo-role for automated transitions such as
	// contract expiry. It has its own fixed allow-list and never inherits
	// admin privileges.
	RoleSystem Role = "system"
)

// SystemActorID is the identity recorded for system-triggered transitions.
const SystemActorID = "system"

// rolePrecedence orders roles from most to least privileged. System is not
// included: it can never be claimed through a request.
var rolePrecedence = []Role{RoleAdmin, RoleStaff, RoleInterviewer, RoleApplicant}

// Actor is a pre-authenticated (role, identity) pair.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor returns the pseudo-actor used for automated transitions.
func SystemActor() Actor {
	return Actor{ID: SystemActorID, Role: RoleSystem}
}

// PublicActor returns an unauthenticated actor.
func PublicActor() Actor {
	return Actor{Role: RolePublic}
}

// Elevated reports whether the role bypasses per-role grants. It still
// cannot request transitions the workflow does not declare.
func (r Role) Elevated() bool {
	return r == RoleAdmin
}

// ParseRole converts a claim value into a Role. Unknown values and the
// system role map to RolePublic.
func ParseRole(s string) Role {
	for _, r := range rolePrecedence {
		if string(r) == s {
			return r
		}
	}
	return RolePublic
}
