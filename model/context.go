package model

import (
	"context"
	"slices"
)

// RequestContext is the caller identity resolved from a verified token. It
// is built once per request and read-only afterwards. A context with no
// subject is an anonymous caller.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// HasRole reports whether the token granted role.
func (rc *RequestContext) HasRole(role string) bool {
	return rc != nil && slices.Contains(rc.Roles, role)
}

// Anonymous reports whether the request carried no identity.
func (rc *RequestContext) Anonymous() bool {
	return rc == nil || rc.SubjectID == ""
}

// Actor maps the caller onto the single workflow role the gate checks. With
// several granted roles the most privileged wins. Anonymous callers and
// callers with no recognised role act as public.
func (rc *RequestContext) Actor() Actor {
	if rc == nil {
		return PublicActor()
	}
	for _, role := range rolePrecedence {
		if rc.HasRole(string(role)) {
			return Actor{ID: rc.SubjectID, Role: role}
		}
	}
	return Actor{ID: rc.SubjectID, Role: RolePublic}
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the caller identity, or nil outside a request.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
