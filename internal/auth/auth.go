// Package auth identifies API callers and answers role checks for them.
package auth

import (
	"context"
	"slices"
)

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleExporter Role = "exporter"
	RoleAdmin    Role = "admin"
)

// Caller is an authenticated principal.
type Caller struct {
	Subject string
	Groups  []string
}

// Authorizer is the yes/no role check the export gateway consumes.
type Authorizer interface {
	HasRole(c Caller, r Role) bool
}

// GroupAuthorizer grants a role to callers in any of the groups mapped to it.
// Admins implicitly hold every role.
type GroupAuthorizer struct {
	groups map[Role][]string
}

func NewGroupAuthorizer(groups map[Role][]string) *GroupAuthorizer {
	return &GroupAuthorizer{groups: groups}
}

// DefaultGroups maps roles to the group names used by existing deployments.
func DefaultGroups() map[Role][]string {
	return map[Role][]string{
		RoleViewer:   {"viewgroup"},
		RoleExporter: {"exportgroup"},
		RoleAdmin:    {"admingroup"},
	}
}

func (a *GroupAuthorizer) HasRole(c Caller, r Role) bool {
	if a.member(c, r) {
		return true
	}
	return r != RoleAdmin && a.member(c, RoleAdmin)
}

func (a *GroupAuthorizer) member(c Caller, r Role) bool {
	for _, g := range a.groups[r] {
		if slices.Contains(c.Groups, g) {
			return true
		}
	}
	return false
}

// AnyRole reports whether c holds at least one of roles.
func AnyRole(a Authorizer, c Caller, roles ...Role) bool {
	for _, r := range roles {
		if a.HasRole(c, r) {
			return true
		}
	}
	return false
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
