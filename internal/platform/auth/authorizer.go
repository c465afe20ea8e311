package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Authorizer answers whether an actor holds a capability.
type Authorizer interface {
	Authorize(ctx context.Context, actor uuid.UUID, c Capability) (bool, error)
}

// RoleSource looks up the stored roles of an actor.
type RoleSource interface {
	RolesFor(ctx context.Context, actor uuid.UUID) ([]string, error)
}

// RoleAuthorizer resolves capabilities from roles. The calling actor's
// token roles are used when present; any other actor (a handover target,
// for instance) is looked up in the RoleSource and cached for ttl.
type RoleAuthorizer struct {
	source RoleSource
	cache  *cache.Cache
}

func NewRoleAuthorizer(source RoleSource, ttl time.Duration) *RoleAuthorizer {
	return &RoleAuthorizer{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

func (a *RoleAuthorizer) Authorize(ctx context.Context, actor uuid.UUID, c Capability) (bool, error) {
	if actor == uuid.Nil {
		return false, nil
	}
	if caller, ok := ActorFromContext(ctx); ok && caller == actor {
		if roles := RolesFromContext(ctx); len(roles) > 0 {
			return RolesGrant(roles, c), nil
		}
	}
	roles, err := a.rolesFor(ctx, actor)
	if err != nil {
		return false, err
	}
	return RolesGrant(roles, c), nil
}

func (a *RoleAuthorizer) rolesFor(ctx context.Context, actor uuid.UUID) ([]string, error) {
	key := actor.String()
	if v, ok := a.cache.Get(key); ok {
		return v.([]string), nil
	}
	roles, err := a.source.RolesFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	a.cache.SetDefault(key, roles)
	return roles, nil
}

// Invalidate drops the cached roles of actor.
func (a *RoleAuthorizer) Invalidate(actor uuid.UUID) {
	a.cache.Delete(actor.String())
}

// StaticRoles is an in-memory RoleSource.
type StaticRoles map[uuid.UUID][]string

func (s StaticRoles) RolesFor(_ context.Context, actor uuid.UUID) ([]string, error) {
	return s[actor], nil
}
