package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/config"
	"bitbucket.org/mmdatafocus/pagu_backend/models"
)

// PermissionChecker answers whether an actor's role grants a capability.
type PermissionChecker interface {
	Has(ctx context.Context, actor models.Actor, capability models.Capability) (bool, error)
}

// StaticPermissionChecker maps role name to capabilities, for every organization.
type StaticPermissionChecker map[string][]models.Capability

func (s StaticPermissionChecker) Has(_ context.Context, actor models.Actor, capability models.Capability) (bool, error) {
	return slices.Contains(s[actor.Role], capability), nil
}

// RolePermissionChecker reads roles from the store, cached in redis.
type RolePermissionChecker struct {
	store    models.Store
	cacheTTL time.Duration
}

func NewRolePermissionChecker(store models.Store, cacheTTL time.Duration) *RolePermissionChecker {
	return &RolePermissionChecker{store: store, cacheTTL: cacheTTL}
}

func roleCacheKey(organizationId int, name string) string {
	return fmt.Sprintf("pagu:role:%d:%s", organizationId, name)
}

func (c *RolePermissionChecker) Has(ctx context.Context, actor models.Actor, capability models.Capability) (bool, error) {
	if actor.Role == "" {
		return false, nil
	}
	role, err := c.role(ctx, actor.OrganizationId, actor.Role)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return role.Has(capability), nil
}

func (c *RolePermissionChecker) role(ctx context.Context, organizationId int, name string) (*models.Role, error) {
	key := roleCacheKey(organizationId, name)
	var cached models.Role
	if ok, err := config.GetRedisObject(key, &cached); err == nil && ok {
		return &cached, nil
	}

	var role *models.Role
	err := c.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		role, err = tx.GetRole(organizationId, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(key, role, c.cacheTTL); err != nil {
		config.GetLogger().WithField("field", "RolePermissionChecker").Warn("cache role: " + err.Error())
	}
	return role, nil
}

// SaveRole stores the role and drops its cached copy.
func (c *RolePermissionChecker) SaveRole(ctx context.Context, role *models.Role) error {
	err := c.store.InTx(ctx, func(tx models.StoreTx) error {
		return tx.SaveRole(role)
	})
	if err != nil {
		return err
	}
	return config.RemoveRedisKey(roleCacheKey(role.OrganizationId, role.Name))
}

// SaveRoleAs is SaveRole for an actor holding the manage capability of the role's organization.
func (c *RolePermissionChecker) SaveRoleAs(ctx context.Context, actor models.Actor, role *models.Role) error {
	if err := requireOrganization(actor, role.OrganizationId); err != nil {
		return err
	}
	if err := requireCapability(ctx, c, actor, models.CapabilityManage); err != nil {
		return err
	}
	return c.SaveRole(ctx, role)
}

func requireCapability(ctx context.Context, checker PermissionChecker, actor models.Actor, capability models.Capability) error {
	ok, err := checker.Has(ctx, actor, capability)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: role %q lacks %q", models.ErrPermissionDenied, actor.Role, capability)
	}
	return nil
}

func requireOrganization(actor models.Actor, organizationId int) error {
	if actor.OrganizationId != organizationId {
		return fmt.Errorf("%w: document belongs to another organization", models.ErrPermissionDenied)
	}
	return nil
}
