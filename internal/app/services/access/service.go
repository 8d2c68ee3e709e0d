// Package access implements flat permission-category membership checks.
// Categories carry no hierarchy; a caller may hold any number of them.
package access

import (
	"context"
	"fmt"

	"github.com/R3E-Network/issuance_layer/internal/app/storage"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

// Permission categories used across the engine.
const (
	CategoryAdmin      = "admin"
	CategoryKYC        = "kyc"
	CategoryCompliance = "compliance"
	CategoryMinter     = "minter"
	CategoryBurner     = "burner"
	CategoryLiquidator = "liquidator"
	CategoryOracle     = "oracle_admin"
	CategoryPauser     = "pauser"
)

// Service answers permission checks against the role store.
type Service struct {
	roles storage.RoleStore
	log   *logger.Logger
}

// New constructs an access policy service. bootstrapAdmin, when non-empty,
// is granted the admin category so a fresh deployment is administrable.
func New(ctx context.Context, roles storage.RoleStore, bootstrapAdmin string, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("access")
	}
	s := &Service{roles: roles, log: log}
	if bootstrapAdmin != "" {
		if err := roles.GrantRole(ctx, CategoryAdmin, bootstrapAdmin); err != nil {
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
		log.WithField("user", bootstrapAdmin).Info("bootstrap admin granted")
	}
	return s, nil
}

// Check fails with ErrUnauthorized unless user holds the category.
func (s *Service) Check(ctx context.Context, category, userID string) error {
	has, err := s.roles.HasRole(ctx, category, userID)
	if err != nil {
		return fmt.Errorf("role lookup: %w", err)
	}
	if !has {
		return fmt.Errorf("user %s lacks %s: %w", userID, category, errs.ErrUnauthorized)
	}
	return nil
}

// Grant adds user to category. Requires the admin category; re-granting an
// already-held permission is a no-op success.
func (s *Service) Grant(ctx context.Context, caller, category, userID string) error {
	if err := s.Check(ctx, CategoryAdmin, caller); err != nil {
		return err
	}
	if err := s.roles.GrantRole(ctx, category, userID); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	s.log.WithField("category", category).
		WithField("user", userID).
		WithField("granted_by", caller).
		Info("permission granted")
	return nil
}

// Revoke removes user from category. Requires the admin category; revoking
// an absent permission is a no-op success.
func (s *Service) Revoke(ctx context.Context, caller, category, userID string) error {
	if err := s.Check(ctx, CategoryAdmin, caller); err != nil {
		return err
	}
	if err := s.roles.RevokeRole(ctx, category, userID); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	s.log.WithField("category", category).
		WithField("user", userID).
		WithField("revoked_by", caller).
		Info("permission revoked")
	return nil
}

// Members lists the users holding a category.
func (s *Service) Members(ctx context.Context, category string) ([]string, error) {
	return s.roles.ListRoleMembers(ctx, category)
}
