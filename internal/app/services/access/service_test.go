package access

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/issuance_layer/internal/app/storage/memory"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(context.Background(), memory.New(), "root", logger.NewDefault("access-test"))
	if err != nil {
		t.Fatalf("new access service: %v", err)
	}
	return svc
}

func TestBootstrapAdmin(t *testing.T) {
	svc := newTestService(t)

	if err := svc.Check(context.Background(), CategoryAdmin, "root"); err != nil {
		t.Fatalf("bootstrap admin must hold admin: %v", err)
	}
	if err := svc.Check(context.Background(), CategoryAdmin, "alice"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestGrantRequiresAdmin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Grant(ctx, "alice", CategoryMinter, "bob"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("non-admin grant must fail, got %v", err)
	}
	if err := svc.Grant(ctx, "root", CategoryMinter, "bob"); err != nil {
		t.Fatalf("admin grant: %v", err)
	}
	if err := svc.Check(ctx, CategoryMinter, "bob"); err != nil {
		t.Fatalf("bob must hold minter: %v", err)
	}
}

func TestGrantRevokeIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Grant(ctx, "root", CategoryPauser, "bob"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// Re-granting a held category is a no-op success.
	if err := svc.Grant(ctx, "root", CategoryPauser, "bob"); err != nil {
		t.Fatalf("re-grant: %v", err)
	}

	if err := svc.Revoke(ctx, "root", CategoryPauser, "bob"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := svc.Revoke(ctx, "root", CategoryPauser, "bob"); err != nil {
		t.Fatalf("re-revoke: %v", err)
	}
	if err := svc.Check(ctx, CategoryPauser, "bob"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected unauthorized after revoke, got %v", err)
	}
}

func TestCategoriesAreFlat(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Grant(ctx, "root", CategoryLiquidator, "carol"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// Holding one category implies nothing about another.
	if err := svc.Check(ctx, CategoryMinter, "carol"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("liquidator must not imply minter, got %v", err)
	}

	members, err := svc.Members(ctx, CategoryLiquidator)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "carol" {
		t.Fatalf("unexpected members %v", members)
	}
}
