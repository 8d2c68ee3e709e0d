package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/issuance_layer/internal/app/domain/asset"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/compliance"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/event"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// AssetStore persists registered collateral assets. Assets are disabled,
// never deleted.
type AssetStore interface {
	PutAsset(ctx context.Context, a asset.Asset) (asset.Asset, error)
	GetAsset(ctx context.Context, id string) (asset.Asset, error)
	ListAssets(ctx context.Context) ([]asset.Asset, error)
}

// ComplianceStore persists per-user compliance records.
//
// GetComplianceRecord returns the zero record (not ErrNotFound) for users the
// compliance desk has never touched: absence of a record is a valid state.
type ComplianceStore interface {
	GetComplianceRecord(ctx context.Context, userID string) (compliance.Record, error)
	PutComplianceRecord(ctx context.Context, rec compliance.Record) (compliance.Record, error)
	ListComplianceRecords(ctx context.Context) ([]compliance.Record, error)
}

// RoleStore persists permission-category membership.
type RoleStore interface {
	GrantRole(ctx context.Context, category, userID string) error
	RevokeRole(ctx context.Context, category, userID string) error
	HasRole(ctx context.Context, category, userID string) (bool, error)
	ListRoleMembers(ctx context.Context, category string) ([]string, error)
}

// EventStore persists emitted operation events for indexers.
type EventStore interface {
	AppendEvent(ctx context.Context, rec event.Record) (event.Record, error)
	ListEvents(ctx context.Context, limit int) ([]event.Record, error)
}

// Store is the union implemented by the memory and postgres backends.
type Store interface {
	AssetStore
	ComplianceStore
	RoleStore
	EventStore
}
