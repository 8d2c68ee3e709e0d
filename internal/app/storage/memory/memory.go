// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is the authoritative store for single-node
// deployments and the default backend in tests.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/app/domain/asset"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/compliance"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/event"
	"github.com/R3E-Network/issuance_layer/internal/app/storage"
)

// Store is an in-memory store implementing storage.Store.
type Store struct {
	mu         sync.RWMutex
	nextID     int64
	assets     map[string]asset.Asset
	compliance map[string]compliance.Record
	roles      map[string]map[string]struct{}
	events     []event.Record
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:     1,
		assets:     make(map[string]asset.Asset),
		compliance: make(map[string]compliance.Record),
		roles:      make(map[string]map[string]struct{}),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// AssetStore implementation ---------------------------------------------------

func (s *Store) PutAsset(_ context.Context, a asset.Asset) (asset.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.assets[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.assets[a.ID] = a
	return a, nil
}

func (s *Store) GetAsset(_ context.Context, id string) (asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return asset.Asset{}, fmt.Errorf("asset %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ListAssets(_ context.Context) ([]asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]asset.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ComplianceStore implementation ----------------------------------------------

func (s *Store) GetComplianceRecord(_ context.Context, userID string) (compliance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.compliance[userID]
	if !ok {
		return compliance.Record{UserID: userID}.Normalized(), nil
	}
	return cloneCompliance(rec), nil
}

func (s *Store) PutComplianceRecord(_ context.Context, rec compliance.Record) (compliance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec = rec.Normalized()
	rec.UpdatedAt = time.Now().UTC()
	s.compliance[rec.UserID] = cloneCompliance(rec)
	return rec, nil
}

func (s *Store) ListComplianceRecords(_ context.Context) ([]compliance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]compliance.Record, 0, len(s.compliance))
	for _, rec := range s.compliance {
		result = append(result, cloneCompliance(rec))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// RoleStore implementation ----------------------------------------------------

func (s *Store) GrantRole(_ context.Context, category, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.roles[category]
	if !ok {
		members = make(map[string]struct{})
		s.roles[category] = members
	}
	members[userID] = struct{}{}
	return nil
}

func (s *Store) RevokeRole(_ context.Context, category, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if members, ok := s.roles[category]; ok {
		delete(members, userID)
	}
	return nil
}

func (s *Store) HasRole(_ context.Context, category, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, ok := s.roles[category]
	if !ok {
		return false, nil
	}
	_, ok = members[userID]
	return ok, nil
}

func (s *Store) ListRoleMembers(_ context.Context, category string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.roles[category]
	result := make([]string, 0, len(members))
	for userID := range members {
		result = append(result, userID)
	}
	sort.Strings(result)
	return result, nil
}

// EventStore implementation ---------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, rec event.Record) (event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = s.nextIDLocked()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, cloneEvent(rec))
	return rec, nil
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	result := make([]event.Record, len(all))
	for i, rec := range all {
		result[i] = cloneEvent(rec)
	}
	return result, nil
}

// Helpers ---------------------------------------------------------------------

func cloneCompliance(rec compliance.Record) compliance.Record {
	rec.MintLimit = cloneInt(rec.MintLimit)
	rec.BurnLimit = cloneInt(rec.BurnLimit)
	rec.MintLimitUsed = cloneInt(rec.MintLimitUsed)
	rec.BurnLimitUsed = cloneInt(rec.BurnLimitUsed)
	return rec
}

func cloneEvent(rec event.Record) event.Record {
	rec.Amount = cloneInt(rec.Amount)
	rec.SecondaryAmount = cloneInt(rec.SecondaryAmount)
	rec.ResultingTotal = cloneInt(rec.ResultingTotal)
	return rec
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
