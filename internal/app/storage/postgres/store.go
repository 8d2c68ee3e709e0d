// Package postgres implements the storage interfaces backed by PostgreSQL.
// Amounts are stored as NUMERIC and scanned through big.Int string forms.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"github.com/R3E-Network/issuance_layer/internal/app/domain/asset"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/compliance"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/event"
	"github.com/R3E-Network/issuance_layer/internal/app/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to the given DSN and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- AssetStore -------------------------------------------------------------

func (s *Store) PutAsset(ctx context.Context, a asset.Asset) (asset.Asset, error) {
	now := time.Now().UTC()
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issuance_assets (id, supported, feed_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE
		SET supported = EXCLUDED.supported, feed_id = EXCLUDED.feed_id, updated_at = EXCLUDED.updated_at
	`, a.ID, a.Supported, a.FeedID, now)
	if err != nil {
		return asset.Asset{}, err
	}
	return s.GetAsset(ctx, a.ID)
}

func (s *Store) GetAsset(ctx context.Context, id string) (asset.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, supported, feed_id, created_at, updated_at
		FROM issuance_assets
		WHERE id = $1
	`, id)

	var a asset.Asset
	if err := row.Scan(&a.ID, &a.Supported, &a.FeedID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return asset.Asset{}, fmt.Errorf("asset %s: %w", id, storage.ErrNotFound)
		}
		return asset.Asset{}, err
	}
	return a, nil
}

func (s *Store) ListAssets(ctx context.Context) ([]asset.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, supported, feed_id, created_at, updated_at
		FROM issuance_assets
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []asset.Asset
	for rows.Next() {
		var a asset.Asset
		if err := rows.Scan(&a.ID, &a.Supported, &a.FeedID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- ComplianceStore --------------------------------------------------------

func (s *Store) GetComplianceRecord(ctx context.Context, userID string) (compliance.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, kyc_verified, blacklisted, mint_limit, burn_limit, mint_limit_used, burn_limit_used, updated_at
		FROM issuance_compliance
		WHERE user_id = $1
	`, userID)

	rec, err := scanCompliance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return compliance.Record{UserID: userID}.Normalized(), nil
		}
		return compliance.Record{}, err
	}
	return rec, nil
}

func (s *Store) PutComplianceRecord(ctx context.Context, rec compliance.Record) (compliance.Record, error) {
	rec = rec.Normalized()
	rec.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issuance_compliance (user_id, kyc_verified, blacklisted, mint_limit, burn_limit, mint_limit_used, burn_limit_used, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE
		SET kyc_verified = EXCLUDED.kyc_verified,
		    blacklisted = EXCLUDED.blacklisted,
		    mint_limit = EXCLUDED.mint_limit,
		    burn_limit = EXCLUDED.burn_limit,
		    mint_limit_used = EXCLUDED.mint_limit_used,
		    burn_limit_used = EXCLUDED.burn_limit_used,
		    updated_at = EXCLUDED.updated_at
	`, rec.UserID, rec.KYCVerified, rec.Blacklisted,
		rec.MintLimit.String(), rec.BurnLimit.String(),
		rec.MintLimitUsed.String(), rec.BurnLimitUsed.String(), rec.UpdatedAt)
	if err != nil {
		return compliance.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListComplianceRecords(ctx context.Context) ([]compliance.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, kyc_verified, blacklisted, mint_limit, burn_limit, mint_limit_used, burn_limit_used, updated_at
		FROM issuance_compliance
		ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []compliance.Record
	for rows.Next() {
		rec, err := scanCompliance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompliance(row rowScanner) (compliance.Record, error) {
	var (
		rec       compliance.Record
		mintLimit string
		burnLimit string
		mintUsed  string
		burnUsed  string
	)
	if err := row.Scan(&rec.UserID, &rec.KYCVerified, &rec.Blacklisted,
		&mintLimit, &burnLimit, &mintUsed, &burnUsed, &rec.UpdatedAt); err != nil {
		return compliance.Record{}, err
	}

	var err error
	if rec.MintLimit, err = parseNumeric(mintLimit); err != nil {
		return compliance.Record{}, err
	}
	if rec.BurnLimit, err = parseNumeric(burnLimit); err != nil {
		return compliance.Record{}, err
	}
	if rec.MintLimitUsed, err = parseNumeric(mintUsed); err != nil {
		return compliance.Record{}, err
	}
	if rec.BurnLimitUsed, err = parseNumeric(burnUsed); err != nil {
		return compliance.Record{}, err
	}
	return rec, nil
}

// --- RoleStore --------------------------------------------------------------

func (s *Store) GrantRole(ctx context.Context, category, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issuance_roles (category, user_id, granted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (category, user_id) DO NOTHING
	`, category, userID, time.Now().UTC())
	return err
}

func (s *Store) RevokeRole(ctx context.Context, category, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM issuance_roles WHERE category = $1 AND user_id = $2
	`, category, userID)
	return err
}

func (s *Store) HasRole(ctx context.Context, category, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM issuance_roles WHERE category = $1 AND user_id = $2
	`, category, userID)

	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) ListRoleMembers(ctx context.Context, category string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM issuance_roles WHERE category = $1 ORDER BY user_id
	`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		result = append(result, userID)
	}
	return result, rows.Err()
}

// --- EventStore -------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, rec event.Record) (event.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issuance_events
			(id, event_type, primary_actor, amount, secondary_asset, secondary_amount, resulting_total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, string(rec.EventType), rec.PrimaryActor,
		numericOrNil(rec.Amount), rec.SecondaryAsset, numericOrNil(rec.SecondaryAmount),
		numericOrNil(rec.ResultingTotal), rec.Timestamp)
	if err != nil {
		return event.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]event.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, primary_actor, amount, secondary_asset, secondary_amount, resulting_total, created_at
		FROM issuance_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []event.Record
	for rows.Next() {
		var (
			rec             event.Record
			eventType       string
			amount          sql.NullString
			secondaryAmount sql.NullString
			resultingTotal  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &eventType, &rec.PrimaryActor, &amount,
			&rec.SecondaryAsset, &secondaryAmount, &resultingTotal, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.EventType = event.Type(eventType)
		if rec.Amount, err = parseNullNumeric(amount); err != nil {
			return nil, err
		}
		if rec.SecondaryAmount, err = parseNullNumeric(secondaryAmount); err != nil {
			return nil, err
		}
		if rec.ResultingTotal, err = parseNullNumeric(resultingTotal); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Helpers ---------------------------------------------------------------------

func parseNumeric(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric value %q", raw)
	}
	return v, nil
}

func parseNullNumeric(raw sql.NullString) (*big.Int, error) {
	if !raw.Valid {
		return nil, nil
	}
	return parseNumeric(raw.String)
}

func numericOrNil(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}
