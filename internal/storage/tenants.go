package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arclight-dev/arclight/internal/model"
)

// CreateTenant inserts a tenant and returns it.
func (db *DB) CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Tier == "" {
		t.Tier = model.TierFree
	}
	now := time.Now().UTC()
	t.TierChangedAt = now
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (id, tier, tier_changed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Tier, t.TierChangedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: create tenant: %w", err)
	}
	return t, nil
}

// GetTenant retrieves a tenant by ID.
func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	var t model.Tenant
	err := db.pool.QueryRow(ctx,
		`SELECT id, tier, tier_changed_at, created_at, updated_at
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Tier, &t.TierChangedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tenant{}, ErrNotFound
		}
		return model.Tenant{}, fmt.Errorf("storage: get tenant: %w", err)
	}
	return t, nil
}

// SetTenantTier updates a tenant's tier. Tier changes apply to subsequent
// reservations only; counters already accumulated this period are untouched.
func (db *DB) SetTenantTier(ctx context.Context, id uuid.UUID, tier model.Tier) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tenants SET tier = $1, tier_changed_at = now(), updated_at = now()
		 WHERE id = $2`,
		tier, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set tenant tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAPIKey stores a hashed API key for a tenant.
func (db *DB) CreateAPIKey(ctx context.Context, tenantID uuid.UUID, keyHash, label string, expiresAt *time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, key_hash, label, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, tenantID, keyHash, label, expiresAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create api key: %w", err)
	}
	return id, nil
}

// GetActiveAPIKeys returns the non-revoked, non-expired keys for a tenant,
// newest first. The caller verifies the presented raw key against each hash.
func (db *DB) GetActiveAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, key_hash, label, created_at, expires_at
		 FROM api_keys
		 WHERE tenant_id = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY created_at DESC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.Label, &k.CreatedAt, &k.ExpiresAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks an API key as revoked.
func (db *DB) RevokeAPIKey(ctx context.Context, tenantID, keyID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL`,
		keyID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
