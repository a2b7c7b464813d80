// Package tenant loads the per-tenant protocol version pointers that drive
// version resolution. Insurances and clinics each carry an optional
// tiss_version column; an empty pointer means the tenant has no override.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimware/go-tiss/internal/tiss/resolve"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsurancePointer returns the insurance's version pointer, or nil when the
// insurance has none configured or does not exist.
func (r *Repository) InsurancePointer(ctx context.Context, id string) (*resolve.TenantPointer, error) {
	return r.pointer(ctx, "insurances", id)
}

// ClinicPointer returns the clinic's version pointer, or nil when the
// clinic has none configured or does not exist.
func (r *Repository) ClinicPointer(ctx context.Context, id string) (*resolve.TenantPointer, error) {
	return r.pointer(ctx, "clinics", id)
}

func (r *Repository) pointer(ctx context.Context, table, id string) (*resolve.TenantPointer, error) {
	var version *string
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT tiss_version FROM %s WHERE id = $1", table), id,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load version pointer from %s: %w", table, err)
	}
	if version == nil || *version == "" {
		return nil, nil
	}
	return &resolve.TenantPointer{ID: id, Version: *version}, nil
}
