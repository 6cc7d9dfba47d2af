package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-consistently/go-consistently/publish"
	"github.com/get-consistently/go-consistently/version"
)

var _ publish.VersionStore = new(VersionStore)

// VersionStore is a publish.VersionStore implementation targeted to
// PostgreSQL databases, using the published_versions table.
type VersionStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewVersionStore returns a new VersionStore using the provided connection pool.
func NewVersionStore(pool *pgxpool.Pool, options ...Option[*VersionStore]) *VersionStore {
	vs := &VersionStore{
		pool:      pool,
		tableName: DefaultVersionsTableName,
	}

	for _, opt := range options {
		opt.apply(vs)
	}

	return vs
}

func (vs *VersionStore) table() string {
	return pgx.Identifier{vs.tableName}.Sanitize()
}

// GetVersion implements publish.VersionStore.
func (vs *VersionStore) GetVersion(ctx context.Context, processor, aggregateID string) (version.Version, error) {
	var v int64

	err := vs.pool.QueryRow(ctx,
		`SELECT version FROM `+vs.table()+` WHERE processor = $1 AND aggregate_id = $2`,
		processor, aggregateID,
	).Scan(&v)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("postgres.VersionStore: failed to get version, %w", err)
	}

	return version.Version(v), nil
}

// InsertVersion implements publish.VersionStore.
func (vs *VersionStore) InsertVersion(
	ctx context.Context,
	processor, aggregateID string,
	v version.Version,
) error {
	_, err := vs.pool.Exec(ctx,
		`INSERT INTO `+vs.table()+` (processor, aggregate_id, version) VALUES ($1, $2, $3)`,
		processor, aggregateID, int64(v),
	)

	if _, ok := uniqueViolation(err); ok {
		return fmt.Errorf("postgres.VersionStore: %w, %s@%s", publish.ErrVersionExists, processor, aggregateID)
	}

	if err != nil {
		return fmt.Errorf("postgres.VersionStore: failed to insert version, %w", err)
	}

	return nil
}

// UpdateVersion implements publish.VersionStore.
func (vs *VersionStore) UpdateVersion(
	ctx context.Context,
	processor, aggregateID string,
	v version.Version,
) error {
	tag, err := vs.pool.Exec(ctx,
		`UPDATE `+vs.table()+` SET version = $3, updated_at = NOW()
		WHERE processor = $1 AND aggregate_id = $2 AND version = $4`,
		processor, aggregateID, int64(v), int64(v-1),
	)
	if err != nil {
		return fmt.Errorf("postgres.VersionStore: failed to update version, %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres.VersionStore: %w, expected %d on %s@%s", publish.ErrVersionConflict, v-1, processor, aggregateID)
	}

	return nil
}
