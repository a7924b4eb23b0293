package indexalloc

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var _ Allocator = (*Postgres)(nil)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres keeps counters in the image_sequence_counters table. The upsert
// takes a row lock, serializing concurrent reservations for the same key.
type Postgres struct {
	db     DBTX
	logger *zap.Logger
}

func NewPostgres(db DBTX, logger *zap.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger.Named("PgIndexAllocator"),
	}
}

const reserveQuery = `
    INSERT INTO image_sequence_counters (owner, entity, last_value)
    VALUES ($1, $2, $3)
    ON CONFLICT (owner, entity) DO UPDATE SET
        last_value = image_sequence_counters.last_value + EXCLUDED.last_value,
        updated_at = NOW()
    RETURNING last_value
`

func (p *Postgres) Reserve(ctx context.Context, owner, entity string, count int) ([]int, error) {
	if err := validate(owner, entity, count); err != nil {
		return nil, err
	}

	var last int64
	if err := p.db.QueryRow(ctx, reserveQuery, owner, entity, count).Scan(&last); err != nil {
		p.logger.Error("Error reserving indices", zap.String("owner", owner), zap.String("entity", entity), zap.Error(err))
		return nil, fmt.Errorf("database error reserving indices for %s/%s: %w", owner, entity, err)
	}

	p.logger.Debug("Reserved indices", zap.String("owner", owner), zap.String("entity", entity), zap.Int64("last", last), zap.Int("count", count))
	return block(last, count), nil
}
