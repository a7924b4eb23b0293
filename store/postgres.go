// Package store provides the character and user lookups generation reads
// from, backed by Postgres or a YAML file.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/richinsley/charimage/generation"
	"go.uber.org/zap"
)

var (
	_ generation.CharacterStore = (*Postgres)(nil)
	_ generation.UserStore      = (*Postgres)(nil)
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	db     Querier
	logger *zap.Logger
}

func NewPostgres(db Querier, logger *zap.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger.Named("PgStore"),
	}
}

const getCharacterQuery = `
    SELECT id, name, creator_id, description, main_trait, art_style, template, embedding_name, corpus
    FROM characters
    WHERE id = $1
`

func (p *Postgres) GetCharacter(ctx context.Context, id string) (*generation.CharacterProfile, error) {
	var c generation.CharacterProfile
	err := p.db.QueryRow(ctx, getCharacterQuery, id).Scan(
		&c.ID, &c.Name, &c.CreatorID, &c.Description, &c.MainTrait, &c.ArtStyle,
		&c.Template, &c.EmbeddingName, &c.Corpus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", generation.ErrCharacterNotFound, id)
		}
		p.logger.Error("Error fetching character", zap.String("character_id", id), zap.Error(err))
		return nil, fmt.Errorf("fetching character %s: %w", id, err)
	}
	return &c, nil
}

const getUserQuery = `SELECT id, username FROM users WHERE id = $1`

func (p *Postgres) GetUser(ctx context.Context, id string) (*generation.User, error) {
	var u generation.User
	if err := p.db.QueryRow(ctx, getUserQuery, id).Scan(&u.ID, &u.Username); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", generation.ErrUserNotFound, id)
		}
		p.logger.Error("Error fetching user", zap.String("user_id", id), zap.Error(err))
		return nil, fmt.Errorf("fetching user %s: %w", id, err)
	}
	return &u, nil
}
