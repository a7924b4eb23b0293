package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/richinsley/charimage/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const storeYAML = `
users:
  - id: u1
    username: alice
characters:
  - id: "42"
    name: Luna Star
    creator_id: u1
    art_style: anime
    template:
      prompt: 1girl, silver hair
    embedding_name: luna_ti
    corpus:
      status: completed
      image_count: 6
      source_urls: [a, b]
`

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	require.NoError(t, os.WriteFile(path, []byte(storeYAML), 0o644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	ctx := context.Background()

	c, err := f.GetCharacter(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "Luna Star", c.Name)
	assert.Equal(t, "1girl, silver hair", c.Template.Prompt)
	assert.Equal(t, "luna_ti", c.EmbeddingName)
	assert.Equal(t, generation.CorpusStatusCompleted, c.Corpus.Status)
	assert.Equal(t, []string{"a", "b"}, c.Corpus.SourceURLs)

	// callers get a copy
	c.Name = "changed"
	again, _ := f.GetCharacter(ctx, "42")
	assert.Equal(t, "Luna Star", again.Name)

	u, err := f.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = f.GetCharacter(ctx, "7")
	assert.True(t, errors.Is(err, generation.ErrCharacterNotFound))
	_, err = f.GetUser(ctx, "u2")
	assert.True(t, errors.Is(err, generation.ErrUserNotFound))
}

func TestParseFileRejectsMissingIDs(t *testing.T) {
	_, err := ParseFile([]byte("characters:\n  - name: nobody\n"))
	assert.Error(t, err)

	_, err = ParseFile([]byte("users: [oops"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CHARIMAGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHARIMAGE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, Migrate(pool, zap.NewNop()))
	// a second run is a no-op
	require.NoError(t, Migrate(pool, zap.NewNop()))

	userID := "test-user-" + t.Name()
	charID := "test-char-" + t.Name()
	defer pool.Exec(ctx, `DELETE FROM characters WHERE id = $1`, charID)
	defer pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)

	_, err = pool.Exec(ctx, `INSERT INTO users (id, username) VALUES ($1, $2)`, userID, "pg-alice")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
        INSERT INTO characters (id, name, creator_id, art_style, template, corpus)
        VALUES ($1, 'Luna Star', $2, 'realistic', '{"prompt":"1girl"}', '{"status":"completed","image_count":5}')`,
		charID, userID)
	require.NoError(t, err)

	s := NewPostgres(pool, zap.NewNop())
	c, err := s.GetCharacter(ctx, charID)
	require.NoError(t, err)
	assert.Equal(t, "Luna Star", c.Name)
	assert.Equal(t, userID, c.CreatorID)
	assert.Equal(t, "1girl", c.Template.Prompt)
	assert.Equal(t, 5, c.Corpus.ImageCount)

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "pg-alice", u.Username)

	_, err = s.GetCharacter(ctx, "does-not-exist")
	assert.True(t, errors.Is(err, generation.ErrCharacterNotFound))
	_, err = s.GetUser(ctx, "does-not-exist")
	assert.True(t, errors.Is(err, generation.ErrUserNotFound))
}
