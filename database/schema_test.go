package database

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, EnsureSchema(context.Background(), s))
	return s
}

func sqliteObjectExists(t *testing.T, s *Store, kind, name string) bool {
	t.Helper()
	var n int
	err := s.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{
		"items", "locations", "object_tags", "embeddings", "embedding_models",
		"text_extracts", "processing_status", "stage_runs", "schema_migrations",
		TextIndexTable,
	} {
		assert.True(t, sqliteObjectExists(t, s, "table", table), "table %s missing", table)
	}

	for _, idx := range []string{
		"idx_items_source_path", "idx_items_captured_at", "idx_items_camera",
		"idx_object_tags_item_version_ordinal", "idx_embeddings_item_version",
		"idx_text_extracts_item_version_ordinal",
	} {
		assert.True(t, sqliteObjectExists(t, s, "index", idx), "index %s missing", idx)
	}

	for _, trig := range []string{"text_extracts_ai", "text_extracts_ad", "text_extracts_au"} {
		assert.True(t, sqliteObjectExists(t, s, "trigger", trig), "trigger %s missing", trig)
	}

	version, err := SchemaVersion(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion(), version)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.DB.Exec("INSERT INTO items (source_path, filename, created_at, updated_at) VALUES ('/a.jpg', 'a.jpg', 1, 1)")
	require.NoError(t, err)

	require.NoError(t, EnsureSchema(ctx, s))
	require.NoError(t, EnsureSchema(ctx, s))

	var migrations, items int
	require.NoError(t, s.DB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrations))
	require.NoError(t, s.DB.QueryRow("SELECT COUNT(*) FROM items").Scan(&items))
	assert.Equal(t, LatestSchemaVersion(), migrations)
	assert.Equal(t, 1, items, "existing rows survive re-application")
}

func TestEnsureSchemaRepairsMissingIndex(t *testing.T) {
	s := openTestStore(t)

	_, err := s.DB.Exec("DROP INDEX idx_items_captured_at")
	require.NoError(t, err)
	require.False(t, sqliteObjectExists(t, s, "index", "idx_items_captured_at"))

	require.NoError(t, EnsureSchema(context.Background(), s))
	assert.True(t, sqliteObjectExists(t, s, "index", "idx_items_captured_at"))
}

func TestSourcePathIsUnique(t *testing.T) {
	s := openTestStore(t)

	_, err := s.DB.Exec("INSERT INTO items (source_path, filename, created_at, updated_at) VALUES ('/a.jpg', 'a.jpg', 1, 1)")
	require.NoError(t, err)
	_, err = s.DB.Exec("INSERT INTO items (source_path, filename, created_at, updated_at) VALUES ('/a.jpg', 'a.jpg', 2, 2)")
	require.Error(t, err)
}

func TestTextIndexFollowsBaseTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.DB.Exec(`INSERT INTO text_extracts
		(item_id, model_version, ordinal, content, confidence, box_x, box_y, box_width, box_height, created_at)
		VALUES (1, 'ocr', 0, 'Golden Gate Bridge', 0.9, 0, 0, 10, 10, 1)`)
	require.NoError(t, err)

	countMatches := func(q string) int {
		var n int
		require.NoError(t, s.DB.QueryRow("SELECT COUNT(*) FROM text_extracts_fts WHERE text_extracts_fts MATCH ?", q).Scan(&n))
		return n
	}
	assert.Equal(t, 1, countMatches("bridge"))
	require.NoError(t, CheckTextIndex(ctx, s))

	_, err = s.DB.Exec("UPDATE text_extracts SET content = 'Bay Bridge' WHERE item_id = 1")
	require.NoError(t, err)
	assert.Equal(t, 0, countMatches("golden"))
	assert.Equal(t, 1, countMatches("bay"))

	_, err = s.DB.Exec("DELETE FROM text_extracts WHERE item_id = 1")
	require.NoError(t, err)
	assert.Equal(t, 0, countMatches("bridge"))
	require.NoError(t, CheckTextIndex(ctx, s))

	require.NoError(t, RebuildTextIndex(ctx, s))
	require.NoError(t, CheckTextIndex(ctx, s))
}

func TestWithWriteTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	boom := errors.New("boom")

	err := s.WithWriteTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO items (source_path, filename, created_at, updated_at) VALUES ('/b.jpg', 'b.jpg', 1, 1)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, s.DB.QueryRow("SELECT COUNT(*) FROM items").Scan(&n))
	assert.Zero(t, n)
}
