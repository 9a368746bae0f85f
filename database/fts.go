package database

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

const TextIndexTable = "text_extracts_fts"

// text_extracts_fts is an external-content FTS5 table. The triggers run in
// the same transaction as the base row change, so the index never diverges.
var textIndexDDL = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS text_extracts_fts USING fts5(
		content,
		content='text_extracts',
		content_rowid='id',
		tokenize='unicode61 remove_diacritics 2'
	)`,
	`CREATE TRIGGER IF NOT EXISTS text_extracts_ai AFTER INSERT ON text_extracts BEGIN
		INSERT INTO text_extracts_fts(rowid, content) VALUES (new.id, new.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS text_extracts_ad AFTER DELETE ON text_extracts BEGIN
		INSERT INTO text_extracts_fts(text_extracts_fts, rowid, content) VALUES ('delete', old.id, old.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS text_extracts_au AFTER UPDATE ON text_extracts BEGIN
		INSERT INTO text_extracts_fts(text_extracts_fts, rowid, content) VALUES ('delete', old.id, old.content);
		INSERT INTO text_extracts_fts(rowid, content) VALUES (new.id, new.content);
	END`,
}

func ensureTextIndex(tx *gorm.DB) error {
	existed := tx.Migrator().HasTable(TextIndexTable)
	for _, stmt := range textIndexDDL {
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create text index: %w", err)
		}
	}
	if !existed {
		// rows written before the index existed
		if err := tx.Exec("INSERT INTO text_extracts_fts(text_extracts_fts) VALUES ('rebuild')").Error; err != nil {
			return fmt.Errorf("rebuild text index: %w", err)
		}
	}
	return nil
}

// CheckTextIndex runs the FTS5 integrity check, which fails when the index
// and text_extracts disagree.
func CheckTextIndex(ctx context.Context, s *Store) error {
	_, err := s.DB.ExecContext(ctx, "INSERT INTO text_extracts_fts(text_extracts_fts, rank) VALUES ('integrity-check', 1)")
	if err != nil {
		return fmt.Errorf("text index integrity check failed: %w", err)
	}
	return nil
}

// RebuildTextIndex regenerates the full-text index from text_extracts.
func RebuildTextIndex(ctx context.Context, s *Store) error {
	return s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO text_extracts_fts(text_extracts_fts) VALUES ('rebuild')"); err != nil {
			return fmt.Errorf("failed to rebuild text index: %w", err)
		}
		return nil
	})
}
