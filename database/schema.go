package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/photofacets/models"
)

// tableSpec is a model plus the named indexes its tags declare.
type tableSpec struct {
	model   interface{}
	indexes []string
}

// columnSpec is a column added to an existing table after its first version.
type columnSpec struct {
	model interface{}
	field string
	name  string
}

type migration struct {
	version int
	name    string
	tables  []tableSpec
	columns []columnSpec
	raw     func(tx *gorm.DB) error
}

// migrations are strictly additive: a later version only introduces new
// tables, columns, indexes, or triggers.
var migrations = []migration{
	{
		version: 1,
		name:    "core",
		tables: []tableSpec{
			{&models.Item{}, []string{"idx_items_source_path", "idx_items_captured_at", "idx_items_date_source", "idx_items_camera"}},
			{&models.ProcessingStatus{}, nil},
			{&models.Location{}, []string{"idx_locations_lat_lon"}},
		},
	},
	{
		version: 2,
		name:    "objects",
		tables: []tableSpec{
			{&models.ObjectTag{}, []string{"idx_object_tags_item_version_ordinal", "idx_object_tags_label"}},
		},
	},
	{
		version: 3,
		name:    "embeddings",
		tables: []tableSpec{
			{&models.EmbeddingModel{}, nil},
			{&models.Embedding{}, []string{"idx_embeddings_item_version", "idx_embeddings_version"}},
		},
	},
	{
		version: 4,
		name:    "text",
		tables: []tableSpec{
			{&models.TextExtract{}, []string{"idx_text_extracts_item_version_ordinal"}},
		},
		raw: ensureTextIndex,
	},
	{
		version: 5,
		name:    "stage_runs",
		tables: []tableSpec{
			{&models.StageRun{}, []string{"idx_stage_runs_facet"}},
		},
	},
	{
		version: 6,
		name:    "item_checksum",
		columns: []columnSpec{
			{&models.Item{}, "Checksum", "checksum"},
		},
	},
	{
		version: 7,
		name:    "facet_errors",
		columns: []columnSpec{
			{&models.ProcessingStatus{}, "GPSError", "gps_error"},
			{&models.ProcessingStatus{}, "ObjectsError", "objects_error"},
			{&models.ProcessingStatus{}, "EmbeddingsError", "embeddings_error"},
			{&models.ProcessingStatus{}, "TextError", "text_error"},
		},
	},
}

// LatestSchemaVersion is the highest migration version this build knows.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// EnsureSchema creates any missing tables, columns, indexes, and triggers.
// Every step checks before it creates, so the whole list runs on each call
// and repairs objects that were removed out of band. Nothing is dropped or
// altered.
func EnsureSchema(ctx context.Context, s *Store) error {
	unlock := s.lockWrites()
	defer unlock()

	db := s.Gorm.WithContext(ctx)
	m := db.Migrator()
	if !m.HasTable(&models.SchemaMigration{}) {
		if err := m.CreateTable(&models.SchemaMigration{}); err != nil {
			return fmt.Errorf("failed to create schema_migrations table: %w", err)
		}
	}

	var applied []models.SchemaMigration
	if err := db.Find(&applied).Error; err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	seen := make(map[int]bool, len(applied))
	for _, a := range applied {
		seen[a.Version] = true
		if a.Version > LatestSchemaVersion() {
			s.log.WithField("version", a.Version).Warn("database: store was migrated by a newer build")
		}
	}

	for _, mig := range migrations {
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := applyMigration(tx, mig); err != nil {
				return err
			}
			if seen[mig.version] {
				return nil
			}
			return tx.Create(&models.SchemaMigration{
				Version:   mig.version,
				Name:      mig.name,
				AppliedAt: time.Now().Unix(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("failed to apply schema migration %d (%s): %w", mig.version, mig.name, err)
		}
		if !seen[mig.version] {
			s.log.WithField("version", mig.version).Infof("database: applied migration %s", mig.name)
		}
	}
	return nil
}

func applyMigration(tx *gorm.DB, mig migration) error {
	m := tx.Migrator()
	for _, t := range mig.tables {
		if !m.HasTable(t.model) {
			if err := m.CreateTable(t.model); err != nil {
				return fmt.Errorf("create table: %w", err)
			}
		}
		for _, idx := range t.indexes {
			if m.HasIndex(t.model, idx) {
				continue
			}
			if err := m.CreateIndex(t.model, idx); err != nil {
				return fmt.Errorf("create index %s: %w", idx, err)
			}
		}
	}
	for _, c := range mig.columns {
		if m.HasColumn(c.model, c.name) {
			continue
		}
		if err := m.AddColumn(c.model, c.field); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	if mig.raw != nil {
		return mig.raw(tx)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, or 0 for an
// empty store.
func SchemaVersion(ctx context.Context, s *Store) (int, error) {
	if !s.Gorm.WithContext(ctx).Migrator().HasTable(&models.SchemaMigration{}) {
		return 0, nil
	}
	var version int
	err := s.DB.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
