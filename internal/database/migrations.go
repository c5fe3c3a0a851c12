package database

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/search"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationEncodeSearchTagsAsJSON = "2026-10-19_encode_search_tags_as_json"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migration struct {
	name  string
	apply func(*gorm.DB) error
}

// indexMigrations run in order, each at most once per database.
var indexMigrations = []migration{
	{name: migrationEncodeSearchTagsAsJSON, apply: encodeSearchTagsAsJSON},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	var appliedNames []string
	if err := db.Model(&migrationRecord{}).Pluck("name", &appliedNames).Error; err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}
	applied := make(map[string]struct{}, len(appliedNames))
	for _, name := range appliedNames {
		applied[name] = struct{}{}
	}

	for _, pending := range indexMigrations {
		if _, done := applied[pending.name]; done {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := pending.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: pending.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", pending.name, err)
		}
		if logger != nil {
			logger.Info("index migration applied", zap.String("migration", pending.name))
		}
	}
	return nil
}

type legacyTagRow struct {
	NoteID string
	Tags   string
}

// encodeSearchTagsAsJSON rewrites tag columns stored as comma joined text
// into JSON arrays.
func encodeSearchTagsAsJSON(db *gorm.DB) error {
	var rows []legacyTagRow
	err := db.Table(search.Entry{}.TableName()).
		Select("note_id", "tags").
		Where("tags NOT LIKE ?", "[%").
		Scan(&rows).Error
	if err != nil {
		return err
	}
	for _, row := range rows {
		tags := []string{}
		for _, tag := range strings.Split(row.Tags, ",") {
			if trimmed := strings.TrimSpace(tag); trimmed != "" {
				tags = append(tags, trimmed)
			}
		}
		encoded, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		err = db.Table(search.Entry{}.TableName()).
			Where("note_id = ?", row.NoteID).
			Update("tags", string(encoded)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
