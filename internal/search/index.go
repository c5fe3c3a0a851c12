package search

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEmbedder = errors.New("embedder is required")
	errMissingID       = errors.New("entry identifier is required")
)

// matchThreshold excludes entries sharing nothing with the query.
const matchThreshold = 1 - 1e-9

// Display is the minimal metadata kept alongside an entry for result rendering.
type Display struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Location string   `json:"location"`
}

// Document is the input to Upsert.
type Document struct {
	ID      string
	Text    string
	Display Display
}

// Result is a ranked query hit; lower Distance means more similar.
type Result struct {
	ID       string  `json:"filename"`
	Distance float64 `json:"distance"`
	Display  Display `json:"metadata"`
}

// Index is a semantic index keyed by note identity.
type Index interface {
	Upsert(ctx context.Context, document Document) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, text string, limit int) ([]Result, error)
	IDs(ctx context.Context) ([]string, error)
	Reset(ctx context.Context) error
}

// Entry is the persisted projection of a note.
type Entry struct {
	NoteID           string   `gorm:"column:note_id;primaryKey;size:190;not null"`
	ContentHash      string   `gorm:"column:content_hash;size:64;not null"`
	Content          string   `gorm:"column:content;type:text;not null"`
	Title            string   `gorm:"column:title;not null"`
	Summary          string   `gorm:"column:summary;not null"`
	Category         string   `gorm:"column:category;not null"`
	Tags             []string `gorm:"column:tags;type:text;serializer:json;not null"`
	Location         string   `gorm:"column:location;size:32;not null"`
	Embedding        []byte   `gorm:"column:embedding;not null"`
	Dimensions       int      `gorm:"column:dimensions;not null"`
	UpdatedAtSeconds int64    `gorm:"column:updated_at_s;not null"`
}

func (Entry) TableName() string {
	return "search_entries"
}

// Config wires the SQLite index.
type Config struct {
	Database *gorm.DB
	Embedder Embedder
	Logger   *zap.Logger
}

// SQLiteIndex stores entries through gorm and ranks them in process.
type SQLiteIndex struct {
	db       *gorm.DB
	embedder Embedder
	logger   *zap.Logger
}

// NewSQLiteIndex validates dependencies. The schema is migrated by database.OpenSQLite.
func NewSQLiteIndex(cfg Config) (*SQLiteIndex, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Embedder == nil {
		return nil, errMissingEmbedder
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteIndex{db: cfg.Database, embedder: cfg.Embedder, logger: logger}, nil
}

// Upsert replaces any entry with the same identity. The embedding is only
// recomputed when the indexable text or the embedder changed.
func (i *SQLiteIndex) Upsert(ctx context.Context, document Document) error {
	if strings.TrimSpace(document.ID) == "" {
		return errMissingID
	}
	hash := i.contentHash(document.Text)
	entry := Entry{
		NoteID:           document.ID,
		ContentHash:      hash,
		Content:          document.Text,
		Title:            document.Display.Title,
		Summary:          document.Display.Summary,
		Category:         document.Display.Category,
		Tags:             append([]string{}, document.Display.Tags...),
		Location:         document.Display.Location,
		UpdatedAtSeconds: time.Now().UTC().Unix(),
	}

	db := i.db.WithContext(ctx)
	var existing Entry
	err := db.Select("note_id", "content_hash", "embedding", "dimensions").
		Where("note_id = ?", document.ID).
		Take(&existing).Error
	switch {
	case err == nil && existing.ContentHash == hash:
		entry.Embedding = existing.Embedding
		entry.Dimensions = existing.Dimensions
	case err == nil || errors.Is(err, gorm.ErrRecordNotFound):
		vectors, err := i.embedder.Embed(ctx, []string{document.Text})
		if err != nil {
			return fmt.Errorf("embed %s: %w", document.ID, err)
		}
		if len(vectors) != 1 {
			return fmt.Errorf("embed %s: expected one vector, got %d", document.ID, len(vectors))
		}
		entry.Embedding = encodeVector(vectors[0])
		entry.Dimensions = len(vectors[0])
	default:
		return fmt.Errorf("load entry %s: %w", document.ID, err)
	}

	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "note_id"}},
		UpdateAll: true,
	}).Create(&entry).Error
}

// Delete removes the entry. Deleting an absent identity is not an error.
func (i *SQLiteIndex) Delete(ctx context.Context, id string) error {
	return i.db.WithContext(ctx).Where("note_id = ?", id).Delete(&Entry{}).Error
}

// Query returns at most limit entries ordered by ascending cosine distance.
// Entries sharing nothing with the query are dropped.
func (i *SQLiteIndex) Query(ctx context.Context, text string, limit int) ([]Result, error) {
	results := []Result{}
	if limit <= 0 || strings.TrimSpace(text) == "" {
		return results, nil
	}

	vectors, err := i.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: expected one vector, got %d", len(vectors))
	}
	query := vectors[0]

	var entries []Entry
	if err := i.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	for _, entry := range entries {
		vector, err := decodeVector(entry.Embedding)
		if err != nil || len(vector) != len(query) {
			i.logger.Debug("skipping entry with incompatible embedding", zap.String("note_id", entry.NoteID))
			continue
		}
		distance, err := CosineDistance(query, vector)
		if err != nil || distance >= matchThreshold {
			continue
		}
		results = append(results, Result{ID: entry.NoteID, Distance: distance, Display: entry.display()})
	}

	sort.SliceStable(results, func(a, b int) bool {
		if results[a].Distance != results[b].Distance {
			return results[a].Distance < results[b].Distance
		}
		return results[a].ID < results[b].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// IDs lists every indexed identity.
func (i *SQLiteIndex) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := i.db.WithContext(ctx).Model(&Entry{}).Order("note_id").Pluck("note_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// Reset removes every entry.
func (i *SQLiteIndex) Reset(ctx context.Context) error {
	return i.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Entry{}).Error
}

func (i *SQLiteIndex) contentHash(text string) string {
	sum := sha256.Sum256([]byte(i.embedder.Name() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (e Entry) display() Display {
	tags := append([]string{}, e.Tags...)
	return Display{
		Title:    e.Title,
		Summary:  e.Summary,
		Category: e.Category,
		Tags:     tags,
		Location: e.Location,
	}
}

func encodeVector(vector []float32) []byte {
	encoded := make([]byte, 4*len(vector))
	for index, value := range vector {
		binary.LittleEndian.PutUint32(encoded[4*index:], math.Float32bits(value))
	}
	return encoded
}

func decodeVector(encoded []byte) ([]float32, error) {
	if len(encoded)%4 != 0 {
		return nil, fmt.Errorf("embedding length %d is not a multiple of 4", len(encoded))
	}
	vector := make([]float32, len(encoded)/4)
	for index := range vector {
		vector[index] = math.Float32frombits(binary.LittleEndian.Uint32(encoded[4*index:]))
	}
	return vector, nil
}
