package search

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type countingEmbedder struct {
	inner *HashingEmbedder
	mu    sync.Mutex
	calls int
}

func (e *countingEmbedder) Name() string {
	return e.inner.Name()
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.inner.Embed(ctx, texts)
}

func newTestIndex(testContext *testing.T) (*SQLiteIndex, *gorm.DB, *countingEmbedder) {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "index.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&Entry{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	embedder := &countingEmbedder{inner: NewHashingEmbedder(4096)}
	index, err := NewSQLiteIndex(Config{Database: database, Embedder: embedder})
	if err != nil {
		testContext.Fatalf("failed to build index: %v", err)
	}
	return index, database, embedder
}

func TestUpsertIsIdempotentAndKeepsLatestText(testContext *testing.T) {
	index, database, _ := newTestIndex(testContext)
	ctx := context.Background()

	if err := index.Upsert(ctx, Document{ID: "a.md", Text: "first draft about bicycles"}); err != nil {
		testContext.Fatalf("unexpected upsert error: %v", err)
	}
	if err := index.Upsert(ctx, Document{ID: "a.md", Text: "second draft about gardening"}); err != nil {
		testContext.Fatalf("unexpected upsert error: %v", err)
	}

	var count int64
	if err := database.Model(&Entry{}).Where("note_id = ?", "a.md").Count(&count).Error; err != nil {
		testContext.Fatalf("count entries: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected exactly one entry, got %d", count)
	}

	results, err := index.Query(ctx, "gardening", 5)
	if err != nil {
		testContext.Fatalf("unexpected query error: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a.md" {
		testContext.Fatalf("expected latest text to be searchable, got %#v", results)
	}
	stale, err := index.Query(ctx, "bicycles", 5)
	if err != nil {
		testContext.Fatalf("unexpected query error: %v", err)
	}
	if len(stale) != 0 {
		testContext.Fatalf("expected previous text to be gone, got %#v", stale)
	}
}

func TestUpsertSkipsEmbeddingForUnchangedText(testContext *testing.T) {
	index, _, embedder := newTestIndex(testContext)
	ctx := context.Background()

	document := Document{ID: "a.md", Text: "same text", Display: Display{Title: "v1"}}
	if err := index.Upsert(ctx, document); err != nil {
		testContext.Fatalf("unexpected upsert error: %v", err)
	}
	document.Display.Title = "v2"
	if err := index.Upsert(ctx, document); err != nil {
		testContext.Fatalf("unexpected upsert error: %v", err)
	}
	if embedder.calls != 1 {
		testContext.Fatalf("expected one embedding call, got %d", embedder.calls)
	}

	results, err := index.Query(ctx, "same", 5)
	if err != nil {
		testContext.Fatalf("unexpected query error: %v", err)
	}
	if len(results) != 1 || results[0].Display.Title != "v2" {
		testContext.Fatalf("expected refreshed display metadata, got %#v", results)
	}
}

func TestUpsertKeepsTagsContainingCommas(testContext *testing.T) {
	index, database, _ := newTestIndex(testContext)
	ctx := context.Background()

	tags := []string{"milk, eggs", "errands"}
	if err := index.Upsert(ctx, Document{ID: "a.md", Text: "shopping list", Display: Display{Tags: tags}}); err != nil {
		testContext.Fatalf("unexpected upsert error: %v", err)
	}
	results, err := index.Query(ctx, "shopping", 5)
	if err != nil {
		testContext.Fatalf("unexpected query error: %v", err)
	}
	if len(results) != 1 || len(results[0].Display.Tags) != 2 || results[0].Display.Tags[0] != "milk, eggs" {
		testContext.Fatalf("expected tags to round trip, got %#v", results)
	}

	var stored string
	if err := database.Raw("SELECT tags FROM search_entries WHERE note_id = ?", "a.md").Scan(&stored).Error; err != nil {
		testContext.Fatalf("read raw tags: %v", err)
	}
	if stored != `["milk, eggs","errands"]` {
		testContext.Fatalf("expected json encoded tags, got %q", stored)
	}

	if err := index.Upsert(ctx, Document{ID: "b.md", Text: "untagged shopping"}); err != nil {
		testContext.Fatalf("unexpected upsert error: %v", err)
	}
	untagged, err := index.Query(ctx, "untagged", 1)
	if err != nil {
		testContext.Fatalf("unexpected query error: %v", err)
	}
	if len(untagged) != 1 || untagged[0].Display.Tags == nil || len(untagged[0].Display.Tags) != 0 {
		testContext.Fatalf("expected empty tag list, got %#v", untagged)
	}
}

func TestQueryRanksByAscendingDistanceAndHonorsLimit(testContext *testing.T) {
	index, _, _ := newTestIndex(testContext)
	ctx := context.Background()

	documents := []Document{
		{ID: "milk.md", Text: "buy milk"},
		{ID: "milk-bread.md", Text: "buy milk and bread and eggs and butter"},
		{ID: "tax.md", Text: "file the tax return"},
	}
	for _, document := range documents {
		if err := index.Upsert(ctx, document); err != nil {
			testContext.Fatalf("unexpected upsert error: %v", err)
		}
	}

	results, err := index.Query(ctx, "milk", 5)
	if err != nil {
		testContext.Fatalf("unexpected query error: %v", err)
	}
	if len(results) != 2 {
		testContext.Fatalf("expected two matches, got %#v", results)
	}
	if results[0].ID != "milk.md" || results[0].Distance > results[1].Distance {
		testContext.Fatalf("expected closest match first, got %#v", results)
	}

	limited, err := index.Query(ctx, "milk", 1)
	if err != nil {
		testContext.Fatalf("unexpected query error: %v", err)
	}
	if len(limited) != 1 {
		testContext.Fatalf("expected limit to apply, got %d results", len(limited))
	}
}

func TestQueryOnEmptyIndexReturnsEmptySlice(testContext *testing.T) {
	index, _, _ := newTestIndex(testContext)
	results, err := index.Query(context.Background(), "anything", 5)
	if err != nil {
		testContext.Fatalf("unexpected query error: %v", err)
	}
	if results == nil || len(results) != 0 {
		testContext.Fatalf("expected empty non-nil slice, got %#v", results)
	}
}

func TestDeleteIsIdempotent(testContext *testing.T) {
	index, _, _ := newTestIndex(testContext)
	ctx := context.Background()

	if err := index.Upsert(ctx, Document{ID: "a.md", Text: "milk"}); err != nil {
		testContext.Fatalf("unexpected upsert error: %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		if err := index.Delete(ctx, "a.md"); err != nil {
			testContext.Fatalf("unexpected delete error on attempt %d: %v", attempt, err)
		}
	}
	results, err := index.Query(ctx, "milk", 5)
	if err != nil {
		testContext.Fatalf("unexpected query error: %v", err)
	}
	if len(results) != 0 {
		testContext.Fatalf("expected deleted entry to be gone, got %#v", results)
	}
}

func TestResetAndIDs(testContext *testing.T) {
	index, _, _ := newTestIndex(testContext)
	ctx := context.Background()
	for _, id := range []string{"b.md", "a.md"} {
		if err := index.Upsert(ctx, Document{ID: id, Text: id}); err != nil {
			testContext.Fatalf("unexpected upsert error: %v", err)
		}
	}

	ids, err := index.IDs(ctx)
	if err != nil {
		testContext.Fatalf("unexpected ids error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a.md" || ids[1] != "b.md" {
		testContext.Fatalf("unexpected ids %#v", ids)
	}

	if err := index.Reset(ctx); err != nil {
		testContext.Fatalf("unexpected reset error: %v", err)
	}
	ids, err = index.IDs(ctx)
	if err != nil {
		testContext.Fatalf("unexpected ids error: %v", err)
	}
	if len(ids) != 0 {
		testContext.Fatalf("expected empty index after reset, got %#v", ids)
	}
}

func TestCosineDistance(testContext *testing.T) {
	distance, err := CosineDistance([]float32{1, 0}, []float32{1, 0})
	if err != nil || distance != 0 {
		testContext.Fatalf("expected identical vectors at distance 0, got %v (%v)", distance, err)
	}
	distance, err = CosineDistance([]float32{1, 0}, []float32{0, 1})
	if err != nil || distance != 1 {
		testContext.Fatalf("expected orthogonal vectors at distance 1, got %v (%v)", distance, err)
	}
	if _, err := CosineDistance([]float32{1}, []float32{1, 0}); err == nil {
		testContext.Fatalf("expected dimension mismatch error")
	}
}
