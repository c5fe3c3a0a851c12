package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/attachments"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/database"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/enrichment"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/notes"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/search"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEnricher struct {
	mu         sync.Mutex
	suggestion enrichment.Suggestion
	err        error
	inputs     []string
}

func (s *stubEnricher) Enrich(_ context.Context, text string) (enrichment.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, text)
	return s.suggestion, s.err
}

func (s *stubEnricher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []NoteEvent
}

func (p *recordingPublisher) Publish(event NoteEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

type failingIndex struct {
	search.Index
}

func (failingIndex) Upsert(context.Context, search.Document) error {
	return errors.New("index unavailable")
}

type fixture struct {
	service     *Service
	notes       *notes.Store
	attachments *attachments.Store
	index       *search.SQLiteIndex
	enricher    *stubEnricher
	publisher   *recordingPublisher
}

func newFixture(t *testing.T, configure func(*ServiceConfig)) fixture {
	t.Helper()
	root := t.TempDir()

	noteStore, err := notes.NewStore(notes.StoreConfig{
		InboxDir:   filepath.Join(root, "inbox"),
		ArchiveDir: filepath.Join(root, "permanent_notes"),
	})
	require.NoError(t, err)

	attachmentStore, err := attachments.NewStore(attachments.Config{Dir: filepath.Join(root, "attachments")})
	require.NoError(t, err)

	db, err := database.OpenSQLite(filepath.Join(root, "index.db"), zap.NewNop())
	require.NoError(t, err)
	index, err := search.NewSQLiteIndex(search.Config{Database: db, Embedder: search.NewHashingEmbedder(4096)})
	require.NoError(t, err)

	enricher := &stubEnricher{suggestion: enrichment.Suggestion{Category: "Groceries", Tags: []string{"milk"}, Summary: "Buy milk"}}
	publisher := &recordingPublisher{}
	cfg := ServiceConfig{
		Notes:       noteStore,
		Attachments: attachmentStore,
		Index:       index,
		Enricher:    enricher,
		Publisher:   publisher,
		Clock:       func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) },
	}
	if configure != nil {
		configure(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)

	return fixture{
		service:     service,
		notes:       noteStore,
		attachments: attachmentStore,
		index:       index,
		enricher:    enricher,
		publisher:   publisher,
	}
}

func TestCaptureTextScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	captured, err := f.service.CaptureText(ctx, TextCapture{Content: "Buy milk", Source: "note-app"})
	require.NoError(t, err)
	require.True(t, captured.Indexed)
	require.Equal(t, notes.StatusPending, captured.Metadata.Status)
	require.Equal(t, notes.NoteTypeText, captured.Metadata.Type)
	require.Equal(t, "note-app", captured.Metadata.Source)
	require.Equal(t, "2026-03-01T09:30:00Z", captured.Metadata.Date)

	listed, err := f.service.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, listed.Notes, 1)
	require.Equal(t, captured.ID, listed.Notes[0].ID)

	hits, err := f.service.Search(ctx, "milk", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, captured.ID, hits[0].ID)

	note, err := f.service.Get(ctx, captured.ID.String())
	require.NoError(t, err)
	require.Equal(t, "\n# Buy milk\n\nBuy milk", note.Body)
	require.Equal(t, []EventType{EventCreated}, f.publisher.types())
}

func TestCaptureTextUsesFallbackWhenEnrichmentFails(t *testing.T) {
	f := newFixture(t, nil)
	f.enricher.err = errors.New("model timeout")

	captured, err := f.service.CaptureText(context.Background(), TextCapture{Content: "something", Type: "idea"})
	require.NoError(t, err)
	require.Equal(t, enrichment.Fallback(), captured.Proposal)
	require.Equal(t, "Archive", captured.Metadata.Category)
	require.Equal(t, []string{"error"}, captured.Metadata.Tags)
	require.Equal(t, "Processing error", captured.Metadata.Summary)
}

func TestCaptureTextAcceptsPrecomputedSuggestion(t *testing.T) {
	f := newFixture(t, nil)

	captured, err := f.service.CaptureText(context.Background(), TextCapture{
		Content:    "https://example.com/article",
		Type:       "link",
		Suggestion: &enrichment.Suggestion{Category: "Reading", Tags: []string{"Web"}, Summary: "An article"},
	})
	require.NoError(t, err)
	require.Zero(t, f.enricher.calls())
	require.Equal(t, notes.NoteTypeLink, captured.Metadata.Type)
	require.Equal(t, []string{"web"}, captured.Metadata.Tags)
}

func TestCaptureTextRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.CaptureText(context.Background(), TextCapture{Content: "   "})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.service.CaptureText(context.Background(), TextCapture{Content: "x", Type: "hologram"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Equal(t, "capture.text.invalid_type", notes.ErrorCode(err))
}

func TestCaptureUnsupportedAttachmentScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	captured, err := f.service.CaptureFiles(ctx, FileCapture{
		Files:  []FileInput{{Name: "report.pdf", Data: samplePDF("")}},
		Source: "browser",
	})
	require.NoError(t, err)
	require.Len(t, captured, 1)
	require.Zero(t, f.enricher.calls())

	note := captured[0]
	require.Equal(t, UnprocessedAttachmentSummary, note.Metadata.Summary)
	require.Equal(t, notes.NoteTypeFile, note.Metadata.Type)
	require.Equal(t, "report.pdf", note.Metadata.OriginalFile)
	require.Equal(t, "/files/report.pdf", note.Metadata.DownloadURL)
}

func TestCaptureMalformedPDFKeepsDefaults(t *testing.T) {
	f := newFixture(t, nil)

	captured, err := f.service.CaptureFiles(context.Background(), FileCapture{
		Files:    []FileInput{{Name: "broken.pdf", Data: []byte("%PDF-1.4\nquarterlyzebra figures\n")}},
		Category: "Finance",
		Tags:     []string{"Q1"},
	})
	require.NoError(t, err)
	require.Len(t, captured, 1)
	require.Zero(t, f.enricher.calls())
	require.Equal(t, UnprocessedAttachmentSummary, captured[0].Metadata.Summary)
	require.Equal(t, "Finance", captured[0].Metadata.Category)
	require.Equal(t, []string{"q1"}, captured[0].Metadata.Tags)
}

func TestCapturePDFWithTextIsEnrichedAndIndexed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	captured, err := f.service.CaptureFiles(ctx, FileCapture{
		Files: []FileInput{{Name: "invoice.pdf", Data: samplePDF("Invoice zebra")}},
	})
	require.NoError(t, err)
	require.Len(t, captured, 1)
	require.Equal(t, 1, f.enricher.calls())
	require.Contains(t, f.enricher.inputs[0], "Invoice zebra")
	require.Equal(t, "Buy milk", captured[0].Metadata.Summary)
	require.Equal(t, "/files/invoice.pdf", captured[0].Metadata.DownloadURL)

	hits, err := f.service.Search(ctx, "zebra", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, captured[0].ID, hits[0].ID)
}

func TestCaptureTextAttachmentIsEnriched(t *testing.T) {
	f := newFixture(t, nil)

	captured, err := f.service.CaptureFiles(context.Background(), FileCapture{
		Files: []FileInput{{Name: "list.txt", Encoded: "data:text/plain;base64,YnV5IG1pbGsgYW5kIGVnZ3M="}},
	})
	require.NoError(t, err)
	require.Len(t, captured, 1)
	require.Equal(t, []string{"buy milk and eggs"}, f.enricher.inputs)
	require.Equal(t, "Buy milk", captured[0].Metadata.Summary)

	hits, err := f.service.Search(context.Background(), "eggs", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestCaptureFilesDisambiguatesDuplicateNamesInBatch(t *testing.T) {
	f := newFixture(t, nil)

	captured, err := f.service.CaptureFiles(context.Background(), FileCapture{
		Files: []FileInput{
			{Name: "scan.pdf", Data: []byte("%PDF-1.4 one")},
			{Name: "scan.pdf", Data: []byte("%PDF-1.4 two")},
		},
		Collection: true,
	})
	require.NoError(t, err)
	require.Len(t, captured, 1)
	require.Equal(t, notes.NoteTypeCollection, captured[0].Metadata.Type)
	require.Equal(t, []string{"scan.pdf", "scan-2.pdf"}, captured[0].Metadata.AttachedFiles)
	require.True(t, f.attachments.Exists("scan.pdf"))
	require.True(t, f.attachments.Exists("scan-2.pdf"))
}

func TestCaptureFilesRejectsMalformedPayloadWithoutWriting(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.CaptureFiles(context.Background(), FileCapture{
		Files: []FileInput{
			{Name: "good.txt", Data: []byte("fine")},
			{Name: "bad.txt", Encoded: "***not base64***"},
		},
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.False(t, f.attachments.Exists("good.txt"))
}

func TestValidateScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	captured, err := f.service.CaptureText(ctx, TextCapture{Content: "Buy milk"})
	require.NoError(t, err)
	before, err := f.service.Get(ctx, captured.ID.String())
	require.NoError(t, err)

	_, err = f.service.Update(ctx, captured.ID.String(), notes.Patch{Action: notes.ActionValidate})
	require.NoError(t, err)

	after, err := f.service.Get(ctx, captured.ID.String())
	require.NoError(t, err)
	require.Equal(t, notes.StatusProcessed, after.Metadata.Status)
	require.Equal(t, before.Metadata.Category, after.Metadata.Category)
	require.Equal(t, before.Metadata.Tags, after.Metadata.Tags)
	require.Equal(t, before.Body, after.Body)
	require.Equal(t, notes.LocationInbox, after.Location)

	processed, err := f.service.List(ctx, ListFilter{Status: notes.StatusProcessed})
	require.NoError(t, err)
	require.Len(t, processed.Notes, 1)
	pending, err := f.service.List(ctx, ListFilter{Status: notes.StatusPending})
	require.NoError(t, err)
	require.Empty(t, pending.Notes)
}

func TestUpdateMissingNoteIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.Update(context.Background(), "missing.md", notes.Patch{Action: notes.ActionValidate})
	require.ErrorIs(t, err, notes.ErrNotFound)

	_, err = f.service.Update(context.Background(), "../escape.md", notes.Patch{})
	require.ErrorIs(t, err, notes.ErrInvalidNoteID)
}

func TestRemoveThenListAndQuery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	captured, err := f.service.CaptureText(ctx, TextCapture{Content: "Buy milk"})
	require.NoError(t, err)

	report, err := f.service.Remove(ctx, captured.ID.String())
	require.NoError(t, err)
	require.False(t, report.Degraded)

	listed, err := f.service.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, listed.Notes)

	results, err := f.index.Query(ctx, "milk", 5)
	require.NoError(t, err)
	require.Empty(t, results)

	_, err = f.service.Remove(ctx, captured.ID.String())
	require.ErrorIs(t, err, notes.ErrNotFound)
	require.Equal(t, []EventType{EventCreated, EventDeleted}, f.publisher.types())
}

func TestRemoveDeletesSharedAttachmentOnlyWithLastOwner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.service.CaptureFiles(ctx, FileCapture{Files: []FileInput{{Name: "shared.pdf", Data: []byte("%PDF-1.4 a")}}})
	require.NoError(t, err)
	second, err := f.service.CaptureFiles(ctx, FileCapture{Files: []FileInput{{Name: "shared.pdf", Data: []byte("%PDF-1.4 b")}}})
	require.NoError(t, err)

	report, err := f.service.Remove(ctx, first[0].ID.String())
	require.NoError(t, err)
	require.Equal(t, []string{"shared.pdf"}, report.RetainedAttachments)
	require.True(t, f.attachments.Exists("shared.pdf"))

	report, err = f.service.Remove(ctx, second[0].ID.String())
	require.NoError(t, err)
	require.Equal(t, []string{"shared.pdf"}, report.DeletedAttachments)
	require.False(t, f.attachments.Exists("shared.pdf"))
}

func TestRemoveFreesDuplicatedReferenceOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.attachments.Save(ctx, "photo.png", []byte("png"))
	require.NoError(t, err)
	meta := notes.Metadata{
		Title:         "photo",
		Date:          "2026-03-01T09:30:00Z",
		Type:          notes.NoteTypeFile,
		Status:        notes.StatusPending,
		OriginalFile:  "photo.png",
		AttachedFiles: []string{"photo.png"},
	}
	id, err := f.notes.Create(ctx, meta, "")
	require.NoError(t, err)

	report, err := f.service.Remove(ctx, id.String())
	require.NoError(t, err)
	require.Equal(t, []string{"photo.png"}, report.DeletedAttachments)
	require.False(t, f.attachments.Exists("photo.png"))
}

func TestListResolvesDownloadURLAtCallTime(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	captured, err := f.service.CaptureFiles(ctx, FileCapture{Files: []FileInput{{Name: "scan.pdf", Data: []byte("%PDF-1.4")}}})
	require.NoError(t, err)
	require.NoError(t, f.attachments.Delete(ctx, "scan.pdf"))

	listed, err := f.service.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, listed.Notes, 1)
	require.Equal(t, captured[0].ID, listed.Notes[0].ID)
	require.Empty(t, listed.Notes[0].Metadata.DownloadURL)
}

func TestIndexFailureKeepsNote(t *testing.T) {
	f := newFixture(t, func(cfg *ServiceConfig) {
		cfg.Index = failingIndex{Index: cfg.Index}
	})

	captured, err := f.service.CaptureText(context.Background(), TextCapture{Content: "Buy milk"})
	require.NoError(t, err)
	require.False(t, captured.Indexed)

	_, err = f.service.Get(context.Background(), captured.ID.String())
	require.NoError(t, err)
}

func TestRebuildReindexesAndPrunes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	captured, err := f.service.CaptureText(ctx, TextCapture{Content: "Buy milk"})
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(ctx, search.Document{ID: "ghost.md", Text: "milk ghost"}))
	require.NoError(t, f.index.Reset(ctx))
	require.NoError(t, f.index.Upsert(ctx, search.Document{ID: "ghost.md", Text: "milk ghost"}))
	_, err = f.attachments.Save(ctx, "orphan.bin", []byte{0, 1, 2})
	require.NoError(t, err)

	report, err := f.service.Rebuild(ctx, RebuildOptions{PruneAttachments: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.Indexed)
	require.Equal(t, []string{"ghost.md"}, report.Pruned)
	require.Equal(t, []string{"orphan.bin"}, report.PrunedAttachments)

	ids, err := f.index.IDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{captured.ID.String()}, ids)
}

func TestPromoteMovesToArchive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	captured, err := f.service.CaptureText(ctx, TextCapture{Content: "Buy milk"})
	require.NoError(t, err)

	promoted, err := f.service.Promote(ctx, captured.ID.String())
	require.NoError(t, err)
	require.Equal(t, notes.LocationArchive, promoted.Location)

	hits, err := f.service.Search(ctx, "milk", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, notes.LocationArchive, hits[0].Location)

	archived, err := f.service.List(ctx, ListFilter{Location: notes.LocationArchive})
	require.NoError(t, err)
	require.Len(t, archived.Notes, 1)
}

func TestSearchDropsEntriesWithoutNotes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.index.Upsert(ctx, search.Document{ID: "ghost.md", Text: "milk"}))

	hits, err := f.service.Search(ctx, "milk", 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	ids, err := f.index.IDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSearchRefillsLimitAfterDroppingStaleEntries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for range 3 {
		_, err := f.service.CaptureText(ctx, TextCapture{Content: "Buy milk"})
		require.NoError(t, err)
	}

	ranked, err := f.index.Query(ctx, "milk", 3)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	staleID, err := notes.NewNoteID(ranked[0].ID)
	require.NoError(t, err)
	_, err = f.notes.Delete(ctx, staleID)
	require.NoError(t, err)

	hits, err := f.service.Search(ctx, "milk", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, hit := range hits {
		require.NotEqual(t, staleID, hit.ID)
	}

	ids, err := f.index.IDs(ctx)
	require.NoError(t, err)
	require.NotContains(t, ids, staleID.String())
}

func TestRemoveRetainsAttachmentsWhileNotesAreUnreadable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	captured, err := f.service.CaptureFiles(ctx, FileCapture{Files: []FileInput{{Name: "shared.png", Data: []byte("png")}}})
	require.NoError(t, err)
	inbox, _ := f.notes.Dirs()
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "broken.md"), []byte("---\ntitle: [\noriginal_file: shared.png\n---\n"), 0o644))

	report, err := f.service.Remove(ctx, captured[0].ID.String())
	require.NoError(t, err)
	require.True(t, report.Degraded)
	require.Equal(t, []string{"shared.png"}, report.RetainedAttachments)
	require.Empty(t, report.DeletedAttachments)
	require.True(t, f.attachments.Exists("shared.png"))
}

func TestNewServiceRequiresStores(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	require.Equal(t, "capture.new.missing_note_store", notes.ErrorCode(err))
}
