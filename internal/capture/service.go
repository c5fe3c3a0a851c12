package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/enrichment"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/extraction"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/notes"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/search"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest indicates caller input that cannot be captured.
	ErrInvalidRequest = errors.New("capture: invalid request")

	errMissingNoteStore       = errors.New("note store dependency required")
	errMissingAttachmentStore = errors.New("attachment store dependency required")
	errMissingIndex           = errors.New("search index dependency required")
)

const (
	opServiceNew   = "capture.new"
	opCaptureText  = "capture.text"
	opCaptureFiles = "capture.files"
	opUpdate       = "capture.update"
	opRemove       = "capture.remove"
	opGet          = "capture.get"
	opSearch       = "capture.search"
	opPromote      = "capture.promote"
	opReindex      = "capture.reindex"
	opRebuild      = "capture.rebuild"

	// UnprocessedAttachmentSummary is the summary of an attachment whose
	// format yields no text.
	UnprocessedAttachmentSummary = "Archivo adjunto (sin procesar)"

	defaultTitle        = "Untitled"
	defaultFileCategory = "Resource"
	defaultSearchLimit  = 5
)

// NoteStore is the authoritative document store.
type NoteStore interface {
	Create(ctx context.Context, meta notes.Metadata, body string) (notes.NoteID, error)
	Read(ctx context.Context, id notes.NoteID) (notes.Note, error)
	List(ctx context.Context) (notes.Listing, error)
	Update(ctx context.Context, id notes.NoteID, mutate func(*notes.Metadata) error) (notes.Note, error)
	Delete(ctx context.Context, id notes.NoteID) ([]string, error)
	Promote(ctx context.Context, id notes.NoteID) error
	ReferencedAttachments(ctx context.Context) (notes.AttachmentReferences, error)
}

// AttachmentStore keeps attachment payloads.
type AttachmentStore interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
	Delete(ctx context.Context, name string) error
	DownloadURL(name string) string
	Path(name string) string
	DetectType(name string) (*mimetype.MIME, error)
	Names(ctx context.Context) ([]string, error)
}

// Publisher receives note change events.
type Publisher interface {
	Publish(event NoteEvent)
}

// EventType names a note change.
type EventType string

const (
	EventCreated  EventType = "note-created"
	EventUpdated  EventType = "note-updated"
	EventDeleted  EventType = "note-deleted"
	EventPromoted EventType = "note-promoted"
)

// NoteEvent announces a committed note store mutation.
type NoteEvent struct {
	Type      EventType `json:"type"`
	NoteIDs   []string  `json:"noteIds"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceConfig wires the coordinator's collaborators.
type ServiceConfig struct {
	Notes       NoteStore
	Attachments AttachmentStore
	Index       search.Index
	Enricher    enrichment.Enricher
	Extractor   extraction.Extractor
	Publisher   Publisher
	Clock       func() time.Time
	SearchLimit int
	Logger      *zap.Logger
}

// Service orchestrates capture, mutation and removal across the note store,
// the attachment store and the search index. The note store is the source of
// truth; index and attachment failures after a committed note mutation are
// logged and leave a state that Rebuild repairs.
type Service struct {
	notes       NoteStore
	attachments AttachmentStore
	index       search.Index
	enricher    enrichment.Enricher
	extractor   extraction.Extractor
	publisher   Publisher
	clock       func() time.Time
	searchLimit int
	logger      *zap.Logger
}

// NewService validates dependencies and fills optional collaborators.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Notes == nil {
		return nil, notes.NewServiceError(opServiceNew, "missing_note_store", errMissingNoteStore)
	}
	if cfg.Attachments == nil {
		return nil, notes.NewServiceError(opServiceNew, "missing_attachment_store", errMissingAttachmentStore)
	}
	if cfg.Index == nil {
		return nil, notes.NewServiceError(opServiceNew, "missing_index", errMissingIndex)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	enricher := cfg.Enricher
	if enricher == nil {
		enricher = enrichment.Disabled{}
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = extraction.NewChain(logger, extraction.PlainText{}, extraction.PDFText{})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	searchLimit := cfg.SearchLimit
	if searchLimit <= 0 {
		searchLimit = defaultSearchLimit
	}

	return &Service{
		notes:       cfg.Notes,
		attachments: cfg.Attachments,
		index:       cfg.Index,
		enricher:    enricher,
		extractor:   extractor,
		publisher:   cfg.Publisher,
		clock:       clock,
		searchLimit: searchLimit,
		logger:      logger,
	}, nil
}

// Captured describes one note produced by a capture.
type Captured struct {
	ID       notes.NoteID          `json:"file"`
	Metadata notes.Metadata        `json:"metadata"`
	Proposal enrichment.Suggestion `json:"proposal"`
	Indexed  bool                  `json:"indexed"`
}

// TextCapture is a text, link or idea submission. A non-nil Suggestion was
// computed at the edge and skips enrichment.
type TextCapture struct {
	Title      string
	Content    string
	Source     string
	Type       string
	Suggestion *enrichment.Suggestion
}

// CaptureText enriches, persists and indexes a text capture.
func (s *Service) CaptureText(ctx context.Context, request TextCapture) (Captured, error) {
	content := strings.TrimSpace(request.Content)
	if content == "" {
		return Captured{}, notes.NewServiceError(opCaptureText, "empty_content", fmt.Errorf("%w: content is required", ErrInvalidRequest))
	}
	noteType := notes.NoteTypeText
	if strings.TrimSpace(request.Type) != "" {
		parsed, err := notes.ParseNoteType(request.Type)
		if err != nil {
			return Captured{}, notes.NewServiceError(opCaptureText, "invalid_type", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		}
		noteType = parsed
	}

	var suggestion enrichment.Suggestion
	if request.Suggestion != nil {
		suggestion = enrichment.Normalize(*request.Suggestion)
	} else {
		suggestion = s.enrich(ctx, content)
	}

	meta := notes.Metadata{
		Title:    firstNonEmpty(request.Title, defaultTitle),
		Date:     s.timestamp(),
		Source:   strings.TrimSpace(request.Source),
		Type:     noteType,
		Status:   notes.StatusPending,
		Category: suggestion.Category,
		Tags:     suggestion.Tags,
		Summary:  suggestion.Summary,
	}
	body := notes.ComposeBody(firstNonEmpty(meta.Summary, meta.Title), request.Content)

	captured, err := s.persist(ctx, opCaptureText, meta, body)
	if err != nil {
		return Captured{}, err
	}
	captured.Proposal = suggestion
	return captured, nil
}

// Update applies a field-level patch. The index is not touched because
// category, tags and status do not feed the indexed text.
func (s *Service) Update(ctx context.Context, rawID string, patch notes.Patch) (notes.Note, error) {
	id, err := parseID(opUpdate, rawID)
	if err != nil {
		return notes.Note{}, err
	}
	note, err := s.notes.Update(ctx, id, patch.Apply)
	if err != nil {
		return notes.Note{}, err
	}
	s.decorate(&note)
	s.publish(EventUpdated, id)
	return note, nil
}

// RemoveReport lists what a removal cleaned up.
type RemoveReport struct {
	ID                  notes.NoteID `json:"filename"`
	DeletedAttachments  []string     `json:"deleted_attachments"`
	RetainedAttachments []string     `json:"retained_attachments"`
	Degraded            bool         `json:"degraded"`
}

// Remove deletes the note first, then attachments no other note references,
// then the index entry. Every step tolerates state left by an earlier partial
// run, so a retry after a failure is safe.
func (s *Service) Remove(ctx context.Context, rawID string) (RemoveReport, error) {
	id, err := parseID(opRemove, rawID)
	if err != nil {
		return RemoveReport{}, err
	}
	freed, err := s.notes.Delete(ctx, id)
	if err != nil {
		return RemoveReport{}, err
	}
	report := RemoveReport{ID: id, DeletedAttachments: []string{}, RetainedAttachments: []string{}}
	s.publish(EventDeleted, id)

	if len(freed) > 0 {
		references, err := s.notes.ReferencedAttachments(ctx)
		switch {
		case err != nil:
			s.logError(opRemove, "reference_scan_failed", err, zap.String("note_id", id.String()))
			report.Degraded = true
			report.RetainedAttachments = append(report.RetainedAttachments, freed...)
		case !references.Complete():
			// An unreadable note may reference any of the freed names.
			s.logger.Warn("retaining attachments while unreadable notes exist",
				zap.String("note_id", id.String()),
				zap.Strings("attachments", freed),
				zap.Strings("unreadable", references.Unreadable))
			report.Degraded = true
			report.RetainedAttachments = append(report.RetainedAttachments, freed...)
		default:
			for _, name := range freed {
				if references.Counts[name] > 0 {
					report.RetainedAttachments = append(report.RetainedAttachments, name)
					continue
				}
				if err := s.attachments.Delete(ctx, name); err != nil {
					s.logError(opRemove, "attachment_delete_failed", err,
						zap.String("note_id", id.String()), zap.String("attachment", name))
					report.Degraded = true
					report.RetainedAttachments = append(report.RetainedAttachments, name)
					continue
				}
				report.DeletedAttachments = append(report.DeletedAttachments, name)
			}
		}
	}

	if err := s.index.Delete(ctx, id.String()); err != nil {
		s.logError(opRemove, "index_delete_failed", err, zap.String("note_id", id.String()))
		report.Degraded = true
	}
	return report, nil
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Status   notes.NoteStatus
	Location notes.Location
}

// ListResult is the decorated store listing.
type ListResult struct {
	Notes    []notes.Note        `json:"notes"`
	Problems []notes.ListProblem `json:"problems"`
}

// List enumerates notes newest first with download references resolved now.
func (s *Service) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	listing, err := s.notes.List(ctx)
	if err != nil {
		return ListResult{}, err
	}
	result := ListResult{Notes: make([]notes.Note, 0, len(listing.Notes)), Problems: listing.Problems}
	if result.Problems == nil {
		result.Problems = []notes.ListProblem{}
	}
	for _, note := range listing.Notes {
		if filter.Status != "" && note.Metadata.Status != filter.Status {
			continue
		}
		if filter.Location != "" && note.Location != filter.Location {
			continue
		}
		s.decorate(&note)
		result.Notes = append(result.Notes, note)
	}
	return result, nil
}

// Get reads one note with its download reference resolved.
func (s *Service) Get(ctx context.Context, rawID string) (notes.Note, error) {
	id, err := parseID(opGet, rawID)
	if err != nil {
		return notes.Note{}, err
	}
	note, err := s.notes.Read(ctx, id)
	if err != nil {
		return notes.Note{}, err
	}
	s.decorate(&note)
	return note, nil
}

// Hit is a search result joined with the note's current metadata.
type Hit struct {
	ID       notes.NoteID   `json:"filename"`
	Distance float64        `json:"distance"`
	Location notes.Location `json:"location"`
	Metadata notes.Metadata `json:"metadata"`
}

// Search queries the index and drops entries whose note is gone or unreadable.
// Entries without a note are removed from the index on the way. The index is
// asked for more entries until limit live hits are found or it runs dry.
func (s *Service) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = s.searchLimit
	}

	for fetch := limit; ; fetch *= 2 {
		results, err := s.index.Query(ctx, text, fetch)
		if err != nil {
			s.logError(opSearch, "query_failed", err)
			return nil, notes.NewServiceError(opSearch, "query_failed", err)
		}
		hits := s.resolveHits(ctx, results, limit)
		if len(hits) >= limit || len(results) < fetch {
			return hits, nil
		}
	}
}

func (s *Service) resolveHits(ctx context.Context, results []search.Result, limit int) []Hit {
	hits := make([]Hit, 0, limit)
	for _, result := range results {
		if len(hits) == limit {
			break
		}
		id, err := notes.NewNoteID(result.ID)
		if err != nil {
			continue
		}
		note, err := s.notes.Read(ctx, id)
		if err != nil {
			if errors.Is(err, notes.ErrNotFound) {
				if err := s.index.Delete(ctx, result.ID); err != nil {
					s.logError(opSearch, "stale_entry_delete_failed", err, zap.String("note_id", result.ID))
				}
			}
			continue
		}
		s.decorate(&note)
		hits = append(hits, Hit{ID: id, Distance: result.Distance, Location: note.Location, Metadata: note.Metadata})
	}
	return hits
}

// Promote moves a note to long-term storage and refreshes its index entry.
func (s *Service) Promote(ctx context.Context, rawID string) (notes.Note, error) {
	id, err := parseID(opPromote, rawID)
	if err != nil {
		return notes.Note{}, err
	}
	if err := s.notes.Promote(ctx, id); err != nil {
		return notes.Note{}, err
	}
	note, err := s.notes.Read(ctx, id)
	if err != nil {
		return notes.Note{}, err
	}
	if err := s.index.Upsert(ctx, indexDocument(note)); err != nil {
		s.logError(opPromote, "index_upsert_failed", err, zap.String("note_id", id.String()))
	}
	s.decorate(&note)
	s.publish(EventPromoted, id)
	return note, nil
}

// Reindex recomputes the index entry for one note. A missing note removes
// its entry.
func (s *Service) Reindex(ctx context.Context, id notes.NoteID) error {
	note, err := s.notes.Read(ctx, id)
	if err != nil {
		if errors.Is(err, notes.ErrNotFound) || errors.Is(err, notes.ErrCorruptDocument) {
			if deleteErr := s.index.Delete(ctx, id.String()); deleteErr != nil {
				return notes.NewServiceError(opReindex, "index_delete_failed", deleteErr)
			}
		}
		return err
	}
	if err := s.index.Upsert(ctx, indexDocument(note)); err != nil {
		s.logError(opReindex, "index_upsert_failed", err, zap.String("note_id", id.String()))
		return notes.NewServiceError(opReindex, "index_upsert_failed", err)
	}
	return nil
}

// Forget removes the index entry for id without touching the note store.
func (s *Service) Forget(ctx context.Context, id notes.NoteID) error {
	if err := s.index.Delete(ctx, id.String()); err != nil {
		return notes.NewServiceError(opReindex, "index_delete_failed", err)
	}
	return nil
}

// RebuildOptions tunes Rebuild.
type RebuildOptions struct {
	// PruneAttachments deletes attachment files no note references. It must
	// not run concurrently with file captures.
	PruneAttachments bool
}

// RebuildReport summarizes a rebuild.
type RebuildReport struct {
	Indexed           int      `json:"indexed"`
	Pruned            []string `json:"pruned"`
	Failed            []string `json:"failed"`
	Corrupt           []string `json:"corrupt"`
	PrunedAttachments []string `json:"pruned_attachments"`
}

// Rebuild re-derives the index from the note store: every readable note is
// upserted and entries without a readable note are removed.
func (s *Service) Rebuild(ctx context.Context, options RebuildOptions) (RebuildReport, error) {
	report := RebuildReport{Pruned: []string{}, Failed: []string{}, Corrupt: []string{}, PrunedAttachments: []string{}}
	listing, err := s.notes.List(ctx)
	if err != nil {
		return report, err
	}

	live := make(map[string]struct{}, len(listing.Notes))
	for _, note := range listing.Notes {
		live[note.ID.String()] = struct{}{}
		if err := s.index.Upsert(ctx, indexDocument(note)); err != nil {
			s.logError(opRebuild, "index_upsert_failed", err, zap.String("note_id", note.ID.String()))
			report.Failed = append(report.Failed, note.ID.String())
			continue
		}
		report.Indexed++
	}
	for _, problem := range listing.Problems {
		report.Corrupt = append(report.Corrupt, problem.ID)
	}

	ids, err := s.index.IDs(ctx)
	if err != nil {
		return report, notes.NewServiceError(opRebuild, "index_ids_failed", err)
	}
	for _, id := range ids {
		if _, ok := live[id]; ok {
			continue
		}
		if err := s.index.Delete(ctx, id); err != nil {
			s.logError(opRebuild, "index_delete_failed", err, zap.String("note_id", id))
			report.Failed = append(report.Failed, id)
			continue
		}
		report.Pruned = append(report.Pruned, id)
	}

	if options.PruneAttachments {
		if err := s.pruneAttachments(ctx, listing, &report); err != nil {
			return report, err
		}
	}

	s.logger.Info("index rebuilt",
		zap.Int("indexed", report.Indexed),
		zap.Int("pruned", len(report.Pruned)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("corrupt", len(report.Corrupt)))
	return report, nil
}

func (s *Service) pruneAttachments(ctx context.Context, listing notes.Listing, report *RebuildReport) error {
	if len(listing.Problems) > 0 {
		// A corrupt note may still reference attachments we cannot see.
		s.logger.Warn("skipping attachment pruning while corrupt notes exist", zap.Int("corrupt", len(listing.Problems)))
		return nil
	}
	referenced := make(map[string]struct{})
	for _, note := range listing.Notes {
		for _, name := range note.Metadata.Attachments() {
			referenced[name] = struct{}{}
		}
	}
	names, err := s.attachments.Names(ctx)
	if err != nil {
		return notes.NewServiceError(opRebuild, "attachment_scan_failed", err)
	}
	for _, name := range names {
		if _, ok := referenced[name]; ok {
			continue
		}
		if err := s.attachments.Delete(ctx, name); err != nil {
			s.logError(opRebuild, "attachment_delete_failed", err, zap.String("attachment", name))
			continue
		}
		report.PrunedAttachments = append(report.PrunedAttachments, name)
	}
	return nil
}

// persist creates the note, then indexes it. An index failure leaves the
// note in place and reports Indexed=false.
func (s *Service) persist(ctx context.Context, operation string, meta notes.Metadata, body string) (Captured, error) {
	id, err := s.notes.Create(ctx, meta, body)
	if err != nil {
		s.logError(operation, "create_failed", err)
		return Captured{}, err
	}
	s.publish(EventCreated, id)

	captured := Captured{ID: id, Metadata: meta}
	note := notes.Note{ID: id, Location: notes.LocationInbox, Metadata: meta, Body: body}
	if err := s.index.Upsert(ctx, indexDocument(note)); err != nil {
		s.logger.Warn("note stored but not indexed",
			zap.String("operation", operation),
			zap.String("note_id", id.String()),
			zap.Error(err))
		return captured, nil
	}
	captured.Indexed = true
	return captured, nil
}

func (s *Service) enrich(ctx context.Context, text string) enrichment.Suggestion {
	suggestion, err := s.enricher.Enrich(ctx, text)
	if err != nil {
		s.logger.Warn("enrichment failed, using fallback", zap.Error(err))
		return enrichment.Fallback()
	}
	return enrichment.Normalize(suggestion)
}

func (s *Service) decorate(note *notes.Note) {
	note.Metadata.DownloadURL = ""
	attachments := note.Metadata.Attachments()
	if len(attachments) == 0 {
		return
	}
	note.Metadata.DownloadURL = s.attachments.DownloadURL(attachments[0])
}

func (s *Service) publish(eventType EventType, ids ...notes.NoteID) {
	if s.publisher == nil || len(ids) == 0 {
		return
	}
	noteIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		noteIDs = append(noteIDs, id.String())
	}
	s.publisher.Publish(NoteEvent{Type: eventType, NoteIDs: noteIDs, Timestamp: s.clock().UTC()})
}

func (s *Service) timestamp() string {
	return s.clock().UTC().Format(time.RFC3339)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("capture service error", attrs...)
}

// indexDocument projects a note into its search entry. The indexed text is
// derived from title, summary and body only.
func indexDocument(note notes.Note) search.Document {
	text := strings.Join([]string{note.Metadata.Title, note.Metadata.Summary, note.Body}, "\n")
	return search.Document{
		ID:   note.ID.String(),
		Text: text,
		Display: search.Display{
			Title:    note.Metadata.Title,
			Summary:  note.Metadata.Summary,
			Category: note.Metadata.Category,
			Tags:     note.Metadata.Tags,
			Location: string(note.Location),
		},
	}
}

func parseID(operation, raw string) (notes.NoteID, error) {
	id, err := notes.NewNoteID(raw)
	if err != nil {
		return "", notes.NewServiceError(operation, "invalid_note_id", err)
	}
	return id, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
