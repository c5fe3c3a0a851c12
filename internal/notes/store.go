package notes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var (
	errMissingInboxDir   = errors.New("inbox directory is required")
	errMissingArchiveDir = errors.New("archive directory is required")
	errSameDirectories   = errors.New("inbox and archive directories must differ")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew     = "notes.store.new"
	opCreate       = "notes.create"
	opRead         = "notes.read"
	opList         = "notes.list"
	opUpdate       = "notes.update"
	opDelete       = "notes.delete"
	opPromote      = "notes.promote"
	createAttempts = 5
	documentPerm   = 0o644
	directoryPerm  = 0o755
)

// StoreConfig describes the directories and collaborators of a Store.
type StoreConfig struct {
	InboxDir   string
	ArchiveDir string
	Allocator  IdentityAllocator
	Logger     *zap.Logger
}

// Store keeps one Markdown document per note. Pending and processed notes
// share the inbox; only Promote moves a document to the archive. Both
// directories form one namespace for reads, updates and deletes.
type Store struct {
	inboxDir   string
	archiveDir string
	allocator  IdentityAllocator
	logger     *zap.Logger
}

// NewStore validates the configuration and creates missing directories.
func NewStore(cfg StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.InboxDir) == "" {
		return nil, NewServiceError(opStoreNew, "missing_inbox_dir", errMissingInboxDir)
	}
	if strings.TrimSpace(cfg.ArchiveDir) == "" {
		return nil, NewServiceError(opStoreNew, "missing_archive_dir", errMissingArchiveDir)
	}
	if filepath.Clean(cfg.InboxDir) == filepath.Clean(cfg.ArchiveDir) {
		return nil, NewServiceError(opStoreNew, "same_directories", errSameDirectories)
	}
	for _, dir := range []string{cfg.InboxDir, cfg.ArchiveDir} {
		if err := os.MkdirAll(dir, directoryPerm); err != nil {
			return nil, NewServiceError(opStoreNew, "mkdir_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
		}
	}

	allocator := cfg.Allocator
	if allocator == nil {
		allocator = NewTimestampAllocator(nil, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		inboxDir:   cfg.InboxDir,
		archiveDir: cfg.ArchiveDir,
		allocator:  allocator,
		logger:     logger,
	}, nil
}

// Dirs returns the inbox and archive directories.
func (s *Store) Dirs() (inbox string, archive string) {
	return s.inboxDir, s.archiveDir
}

// Create allocates an identity and publishes the encoded document in the
// inbox. The document becomes visible to readers only once fully written.
func (s *Store) Create(ctx context.Context, meta Metadata, body string) (NoteID, error) {
	if err := ctx.Err(); err != nil {
		return "", NewServiceError(opCreate, "canceled", err)
	}
	if meta.Tags == nil {
		meta.Tags = []string{}
	}
	if err := meta.Validate(); err != nil {
		return "", NewServiceError(opCreate, "invalid_metadata", err)
	}
	data, err := Encode(meta, body)
	if err != nil {
		return "", NewServiceError(opCreate, "encode_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := s.allocator.Allocate(string(meta.Type), meta.OriginalFile)
		if err != nil {
			s.logError(opCreate, "allocate_failed", err)
			return "", NewServiceError(opCreate, "allocate_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
		}
		if _, err := os.Stat(s.pathIn(LocationArchive, id)); err == nil {
			continue
		}

		err = writeFileExclusive(s.pathIn(LocationInbox, id), data, documentPerm)
		if errors.Is(err, errDocumentExists) {
			s.logger.Debug("identity collision, reallocating", zap.String("note_id", id.String()))
			continue
		}
		if err != nil {
			s.logError(opCreate, "write_failed", err, zap.String("note_id", id.String()))
			return "", NewServiceError(opCreate, "write_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
		}
		return id, nil
	}

	return "", NewServiceError(opCreate, "identity_exhausted", fmt.Errorf("%w: no free identity after %d attempts", ErrWriteFailure, createAttempts))
}

// Read returns the decoded note for id from whichever location holds it.
func (s *Store) Read(ctx context.Context, id NoteID) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, NewServiceError(opRead, "canceled", err)
	}
	location, err := s.locate(id)
	if err != nil {
		return Note{}, NewServiceError(opRead, reasonFor(err), err)
	}
	note, err := s.readAt(id, location)
	if err != nil {
		return Note{}, NewServiceError(opRead, reasonFor(err), err)
	}
	return note, nil
}

// ListProblem reports a document that could not be decoded during List.
type ListProblem struct {
	ID       string   `json:"filename"`
	Location Location `json:"location"`
	Err      error    `json:"-"`
	Message  string   `json:"error"`
}

// Listing is the result of enumerating every document.
type Listing struct {
	Notes    []Note
	Problems []ListProblem
}

// List decodes every document in both locations, newest first. A damaged
// document is reported in Problems and never aborts the enumeration.
func (s *Store) List(ctx context.Context) (Listing, error) {
	listing := Listing{Notes: []Note{}}
	for _, location := range []Location{LocationInbox, LocationArchive} {
		entries, err := os.ReadDir(s.dirFor(location))
		if err != nil {
			s.logError(opList, "read_dir_failed", err, zap.String("location", string(location)))
			return Listing{}, NewServiceError(opList, "read_dir_failed", err)
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return Listing{}, NewServiceError(opList, "canceled", err)
			}
			name := entry.Name()
			if entry.IsDir() || isTempFile(name) || filepath.Ext(name) != DocumentExtension {
				continue
			}
			id, err := NewNoteID(name)
			if err != nil {
				continue
			}
			note, err := s.readAt(id, location)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				s.logger.Warn("skipping unreadable note",
					zap.String("note_id", name),
					zap.String("location", string(location)),
					zap.Error(err))
				listing.Problems = append(listing.Problems, ListProblem{
					ID:       name,
					Location: location,
					Err:      err,
					Message:  err.Error(),
				})
				continue
			}
			listing.Notes = append(listing.Notes, note)
		}
	}

	sort.SliceStable(listing.Notes, func(i, j int) bool {
		left, right := listing.Notes[i], listing.Notes[j]
		if left.Metadata.Date != right.Metadata.Date {
			return left.Metadata.Date > right.Metadata.Date
		}
		return left.ID > right.ID
	})
	return listing, nil
}

// Update applies mutate to the stored metadata and rewrites the document in
// place. The body and every field mutate leaves alone are preserved.
func (s *Store) Update(ctx context.Context, id NoteID, mutate func(*Metadata) error) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, NewServiceError(opUpdate, "canceled", err)
	}
	location, err := s.locate(id)
	if err != nil {
		return Note{}, NewServiceError(opUpdate, reasonFor(err), err)
	}
	note, err := s.readAt(id, location)
	if err != nil {
		return Note{}, NewServiceError(opUpdate, reasonFor(err), err)
	}

	if err := mutate(&note.Metadata); err != nil {
		return Note{}, NewServiceError(opUpdate, reasonFor(err), err)
	}
	if err := note.Metadata.Validate(); err != nil {
		return Note{}, NewServiceError(opUpdate, "invalid_metadata", err)
	}
	data, err := Encode(note.Metadata, note.Body)
	if err != nil {
		return Note{}, NewServiceError(opUpdate, "encode_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
	}
	if err := writeFileAtomic(s.pathIn(location, id), data, documentPerm); err != nil {
		s.logError(opUpdate, "write_failed", err, zap.String("note_id", id.String()))
		return Note{}, NewServiceError(opUpdate, "write_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
	}
	return note, nil
}

// Delete removes the document and returns the attachment names it referenced.
// A document whose metadata cannot be decoded is still removed; it frees no
// attachments because none can be discovered.
func (s *Store) Delete(ctx context.Context, id NoteID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewServiceError(opDelete, "canceled", err)
	}
	location, err := s.locate(id)
	if err != nil {
		return nil, NewServiceError(opDelete, reasonFor(err), err)
	}

	freed := []string{}
	note, err := s.readAt(id, location)
	switch {
	case err == nil:
		freed = note.Metadata.Attachments()
	case errors.Is(err, ErrCorruptDocument):
		s.logger.Warn("deleting corrupt note without attachment cleanup",
			zap.String("note_id", id.String()), zap.Error(err))
	default:
		return nil, NewServiceError(opDelete, reasonFor(err), err)
	}

	if err := os.Remove(s.pathIn(location, id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewServiceError(opDelete, "not_found", fmt.Errorf("%w: %s", ErrNotFound, id))
		}
		s.logError(opDelete, "remove_failed", err, zap.String("note_id", id.String()))
		return nil, NewServiceError(opDelete, "remove_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
	}
	return freed, nil
}

// Promote moves a note from the inbox to the archive. The move is one-way;
// promoting an archived note is a no-op.
func (s *Store) Promote(ctx context.Context, id NoteID) error {
	if err := ctx.Err(); err != nil {
		return NewServiceError(opPromote, "canceled", err)
	}
	location, err := s.locate(id)
	if err != nil {
		return NewServiceError(opPromote, reasonFor(err), err)
	}
	if location == LocationArchive {
		return nil
	}
	if err := os.Rename(s.pathIn(LocationInbox, id), s.pathIn(LocationArchive, id)); err != nil {
		s.logError(opPromote, "rename_failed", err, zap.String("note_id", id.String()))
		return NewServiceError(opPromote, "rename_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
	}
	return nil
}

// AttachmentReferences counts how many readable notes reference each
// attachment. Unreadable lists documents whose references are unknown.
type AttachmentReferences struct {
	Counts     map[string]int
	Unreadable []string
}

// Complete reports whether every document contributed to Counts.
func (r AttachmentReferences) Complete() bool {
	return len(r.Unreadable) == 0
}

// ReferencedAttachments scans both locations for attachment references.
func (s *Store) ReferencedAttachments(ctx context.Context) (AttachmentReferences, error) {
	listing, err := s.List(ctx)
	if err != nil {
		return AttachmentReferences{}, err
	}
	references := AttachmentReferences{Counts: make(map[string]int)}
	for _, note := range listing.Notes {
		for _, name := range note.Metadata.Attachments() {
			references.Counts[name]++
		}
	}
	for _, problem := range listing.Problems {
		references.Unreadable = append(references.Unreadable, problem.ID)
	}
	return references, nil
}

func (s *Store) locate(id NoteID) (Location, error) {
	if _, err := NewNoteID(id.String()); err != nil {
		return "", err
	}
	for _, location := range []Location{LocationInbox, LocationArchive} {
		info, err := os.Stat(s.pathIn(location, id))
		if err == nil && !info.IsDir() {
			return location, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Store) readAt(id NoteID, location Location) (Note, error) {
	data, err := os.ReadFile(s.pathIn(location, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Note{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Note{}, err
	}
	meta, body, err := Decode(data)
	if err != nil {
		return Note{}, fmt.Errorf("%s: %w", id, err)
	}
	return Note{ID: id, Location: location, Metadata: meta, Body: body}, nil
}

func (s *Store) dirFor(location Location) string {
	if location == LocationArchive {
		return s.archiveDir
	}
	return s.inboxDir
}

func (s *Store) pathIn(location Location, id NoteID) string {
	return filepath.Join(s.dirFor(location), id.String())
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidNoteID):
		return "invalid_note_id"
	case errors.Is(err, ErrInvalidPatch):
		return "invalid_patch"
	case errors.Is(err, ErrInvalidMetadata):
		return "invalid_metadata"
	case errors.Is(err, ErrCorruptDocument):
		return "corrupt_document"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "io_failed"
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes store error", attrs...)
}
