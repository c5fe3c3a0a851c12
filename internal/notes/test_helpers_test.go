package notes

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func newTestStore(t *testing.T, allocator IdentityAllocator) *Store {
	t.Helper()
	root := t.TempDir()
	store, err := NewStore(StoreConfig{
		InboxDir:   filepath.Join(root, "inbox"),
		ArchiveDir: filepath.Join(root, "permanent_notes"),
		Allocator:  allocator,
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func sampleMetadata(title string) Metadata {
	return Metadata{
		Title:    title,
		Date:     "2026-03-01 09:30:00",
		Source:   "web",
		Type:     NoteTypeText,
		Status:   StatusPending,
		Category: "Ideas",
		Tags:     []string{"groceries"},
		Summary:  "short summary",
	}
}

func mustCreate(t *testing.T, store *Store, meta Metadata, body string) NoteID {
	t.Helper()
	id, err := store.Create(context.Background(), meta, body)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return id
}

type sequenceSuffixProvider struct {
	mu     sync.Mutex
	values []string
	next   int
}

func (p *sequenceSuffixProvider) NewSuffix() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value := fmt.Sprintf("s%07d", p.next)
	if p.next < len(p.values) {
		value = p.values[p.next]
	}
	p.next++
	return value, nil
}

func fixedClock(moment time.Time) func() time.Time {
	return func() time.Time {
		return moment
	}
}
