package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/attachments"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/capture"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/database"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/notes"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/search"
	"go.uber.org/zap"
)

type testStack struct {
	service     *capture.Service
	attachments *attachments.Store
	dispatcher  *EventDispatcher
	handler     *httpHandler
	inboxDir    string
}

func newTestStack(t *testing.T) testStack {
	t.Helper()
	root := t.TempDir()

	inboxDir := filepath.Join(root, "inbox")
	noteStore, err := notes.NewStore(notes.StoreConfig{
		InboxDir:   inboxDir,
		ArchiveDir: filepath.Join(root, "permanent_notes"),
	})
	if err != nil {
		t.Fatalf("failed to create note store: %v", err)
	}
	attachmentStore, err := attachments.NewStore(attachments.Config{Dir: filepath.Join(root, "attachments")})
	if err != nil {
		t.Fatalf("failed to create attachment store: %v", err)
	}
	db, err := database.OpenSQLite(filepath.Join(root, "index.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open index database: %v", err)
	}
	index, err := search.NewSQLiteIndex(search.Config{Database: db, Embedder: search.NewHashingEmbedder(4096)})
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}

	dispatcher := NewEventDispatcher()
	service, err := capture.NewService(capture.ServiceConfig{
		Notes:       noteStore,
		Attachments: attachmentStore,
		Index:       index,
		Publisher:   dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to create capture service: %v", err)
	}

	return testStack{
		service:     service,
		attachments: attachmentStore,
		dispatcher:  dispatcher,
		inboxDir:    inboxDir,
		handler: &httpHandler{
			capture:     service,
			attachments: attachmentStore,
			realtime:    dispatcher,
			heartbeat:   time.Minute,
			logger:      zap.NewNop(),
		},
	}
}
