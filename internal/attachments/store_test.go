package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"testing"
)

func newTestStore(t *testing.T, baseURL string) *Store {
	t.Helper()
	store, err := NewStore(Config{Dir: t.TempDir(), BaseURL: baseURL})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func TestSaveEncodedStripsDataURIPrefix(t *testing.T) {
	store := newTestStore(t, "")
	payload := []byte("%PDF-1.4 fake pdf")
	encoded := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(payload)

	name, err := store.SaveEncoded(context.Background(), "report.pdf", encoded)
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	stored, err := os.ReadFile(store.Path(name))
	if err != nil {
		t.Fatalf("read attachment: %v", err)
	}
	if string(stored) != string(payload) {
		t.Fatalf("expected decoded payload, got %q", stored)
	}

	detected, err := store.DetectType(name)
	if err != nil {
		t.Fatalf("unexpected detect error: %v", err)
	}
	if !detected.Is("application/pdf") {
		t.Fatalf("expected pdf, got %s", detected.String())
	}
}

func TestSaveReducesNamesToBaseName(t *testing.T) {
	store := newTestStore(t, "")
	name, err := store.Save(context.Background(), "../../etc/passwd", []byte("x"))
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if name != "passwd" {
		t.Fatalf("expected base name, got %q", name)
	}

	for _, invalid := range []string{"", "..", "/", ".brain-tmp-x"} {
		if _, err := store.Save(context.Background(), invalid, []byte("x")); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected %q to be rejected, got %v", invalid, err)
		}
	}
}

func TestSaveOverwritesSameName(t *testing.T) {
	store := newTestStore(t, "")
	for _, content := range []string{"first", "second"} {
		if _, err := store.Save(context.Background(), "notes.txt", []byte(content)); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}
	stored, err := os.ReadFile(store.Path("notes.txt"))
	if err != nil {
		t.Fatalf("read attachment: %v", err)
	}
	if string(stored) != "second" {
		t.Fatalf("expected last write to win, got %q", stored)
	}
}

func TestDownloadURLReflectsCurrentDiskState(t *testing.T) {
	store := newTestStore(t, "http://localhost:8000/")
	if _, err := store.Save(context.Background(), "photo one.png", []byte("png")); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	if url := store.DownloadURL("photo one.png"); url != "http://localhost:8000/files/photo%20one.png" {
		t.Fatalf("unexpected url %q", url)
	}
	if err := store.Delete(context.Background(), "photo one.png"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if url := store.DownloadURL("photo one.png"); url != "" {
		t.Fatalf("expected empty url after delete, got %q", url)
	}
	if err := store.Delete(context.Background(), "photo one.png"); err != nil {
		t.Fatalf("expected repeated delete to succeed, got %v", err)
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	if _, err := DecodePayload("data:text/plain,hello"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for non-base64 data URI, got %v", err)
	}
	if _, err := DecodePayload("***"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestNamesSkipsTempFiles(t *testing.T) {
	store := newTestStore(t, "")
	if _, err := store.Save(context.Background(), "kept.txt", []byte("x")); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := os.WriteFile(store.Path(".brain-tmp-123"), []byte("partial"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	names, err := store.Names(context.Background())
	if err != nil {
		t.Fatalf("unexpected names error: %v", err)
	}
	if len(names) != 1 || names[0] != "kept.txt" {
		t.Fatalf("unexpected names %#v", names)
	}
}
