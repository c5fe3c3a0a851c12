package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

var (
	// ErrInvalidName indicates an attachment name that cannot be stored safely.
	ErrInvalidName = errors.New("attachments: invalid name")
	// ErrInvalidPayload indicates an encoded payload that failed to decode.
	ErrInvalidPayload = errors.New("attachments: invalid payload")
	// ErrNotFound indicates a missing attachment on read.
	ErrNotFound = errors.New("attachments: not found")

	errMissingDir = errors.New("attachment directory is required")
)

const (
	downloadPrefix = "/files/"
	filePerm       = 0o644
	dirPerm        = 0o755
	dataURIMarker  = ";base64,"
	tempPrefix     = ".brain-tmp-"
)

// Config describes the attachment directory and how download references are built.
type Config struct {
	Dir     string
	BaseURL string
	Logger  *zap.Logger
}

// Store keeps attachment payloads on disk under their original base names.
// Saving an existing name overwrites it.
type Store struct {
	dir     string
	baseURL string
	logger  *zap.Logger
}

// NewStore creates the attachment directory when missing.
func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errMissingDir
	}
	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:     cfg.Dir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
	}, nil
}

// SanitizeName reduces a client supplied name to a safe base name.
func SanitizeName(name string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	base := filepath.Base(normalized)
	switch {
	case base == "", base == ".", base == "..", base == "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(base, tempPrefix):
		return "", fmt.Errorf("%w: %q uses a reserved prefix", ErrInvalidName, name)
	case strings.ContainsRune(base, 0):
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

// Save writes data under the sanitized name and returns that name.
func (s *Store) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	safeName, err := SanitizeName(name)
	if err != nil {
		return "", err
	}

	tmpFile, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp attachment: %w", err)
	}
	tmpName := tmpFile.Name()
	defer os.Remove(tmpName)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("write attachment %s: %w", safeName, err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("close attachment %s: %w", safeName, err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return "", fmt.Errorf("chmod attachment %s: %w", safeName, err)
	}
	if err := os.Rename(tmpName, s.Path(safeName)); err != nil {
		return "", fmt.Errorf("publish attachment %s: %w", safeName, err)
	}

	s.logger.Debug("attachment saved", zap.String("attachment", safeName), zap.Int("bytes", len(data)))
	return safeName, nil
}

// SaveEncoded decodes a base64 payload, optionally wrapped as a data URI,
// and saves it.
func (s *Store) SaveEncoded(ctx context.Context, name string, encoded string) (string, error) {
	data, err := DecodePayload(encoded)
	if err != nil {
		return "", err
	}
	return s.Save(ctx, name, data)
}

// DecodePayload strips a `data:<mime>;base64,` prefix and decodes the rest.
func DecodePayload(encoded string) ([]byte, error) {
	payload := strings.TrimSpace(encoded)
	if strings.HasPrefix(payload, "data:") {
		index := strings.Index(payload, dataURIMarker)
		if index < 0 {
			return nil, fmt.Errorf("%w: data URI is not base64", ErrInvalidPayload)
		}
		payload = payload[index+len(dataURIMarker):]
	}
	payload = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, payload)

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return data, nil
}

// Delete removes an attachment. A missing attachment is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	safeName, err := SanitizeName(name)
	if err != nil {
		return err
	}
	if err := os.Remove(s.Path(safeName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete attachment %s: %w", safeName, err)
	}
	return nil
}

// Names lists stored attachments, skipping in-flight temp files.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// Exists reports whether the attachment is currently on disk.
func (s *Store) Exists(name string) bool {
	safeName, err := SanitizeName(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(s.Path(safeName))
	return err == nil && info.Mode().IsRegular()
}

// DownloadURL returns the reference clients use to fetch the attachment, or
// "" when it no longer exists. The filesystem is consulted on every call.
func (s *Store) DownloadURL(name string) string {
	if !s.Exists(name) {
		return ""
	}
	safeName, _ := SanitizeName(name)
	return s.baseURL + downloadPrefix + url.PathEscape(safeName)
}

// Path returns the on-disk location for a sanitized name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Open opens the attachment for reading.
func (s *Store) Open(name string) (*os.File, error) {
	safeName, err := SanitizeName(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(s.Path(safeName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, safeName)
		}
		return nil, err
	}
	return file, nil
}

// DetectType sniffs the stored payload's media type.
func (s *Store) DetectType(name string) (*mimetype.MIME, error) {
	safeName, err := SanitizeName(name)
	if err != nil {
		return nil, err
	}
	detected, err := mimetype.DetectFile(s.Path(safeName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, safeName)
		}
		return nil, err
	}
	return detected, nil
}
