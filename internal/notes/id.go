package notes

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	identityTimeLayout = "20060102_150405"
	maxQualifierLength = 48
	suffixLength       = 8
)

var qualifierUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// IdentityAllocator issues unique note identities.
type IdentityAllocator interface {
	Allocate(typeTag string, qualifier string) (NoteID, error)
}

// SuffixProvider returns a short random token appended to each identity.
type SuffixProvider interface {
	NewSuffix() (string, error)
}

type uuidSuffixProvider struct{}

// NewUUIDSuffixProvider draws suffixes from the random tail of a UUIDv7.
func NewUUIDSuffixProvider() SuffixProvider {
	return &uuidSuffixProvider{}
}

func (p *uuidSuffixProvider) NewSuffix() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	hex := strings.ReplaceAll(value.String(), "-", "")
	return hex[len(hex)-suffixLength:], nil
}

// TimestampAllocator builds `<type>_<YYYYMMDD_HHMMSS>[_<qualifier>]_<suffix>.md`.
// Captures of the same type within one second differ only by suffix.
type TimestampAllocator struct {
	clock  func() time.Time
	suffix SuffixProvider
}

// NewTimestampAllocator constructs an allocator. Nil arguments fall back to
// time.Now and UUIDv7 suffixes.
func NewTimestampAllocator(clock func() time.Time, suffix SuffixProvider) *TimestampAllocator {
	if clock == nil {
		clock = time.Now
	}
	if suffix == nil {
		suffix = NewUUIDSuffixProvider()
	}
	return &TimestampAllocator{clock: clock, suffix: suffix}
}

// Allocate returns a fresh identity for the type tag, optionally qualified by
// an attachment name.
func (a *TimestampAllocator) Allocate(typeTag string, qualifier string) (NoteID, error) {
	tag := slugify(typeTag)
	if tag == "" {
		tag = "note"
	}
	suffix, err := a.suffix.NewSuffix()
	if err != nil {
		return "", fmt.Errorf("allocate identity: %w", err)
	}

	parts := []string{tag, a.clock().Format(identityTimeLayout)}
	if slug := slugify(strings.TrimSuffix(qualifier, filepath.Ext(qualifier))); slug != "" {
		if len(slug) > maxQualifierLength {
			slug = strings.Trim(slug[:maxQualifierLength], "-")
		}
		parts = append(parts, slug)
	}
	parts = append(parts, suffix)

	return NewNoteID(strings.Join(parts, "_") + DocumentExtension)
}

func slugify(value string) string {
	lowered := strings.ToLower(strings.TrimSpace(value))
	return strings.Trim(qualifierUnsafe.ReplaceAllString(lowered, "-"), "-")
}
