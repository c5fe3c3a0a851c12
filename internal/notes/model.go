package notes

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxIdentifierLength = 190
	// DocumentExtension is the filename suffix shared by every note document.
	DocumentExtension = ".md"
)

var noteIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// NoteID is a validated, filesystem-safe document filename.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	if !noteIDPattern.MatchString(trimmed) || strings.Contains(trimmed, "..") {
		return "", fmt.Errorf("%w: %q is not a safe filename", ErrInvalidNoteID, trimmed)
	}
	if !strings.HasSuffix(trimmed, DocumentExtension) {
		return "", fmt.Errorf("%w: %q must end with %s", ErrInvalidNoteID, trimmed, DocumentExtension)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying filename.
func (id NoteID) String() string {
	return string(id)
}

// NoteType enumerates the kinds of capture.
type NoteType string

const (
	NoteTypeText       NoteType = "text"
	NoteTypeLink       NoteType = "link"
	NoteTypeFile       NoteType = "file"
	NoteTypeAudio      NoteType = "audio"
	NoteTypeCollection NoteType = "collection"
	NoteTypeGeneric    NoteType = "generic"
)

// ParseNoteType normalizes client input. The browser extension sends "idea"
// for quick notes; it is stored as text.
func ParseNoteType(raw string) (NoteType, error) {
	switch value := NoteType(strings.ToLower(strings.TrimSpace(raw))); value {
	case NoteTypeText, NoteTypeLink, NoteTypeFile, NoteTypeAudio, NoteTypeCollection, NoteTypeGeneric:
		return value, nil
	case "idea", "note":
		return NoteTypeText, nil
	case "":
		return NoteTypeGeneric, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidMetadata, raw)
	}
}

// NoteStatus tracks the pending → processed lifecycle.
type NoteStatus string

const (
	StatusPending   NoteStatus = "pending"
	StatusProcessed NoteStatus = "processed"
)

// ParseNoteStatus validates a status value.
func ParseNoteStatus(raw string) (NoteStatus, error) {
	switch value := NoteStatus(strings.ToLower(strings.TrimSpace(raw))); value {
	case StatusPending, StatusProcessed:
		return value, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidMetadata, raw)
	}
}

// Metadata is the frontmatter record of a note. Unknown keys survive a
// read/write cycle through Extra.
type Metadata struct {
	Title         string         `yaml:"title" json:"title"`
	Date          string         `yaml:"date" json:"date"`
	Source        string         `yaml:"source" json:"source"`
	Type          NoteType       `yaml:"type" json:"type"`
	Status        NoteStatus     `yaml:"status" json:"status"`
	Category      string         `yaml:"category" json:"category"`
	Tags          []string       `yaml:"tags" json:"tags"`
	Summary       string         `yaml:"summary" json:"summary"`
	OriginalFile  string         `yaml:"original_file,omitempty" json:"original_file,omitempty"`
	AttachedFiles []string       `yaml:"attached_files,omitempty" json:"attached_files,omitempty"`
	Extra         map[string]any `yaml:",inline" json:"extra,omitempty"`

	// DownloadURL is resolved at listing time and never persisted.
	DownloadURL string `yaml:"-" json:"download_url,omitempty"`
}

// Validate rejects metadata missing required fields or carrying unknown enums.
func (m Metadata) Validate() error {
	var missing []string
	if strings.TrimSpace(m.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(m.Date) == "" {
		missing = append(missing, "date")
	}
	if m.Type == "" {
		missing = append(missing, "type")
	}
	if m.Status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMetadata, strings.Join(missing, ", "))
	}
	if _, err := ParseNoteType(string(m.Type)); err != nil {
		return err
	}
	if _, err := ParseNoteStatus(string(m.Status)); err != nil {
		return err
	}
	return nil
}

// Attachments returns the union of original_file and attached_files with
// duplicates removed, in first-seen order.
func (m Metadata) Attachments() []string {
	seen := make(map[string]struct{}, len(m.AttachedFiles)+1)
	names := make([]string, 0, len(m.AttachedFiles)+1)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	add(m.OriginalFile)
	for _, name := range m.AttachedFiles {
		add(name)
	}
	return names
}

// Note is a decoded document together with its identity and location.
type Note struct {
	ID       NoteID   `json:"filename"`
	Location Location `json:"location"`
	Metadata Metadata `json:"metadata"`
	Body     string   `json:"body"`
}

// Location names the directory a note currently lives in.
type Location string

const (
	LocationInbox   Location = "inbox"
	LocationArchive Location = "archive"
)

// Patch is the field-level mutation accepted by Update.
type Patch struct {
	Category *string
	Tags     []string
	Status   *NoteStatus
	Action   string
}

// ActionValidate forces status to processed without relocating the note.
const ActionValidate = "validate"

// Apply mutates metadata in place. Nil fields are left untouched.
func (p Patch) Apply(meta *Metadata) error {
	if p.Category != nil {
		meta.Category = strings.TrimSpace(*p.Category)
	}
	if p.Tags != nil {
		meta.Tags = NormalizeTags(p.Tags)
	}
	if p.Status != nil {
		status, err := ParseNoteStatus(string(*p.Status))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		meta.Status = status
	}
	switch strings.ToLower(strings.TrimSpace(p.Action)) {
	case "":
	case ActionValidate:
		meta.Status = StatusProcessed
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidPatch, p.Action)
	}
	return nil
}

// NormalizeTags lowercases, trims and deduplicates tags. The result is never nil.
func NormalizeTags(tags []string) []string {
	normalized := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		value := strings.ToLower(strings.TrimSpace(tag))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}
	return normalized
}
