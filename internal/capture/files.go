package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/attachments"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/enrichment"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/notes"
	"go.uber.org/zap"
)

// FileInput is one uploaded attachment. Encoded is a base64 payload,
// optionally wrapped as a data URI; it is used when Data is nil.
type FileInput struct {
	Name    string
	Data    []byte
	Encoded string
}

// FileCapture submits attachments. Category, Tags and Summary are the
// defaults kept when an attachment's format yields no text. Collection binds
// every attachment to a single note.
type FileCapture struct {
	Files      []FileInput
	Title      string
	Source     string
	Content    string
	Category   string
	Tags       []string
	Summary    string
	Collection bool
}

type savedAttachment struct {
	name      string
	text      string
	extracted bool
	audio     bool
}

// CaptureFiles saves every attachment, then builds one note per attachment,
// or one collection note referencing all of them. Payloads are decoded before
// anything is written so a malformed upload stores nothing.
func (s *Service) CaptureFiles(ctx context.Context, request FileCapture) ([]Captured, error) {
	if len(request.Files) == 0 {
		return nil, notes.NewServiceError(opCaptureFiles, "no_files", fmt.Errorf("%w: at least one file is required", ErrInvalidRequest))
	}

	payloads, names, err := decodeInputs(request.Files)
	if err != nil {
		return nil, notes.NewServiceError(opCaptureFiles, "invalid_file", err)
	}

	saved := make([]savedAttachment, 0, len(names))
	for index, name := range names {
		storedName, err := s.attachments.Save(ctx, name, payloads[index])
		if err != nil {
			s.logError(opCaptureFiles, "attachment_save_failed", err, zap.String("attachment", name))
			return nil, notes.NewServiceError(opCaptureFiles, "attachment_save_failed", fmt.Errorf("%w: %v", notes.ErrWriteFailure, err))
		}
		saved = append(saved, s.inspect(ctx, storedName))
	}

	if request.Collection {
		captured, err := s.captureCollection(ctx, request, saved)
		if err != nil {
			return nil, err
		}
		return []Captured{captured}, nil
	}

	results := make([]Captured, 0, len(saved))
	for _, attachment := range saved {
		captured, err := s.captureAttachment(ctx, request, attachment, len(saved) == 1)
		if err != nil {
			return results, err
		}
		results = append(results, captured)
	}
	return results, nil
}

func (s *Service) captureAttachment(ctx context.Context, request FileCapture, attachment savedAttachment, single bool) (Captured, error) {
	suggestion := s.fileSuggestion(ctx, request, attachment.text, attachment.extracted)

	noteType := notes.NoteTypeFile
	if attachment.audio {
		noteType = notes.NoteTypeAudio
	}
	title := attachment.name
	if single {
		title = firstNonEmpty(request.Title, attachment.name)
	}

	meta := notes.Metadata{
		Title:        title,
		Date:         s.timestamp(),
		Source:       strings.TrimSpace(request.Source),
		Type:         noteType,
		Status:       notes.StatusPending,
		Category:     suggestion.Category,
		Tags:         suggestion.Tags,
		Summary:      suggestion.Summary,
		OriginalFile: attachment.name,
	}
	body := notes.ComposeBody(meta.Summary, attachmentContent(request.Content, []savedAttachment{attachment}))

	captured, err := s.persist(ctx, opCaptureFiles, meta, body)
	if err != nil {
		return Captured{}, err
	}
	captured.Proposal = suggestion
	captured.Metadata.DownloadURL = s.attachments.DownloadURL(attachment.name)
	return captured, nil
}

func (s *Service) captureCollection(ctx context.Context, request FileCapture, saved []savedAttachment) (Captured, error) {
	var texts []string
	names := make([]string, 0, len(saved))
	for _, attachment := range saved {
		names = append(names, attachment.name)
		if attachment.extracted {
			texts = append(texts, attachment.text)
		}
	}
	suggestion := s.fileSuggestion(ctx, request, strings.Join(texts, "\n\n"), len(texts) > 0)

	meta := notes.Metadata{
		Title:         firstNonEmpty(request.Title, fmt.Sprintf("Collection of %d files", len(saved))),
		Date:          s.timestamp(),
		Source:        strings.TrimSpace(request.Source),
		Type:          notes.NoteTypeCollection,
		Status:        notes.StatusPending,
		Category:      suggestion.Category,
		Tags:          suggestion.Tags,
		Summary:       suggestion.Summary,
		AttachedFiles: names,
	}
	body := notes.ComposeBody(meta.Summary, attachmentContent(request.Content, saved))

	captured, err := s.persist(ctx, opCaptureFiles, meta, body)
	if err != nil {
		return Captured{}, err
	}
	captured.Proposal = suggestion
	if len(names) > 0 {
		captured.Metadata.DownloadURL = s.attachments.DownloadURL(names[0])
	}
	return captured, nil
}

// fileSuggestion enriches extracted text; unsupported formats keep the
// caller's defaults with the unprocessed-attachment summary.
func (s *Service) fileSuggestion(ctx context.Context, request FileCapture, text string, extracted bool) enrichment.Suggestion {
	if extracted && strings.TrimSpace(text) != "" {
		return s.enrich(ctx, text)
	}
	tags := notes.NormalizeTags(request.Tags)
	return enrichment.Suggestion{
		Category: firstNonEmpty(request.Category, defaultFileCategory),
		Tags:     tags,
		Summary:  firstNonEmpty(request.Summary, UnprocessedAttachmentSummary),
	}
}

// inspect sniffs the stored attachment and runs extraction. Extraction
// failures degrade to "unsupported".
func (s *Service) inspect(ctx context.Context, name string) savedAttachment {
	attachment := savedAttachment{name: name}
	if detected, err := s.attachments.DetectType(name); err == nil {
		attachment.audio = strings.HasPrefix(detected.String(), "audio/")
	}
	text, ok, err := s.extractor.Extract(ctx, s.attachments.Path(name), name)
	if err != nil {
		s.logger.Warn("attachment extraction failed, keeping defaults",
			zap.String("attachment", name), zap.Error(err))
		return attachment
	}
	attachment.text = text
	attachment.extracted = ok && strings.TrimSpace(text) != ""
	return attachment
}

func attachmentContent(content string, saved []savedAttachment) string {
	var builder strings.Builder
	if trimmed := strings.TrimSpace(content); trimmed != "" {
		builder.WriteString(trimmed)
		builder.WriteString("\n\n")
	}
	for _, attachment := range saved {
		builder.WriteString("Attachment: ")
		builder.WriteString(attachment.name)
		builder.WriteString("\n")
		if attachment.extracted {
			builder.WriteString("\n")
			builder.WriteString(attachment.text)
			if !strings.HasSuffix(attachment.text, "\n") {
				builder.WriteString("\n")
			}
		}
	}
	return builder.String()
}

// decodeInputs validates and decodes every upload and assigns each a name
// unique within the batch: a repeated name becomes "name-2.ext", "name-3.ext".
func decodeInputs(inputs []FileInput) ([][]byte, []string, error) {
	payloads := make([][]byte, 0, len(inputs))
	names := make([]string, 0, len(inputs))
	used := make(map[string]struct{}, len(inputs))

	for _, input := range inputs {
		name, err := attachments.SanitizeName(input.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		data := input.Data
		if data == nil {
			if strings.TrimSpace(input.Encoded) == "" {
				return nil, nil, fmt.Errorf("%w: %s has no content", ErrInvalidRequest, name)
			}
			data, err = attachments.DecodePayload(input.Encoded)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
		}

		unique := name
		extension := filepath.Ext(name)
		stem := strings.TrimSuffix(name, extension)
		for counter := 2; ; counter++ {
			if _, taken := used[strings.ToLower(unique)]; !taken {
				break
			}
			unique = stem + "-" + strconv.Itoa(counter) + extension
		}
		used[strings.ToLower(unique)] = struct{}{}

		payloads = append(payloads, data)
		names = append(names, unique)
	}
	return payloads, names, nil
}
