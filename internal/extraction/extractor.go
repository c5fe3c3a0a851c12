package extraction

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// MaxPlainTextBytes bounds how much of a text attachment is read.
const MaxPlainTextBytes = 1 << 20

const pdfMIME = "application/pdf"

// Extractor turns an attachment into indexable text. ok is false when the
// format is not supported; err reports a supported format that failed.
type Extractor interface {
	Extract(ctx context.Context, path string, filename string) (text string, ok bool, err error)
}

// PlainText reads text/* attachments.
type PlainText struct{}

func (PlainText) Extract(ctx context.Context, path string, _ string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "", false, fmt.Errorf("detect type: %w", err)
	}
	if !isText(detected) {
		return "", false, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("open attachment: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxPlainTextBytes))
	if err != nil {
		return "", false, fmt.Errorf("read attachment: %w", err)
	}
	text := strings.ToValidUTF8(string(data), string(utf8.RuneError))
	if strings.TrimSpace(text) == "" {
		return "", false, nil
	}
	return text, true, nil
}

func isText(detected *mimetype.MIME) bool {
	for current := detected; current != nil; current = current.Parent() {
		if strings.HasPrefix(current.String(), "text/") {
			return true
		}
	}
	return false
}

// PDFText reads the text layer of PDF attachments. A PDF without one, such as
// a scan, is reported as unsupported.
type PDFText struct{}

func (PDFText) Extract(ctx context.Context, path string, filename string) (text string, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "", false, fmt.Errorf("detect type: %w", err)
	}
	if !detected.Is(pdfMIME) {
		return "", false, nil
	}

	// The parser panics on some malformed cross reference tables.
	defer func() {
		if recovered := recover(); recovered != nil {
			text, ok, err = "", true, fmt.Errorf("parse pdf %s: %v", filename, recovered)
		}
	}()

	file, reader, err := pdf.Open(path)
	if file != nil {
		defer file.Close()
	}
	if err != nil {
		return "", true, fmt.Errorf("open pdf %s: %w", filename, err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", true, fmt.Errorf("read pdf text %s: %w", filename, err)
	}
	data, err := io.ReadAll(io.LimitReader(plain, MaxPlainTextBytes))
	if err != nil {
		return "", true, fmt.Errorf("read pdf text %s: %w", filename, err)
	}
	extracted := strings.TrimSpace(strings.ToValidUTF8(string(data), string(utf8.RuneError)))
	if extracted == "" {
		return "", false, nil
	}
	return extracted, true, nil
}

// Transcriber converts audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// AudioTranscriber sends audio/* attachments to a transcription model.
type AudioTranscriber struct {
	transcriber Transcriber
}

// NewAudioTranscriber wraps a transcription client.
func NewAudioTranscriber(transcriber Transcriber) *AudioTranscriber {
	return &AudioTranscriber{transcriber: transcriber}
}

func (a *AudioTranscriber) Extract(ctx context.Context, path string, filename string) (string, bool, error) {
	if a == nil || a.transcriber == nil {
		return "", false, nil
	}
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "", false, fmt.Errorf("detect type: %w", err)
	}
	if !strings.HasPrefix(detected.String(), "audio/") {
		return "", false, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("open attachment: %w", err)
	}
	defer file.Close()

	text, err := a.transcriber.Transcribe(ctx, filename, file)
	if err != nil {
		return "", true, fmt.Errorf("transcribe %s: %w", filename, err)
	}
	return text, true, nil
}

// Chain tries each extractor in order; the first that supports the format wins.
type Chain struct {
	extractors []Extractor
	logger     *zap.Logger
}

// NewChain builds a Chain. Nil extractors are skipped.
func NewChain(logger *zap.Logger, extractors ...Extractor) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	filtered := make([]Extractor, 0, len(extractors))
	for _, extractor := range extractors {
		if extractor != nil {
			filtered = append(filtered, extractor)
		}
	}
	return &Chain{extractors: filtered, logger: logger}
}

func (c *Chain) Extract(ctx context.Context, path string, filename string) (string, bool, error) {
	for _, extractor := range c.extractors {
		text, ok, err := extractor.Extract(ctx, path, filename)
		if err != nil {
			c.logger.Warn("attachment extraction failed",
				zap.String("attachment", filename),
				zap.Error(err))
			return "", ok, err
		}
		if ok {
			return text, true, nil
		}
	}
	return "", false, nil
}
