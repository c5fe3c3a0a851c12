package notes

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Delimiter opens and closes the frontmatter block.
const Delimiter = "---"

// Encode renders metadata as a YAML frontmatter block followed by the body.
//
// Only the first delimiter line after the opening one closes the block, so a
// body containing "---" lines decodes unchanged. A hand-edited document whose
// metadata itself contains a bare "---" line is not supported.
func Encode(meta Metadata, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Delimiter + "\n")
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(meta); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	buf.WriteString(Delimiter + "\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// Decode splits a document into validated metadata and the verbatim body.
func Decode(data []byte) (Metadata, string, error) {
	block, body, err := split(data)
	if err != nil {
		return Metadata{}, "", err
	}

	var meta Metadata
	if err := yaml.Unmarshal(block, &meta); err != nil {
		return Metadata{}, "", fmt.Errorf("%w: parse frontmatter: %v", ErrCorruptDocument, err)
	}
	if meta.Tags == nil {
		meta.Tags = []string{}
	}
	if err := meta.Validate(); err != nil {
		return Metadata{}, "", err
	}
	return meta, body, nil
}

func split(data []byte) ([]byte, string, error) {
	first, rest, ok := cutLine(data)
	if !ok && len(first) == 0 {
		return nil, "", fmt.Errorf("%w: empty document", ErrCorruptDocument)
	}
	if string(first) != Delimiter {
		return nil, "", fmt.Errorf("%w: missing opening delimiter", ErrCorruptDocument)
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: missing closing delimiter", ErrCorruptDocument)
	}

	offset := 0
	for offset <= len(rest) {
		line, remainder, more := cutLine(rest[offset:])
		if string(line) == Delimiter {
			block := rest[:offset]
			if !more {
				return block, "", nil
			}
			return block, string(remainder), nil
		}
		if !more {
			break
		}
		offset = len(rest) - len(remainder)
	}
	return nil, "", fmt.Errorf("%w: missing closing delimiter", ErrCorruptDocument)
}

// cutLine returns the first line without its terminator, the data after the
// terminator, and whether a terminator was found.
func cutLine(data []byte) ([]byte, []byte, bool) {
	index := bytes.IndexByte(data, '\n')
	if index < 0 {
		return bytes.TrimSuffix(data, []byte("\r")), nil, false
	}
	return bytes.TrimSuffix(data[:index], []byte("\r")), data[index+1:], true
}

// ComposeBody renders the human-readable part of a note: a heading derived
// from the summary or title followed by the captured content.
func ComposeBody(heading, content string) string {
	heading = strings.TrimSpace(strings.ReplaceAll(heading, "\n", " "))
	return "\n# " + heading + "\n\n" + content
}
