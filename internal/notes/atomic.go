package notes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempFilePrefix marks in-flight writes; listings and watchers skip them.
const TempFilePrefix = ".brain-tmp-"

var errDocumentExists = errors.New("document already exists")

// writeTemp writes data to a synced temp file beside filename and returns its path.
func writeTemp(filename string, data []byte, perm os.FileMode) (string, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(filename), TempFilePrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(name)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	return name, nil
}

// writeFileAtomic replaces filename with data so readers observe either the
// old or the new content, never a partial write.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	tmpName, err := writeTemp(filename, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, filename); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file to %s: %w", filename, err)
	}
	return nil
}

// writeFileExclusive publishes a fully written file under filename and fails
// with errDocumentExists instead of replacing an existing one.
func writeFileExclusive(filename string, data []byte, perm os.FileMode) error {
	tmpName, err := writeTemp(filename, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)

	if err := os.Link(tmpName, filename); err != nil {
		if errors.Is(err, os.ErrExist) {
			return errDocumentExists
		}
		return fmt.Errorf("link temp file to %s: %w", filename, err)
	}
	return nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempFilePrefix)
}
