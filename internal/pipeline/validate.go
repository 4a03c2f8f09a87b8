package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AllowedExtensions is the supported set of upload container extensions.
var AllowedExtensions = map[string]bool{
	".mp4": true,
	".avi": true,
	".mov": true,
	".mkv": true,
}

// ValidateFilename checks that the uploaded filename carries a supported
// container extension (case-insensitive).
func ValidateFilename(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || !AllowedExtensions[ext] {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
	}
	return nil
}

// ValidateStoredFile verifies the persisted temp file after the upload has
// been written to disk. A missing file is a storage write failure; an
// oversized file is removed immediately before the error is returned.
func ValidateStoredFile(path string, maxBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageWriteFailed, path)
	}
	if info.Size() > maxBytes {
		os.Remove(path)
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, info.Size(), maxBytes)
	}
	return nil
}
