package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		filename string
		wantErr  bool
	}{
		{"clip.mp4", false},
		{"clip.avi", false},
		{"clip.mov", false},
		{"clip.mkv", false},
		{"CLIP.MP4", false},
		{"archive.tar.mkv", false},
		{"clip.webm", true},
		{"clip.txt", true},
		{"clip", true},
		{"", true},
	}

	for _, tt := range tests {
		err := ValidateFilename(tt.filename)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateFilename(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("ValidateFilename(%q) error = %v, want ErrUnsupportedFormat", tt.filename, err)
		}
	}
}

func TestValidateStoredFile_Missing(t *testing.T) {
	err := ValidateStoredFile(filepath.Join(t.TempDir(), "nope.mp4"), 1024)
	if !errors.Is(err, ErrStorageWriteFailed) {
		t.Errorf("error = %v, want ErrStorageWriteFailed", err)
	}
}

func TestValidateStoredFile_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.mp4")
	if err := os.WriteFile(path, make([]byte, 2048), 0644); err != nil {
		t.Fatal(err)
	}

	err := ValidateStoredFile(path, 1024)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("error = %v, want ErrFileTooLarge", err)
	}

	// Oversized temp files are removed immediately.
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("oversized file should have been removed")
	}
}

func TestValidateStoredFile_OK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.mp4")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateStoredFile(path, 1024); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
