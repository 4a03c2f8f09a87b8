package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// convertibleExtensions are containers the fuzzy branch will try to
// transcode before falling back to a verbatim copy.
var convertibleExtensions = map[string]bool{
	".avi": true,
	".mov": true,
	".mkv": true,
}

// Resolver locates the model's emitted artifact and normalizes it into a
// single file at the destination path. The model's on-disk output naming
// is not perfectly predictable across container formats and versions, so
// an ordered fallback chain trades precision for guaranteed availability
// of a result file.
type Resolver struct {
	conv   Converter
	logger *slog.Logger
}

func NewResolver(conv Converter, logger *slog.Logger) *Resolver {
	return &Resolver{conv: conv, logger: logger}
}

// strategy is one branch of the fallback chain. It attempts to materialize
// a result at destPath and reports whether it produced a non-empty file.
type strategy struct {
	name string
	run  func(ctx context.Context, predictDir, sourcePath, destPath string) bool
}

// Resolve evaluates the chain in order and stops at the first branch that
// yields a non-empty file at destPath. The final branch copies the
// original source, so an error here means even the source was unreadable.
func (r *Resolver) Resolve(ctx context.Context, predictDir, sourcePath, destPath string) error {
	base := baseName(sourcePath)

	chain := []strategy{
		{"exact-mp4", r.exactMP4},
		{"exact-avi", r.exactAVI},
		{"fuzzy-match", r.fuzzyMatch},
		{"copy-original", r.copyOriginal},
	}

	for _, s := range chain {
		if s.run(ctx, predictDir, sourcePath, destPath) && nonEmptyFile(destPath) {
			r.logger.Info("artifact resolved", "strategy", s.name, "base", base)
			return nil
		}
	}

	return fmt.Errorf("no resolution strategy produced an artifact for %s", base)
}

// exactMP4 copies the model's MP4 sibling of the source basename verbatim.
func (r *Resolver) exactMP4(_ context.Context, predictDir, sourcePath, destPath string) bool {
	candidate := filepath.Join(predictDir, baseName(sourcePath)+".mp4")
	if !nonEmptyFile(candidate) {
		return false
	}
	if err := copyFile(candidate, destPath); err != nil {
		r.logger.Warn("copy of exact mp4 artifact failed", "path", candidate, "error", err)
		return false
	}
	return true
}

// exactAVI converts the model's AVI sibling; a conversion failure degrades
// to a verbatim copy (an MP4-named file with AVI bytes, accepted outcome).
func (r *Resolver) exactAVI(ctx context.Context, predictDir, sourcePath, destPath string) bool {
	candidate := filepath.Join(predictDir, baseName(sourcePath)+".avi")
	if !nonEmptyFile(candidate) {
		return false
	}
	return r.convertOrCopy(ctx, candidate, destPath)
}

// fuzzyMatch scans the predict directory for any file whose name contains
// the source basename. First recognized match wins; scanning stops there.
func (r *Resolver) fuzzyMatch(ctx context.Context, predictDir, sourcePath, destPath string) bool {
	entries, err := os.ReadDir(predictDir)
	if err != nil {
		return false
	}

	// Deterministic scan order regardless of filesystem.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	base := baseName(sourcePath)
	for _, name := range names {
		if !strings.Contains(name, base) {
			continue
		}
		candidate := filepath.Join(predictDir, name)
		ext := strings.ToLower(filepath.Ext(name))

		switch {
		case ext == ".mp4":
			r.logger.Info("fuzzy-matched artifact", "file", name)
			if err := copyFile(candidate, destPath); err != nil {
				r.logger.Warn("copy of fuzzy-matched artifact failed", "path", candidate, "error", err)
				return false
			}
			return true
		case convertibleExtensions[ext]:
			r.logger.Info("fuzzy-matched artifact needs conversion", "file", name)
			return r.convertOrCopy(ctx, candidate, destPath)
		}
	}
	return false
}

// copyOriginal is the degraded no-detection-artifact outcome: the result
// is a verbatim copy of the uploaded source. It also recreates the predict
// directory when the model never made one.
func (r *Resolver) copyOriginal(_ context.Context, predictDir, sourcePath, destPath string) bool {
	if _, err := os.Stat(predictDir); os.IsNotExist(err) {
		os.MkdirAll(predictDir, 0755)
	}
	r.logger.Warn("no model artifact found, copying original source", "source", sourcePath)
	if err := copyFile(sourcePath, destPath); err != nil {
		r.logger.Error("copy of original source failed", "error", err)
		return false
	}
	return true
}

// convertOrCopy isolates converter failures: they degrade to a verbatim
// copy rather than escalating out of the chain.
func (r *Resolver) convertOrCopy(ctx context.Context, candidate, destPath string) bool {
	err := r.conv.Convert(ctx, candidate, destPath)
	if err == nil {
		return true
	}
	processingErrors.WithLabelValues("conversion_failed").Inc()
	r.logger.Warn("conversion failed, falling back to verbatim copy",
		"path", candidate, "error", err)

	if err := copyFile(candidate, destPath); err != nil {
		r.logger.Warn("verbatim copy fallback failed", "path", candidate, "error", err)
		return false
	}
	return true
}

// baseName strips directory and extension: /tmp/a/clip.avi -> clip.
func baseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
