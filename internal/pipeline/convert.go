package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Converter transcodes a video container to MP4 with fixed codec
// parameters. A failed conversion is an error to the caller, never a
// partial file at outputPath.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string) error
}

// FFmpegConverter shells out to ffmpeg with libx264/aac. It writes through
// a temporary sibling file and renames on success so a crash or codec
// failure never leaves a partial artifact at the destination.
type FFmpegConverter struct {
	ffmpegPath string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewFFmpegConverter resolves the ffmpeg binary eagerly.
func NewFFmpegConverter(timeout time.Duration, logger *slog.Logger) (*FFmpegConverter, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found on PATH: %w", err)
	}
	return &FFmpegConverter{ffmpegPath: path, timeout: timeout, logger: logger}, nil
}

func (c *FFmpegConverter) Convert(ctx context.Context, inputPath, outputPath string) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tmpPath := outputPath + ".converting.mp4"
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-f", "mp4",
		tmpPath,
	)

	c.logger.Info("converting video to mp4", "input", inputPath, "output", outputPath)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg error: %w, output: %s", err, tail(out, 512))
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("cannot move converted file: %w", err)
	}

	conversionDuration.Observe(time.Since(start).Seconds())
	c.logger.Info("conversion complete", "output", outputPath,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
