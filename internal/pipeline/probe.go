package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// StreamProperties holds the container-level facts read once at pipeline
// start. They are authoritative even when zero; fps validation is the
// caller's concern.
type StreamProperties struct {
	TotalFrames int
	FPS         int
	Width       int
	Height      int
}

// Prober reads stream properties from a video container.
type Prober interface {
	Probe(ctx context.Context, path string) (*StreamProperties, error)
}

// FFprobeProber shells out to ffprobe for container introspection.
type FFprobeProber struct {
	ffprobePath string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewFFprobeProber resolves the ffprobe binary eagerly.
func NewFFprobeProber(timeout time.Duration, logger *slog.Logger) (*FFprobeProber, error) {
	path, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found on PATH: %w", err)
	}
	return &FFprobeProber{ffprobePath: path, timeout: timeout, logger: logger}, nil
}

type ffprobeOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		FrameRate  string `json:"r_frame_rate"`
		NbPackets  string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Probe returns frame count, fps and dimensions of the first video stream.
// Any ffprobe failure means the container cannot be opened.
func (p *FFprobeProber) Probe(ctx context.Context, path string) (*StreamProperties, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,r_frame_rate,nb_read_packets",
		"-of", "json",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe output: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}

	s := parsed.Streams[0]
	props := &StreamProperties{
		Width:  s.Width,
		Height: s.Height,
		FPS:    parseFrameRate(s.FrameRate),
	}
	props.TotalFrames, _ = strconv.Atoi(s.NbPackets)

	p.logger.Debug("probed video stream",
		"frames", props.TotalFrames,
		"fps", props.FPS,
		"width", props.Width,
		"height", props.Height,
	)
	return props, nil
}

// parseFrameRate converts ffprobe's rational rate ("30000/1001") to a
// truncated integer fps. Returns 0 for malformed or zero-denominator input.
func parseFrameRate(rate string) int {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		f, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return 0
		}
		return int(f)
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return int(n / d)
}
