package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

	// Lines larger than this abort the stream; a single frame result
	// should never come close.
	maxLineBytes = 1024 * 1024
)

// Config holds the subprocess detector's configuration.
type Config struct {
	PythonPath string        // path to python binary; empty = auto-detect
	ModuleName string        // default "vigil_detector"
	Timeout    time.Duration // wall-clock limit for a full inference run
	Logger     *slog.Logger
}

// SubprocessDetector executes the Python detection model as a subprocess
// and parses its JSON-lines stdout into a lazy result stream.
type SubprocessDetector struct {
	cfg    Config
	python string // resolved python path
}

// NewSubprocessDetector creates a SubprocessDetector, resolving the Python
// binary path eagerly so a misconfigured host fails at startup.
func NewSubprocessDetector(cfg Config) (*SubprocessDetector, error) {
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}

	cfg.Logger.Info("detector initialised",
		"python", python,
		"module", cfg.ModuleName,
	)

	return &SubprocessDetector{cfg: cfg, python: python}, nil
}

// Detect starts the model subprocess and returns a stream over its
// per-frame results. The subprocess writes one JSON object per line to
// stdout; annotated artifacts go to opts.ArtifactDir.
func (d *SubprocessDetector) Detect(ctx context.Context, opts Options) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)

	args := []string{
		"-m", d.cfg.ModuleName,
		"predict",
		"--source", opts.SourcePath,
		"--conf", strconv.FormatFloat(opts.Confidence, 'f', -1, 64),
		"--batch", strconv.Itoa(opts.BatchSize),
		"--vid-stride", strconv.Itoa(opts.FrameStride),
		"--jsonl",
	}
	if opts.SaveArtifacts {
		args = append(args, "--save", "--project", opts.ArtifactDir)
	}

	cmd := exec.CommandContext(ctx, d.python, args...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cannot open stdout pipe: %w", err)
	}

	d.cfg.Logger.Info("starting inference",
		"source", opts.SourcePath,
		"confidence", opts.Confidence,
		"frame_stride", opts.FrameStride,
	)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("cannot start detector: %w", err)
	}

	return &processStream{
		cmd:     cmd,
		cancel:  cancel,
		scanner: newResultScanner(stdout),
		stderr:  &stderrBuf,
		logger:  d.cfg.Logger,
		start:   time.Now(),
	}, nil
}

// processStream adapts the subprocess stdout into a Stream.
// It is single-pass: once Next returns io.EOF or an error the
// process has been reaped and the stream cannot be reused.
type processStream struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	logger  *slog.Logger
	start   time.Time
	done    bool
}

func (s *processStream) Next() (*FrameResult, error) {
	if s.done {
		return nil, io.EOF
	}

	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			s.finish()
			return nil, fmt.Errorf("reading detector output: %w", err)
		}
		// Clean end of stream; the exit code decides success.
		if err := s.finish(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var fr FrameResult
	if err := json.Unmarshal(s.scanner.Bytes(), &fr); err != nil {
		s.finish()
		return nil, fmt.Errorf("malformed frame result: %w", err)
	}
	return &fr, nil
}

func (s *processStream) Close() error {
	if s.done {
		return nil
	}
	// Abandoning a stream mid-way kills the subprocess.
	s.cancel()
	s.finish()
	return nil
}

// finish reaps the subprocess exactly once and maps a nonzero exit
// code to an error carrying the stderr tail.
func (s *processStream) finish() error {
	s.done = true
	defer s.cancel()

	err := s.cmd.Wait()
	elapsed := time.Since(s.start)

	if err != nil {
		s.logger.Warn("detector exited with error",
			"error", err,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(s.stderr.String(), 512),
		)
		return fmt.Errorf("detector failed: %w: %s", err, truncate(s.stderr.String(), 512))
	}

	s.logger.Info("inference complete", "duration_ms", elapsed.Milliseconds())
	return nil
}

func newResultScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return sc
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
