// Package pipeline implements the video detection pipeline: ingest
// validation, stream introspection, model inference, artifact resolution,
// object-storage publish and scratch cleanup.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vigil/vigil-server/internal/detect"
)

const (
	labelWeapon = "weapon"
	labelKnife  = "knife"

	timestampLayout = "20060102_150405"
)

// FrameDetection is one entry of the ordered detection result sequence.
// It serializes as the triple [index, has_weapon, has_knife].
type FrameDetection struct {
	Index     int
	HasWeapon bool
	HasKnife  bool
}

func (f FrameDetection) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{f.Index, f.HasWeapon, f.HasKnife})
}

func (f *FrameDetection) UnmarshalJSON(data []byte) error {
	var triple [3]json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	if err := json.Unmarshal(triple[0], &f.Index); err != nil {
		return err
	}
	if err := json.Unmarshal(triple[1], &f.HasWeapon); err != nil {
		return err
	}
	return json.Unmarshal(triple[2], &f.HasKnife)
}

// Result is the canonical return tuple of a pipeline invocation.
type Result struct {
	// OutputName is the canonical artifact key, always ending in .mp4.
	OutputName string
	// Frames is the ordered detection sequence, one entry per inference
	// emission (not per physical frame; the model strides).
	Frames []FrameDetection
	// FPS as read from the container. Zero propagates; callers decide
	// whether that is malformed.
	FPS int
	// HasDetection is true when any frame had a weapon or knife.
	HasDetection bool
	// LogName is the object key of the JSON detection log.
	LogName string
	// Properties are the probed stream facts, exposed for metadata rows.
	Properties StreamProperties
}

// ArtifactResolver locates and normalizes the model's output artifact
// into a guaranteed local file. See Resolver for the production chain.
type ArtifactResolver interface {
	Resolve(ctx context.Context, predictDir, sourcePath, destPath string) error
}

// ObjectStore is the narrow storage contract the pipeline publishes to.
type ObjectStore interface {
	SaveVideo(ctx context.Context, localPath, key string, metadata map[string]string) error
	SaveLog(ctx context.Context, frames []FrameDetection, key string) error
}

// Processor runs the detection pipeline. All collaborators are injected;
// the processor holds no ambient global state.
type Processor struct {
	detector    detect.Detector
	prober      Prober
	resolver    ArtifactResolver
	store       ObjectStore
	scratchBase string
	batchSize   int
	frameStride int
	logger      *slog.Logger

	// now is swappable for deterministic naming in tests.
	now func() time.Time
}

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Detector    detect.Detector
	Prober      Prober
	Resolver    ArtifactResolver
	Store       ObjectStore
	ScratchBase string
	BatchSize   int
	FrameStride int
	Logger      *slog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		detector:    cfg.Detector,
		prober:      cfg.Prober,
		resolver:    cfg.Resolver,
		store:       cfg.Store,
		scratchBase: cfg.ScratchBase,
		batchSize:   cfg.BatchSize,
		frameStride: cfg.FrameStride,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Process runs the full pipeline over a local video file. The file at
// path is owned by this invocation and is not removed here; the caller
// (route layer) owns its lifecycle.
//
// Steps are strictly sequential: probe, inference, aggregation,
// resolution, publish, cleanup. Failures before inference completes are
// fatal with no partial side effects; resolution and cleanup failures are
// absorbed wherever a safe fallback exists.
func (p *Processor) Process(ctx context.Context, path string, confidence float64, username string) (*Result, error) {
	start := p.now()
	status := "error"
	defer func() {
		processingDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	p.logger.Info("processing video", "path", path, "username", username, "confidence", confidence)

	if err := os.MkdirAll(p.scratchBase, 0755); err != nil {
		processingErrors.WithLabelValues("scratch_dir_failed").Inc()
		return nil, fmt.Errorf("cannot create scratch dir: %w", err)
	}

	if _, err := os.Stat(path); err != nil {
		processingErrors.WithLabelValues("file_not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	}

	props, err := p.prober.Probe(ctx, path)
	if err != nil {
		processingErrors.WithLabelValues("file_open_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	processedPixels.Observe(float64(props.Width * props.Height))
	p.logger.Info("video stream properties",
		"frames", props.TotalFrames, "fps", props.FPS,
		"width", props.Width, "height", props.Height)

	// Each invocation gets its own scratch subdirectory so concurrent
	// uploads cannot clobber each other's model artifacts.
	scratch, err := os.MkdirTemp(p.scratchBase, "run-")
	if err != nil {
		processingErrors.WithLabelValues("scratch_dir_failed").Inc()
		return nil, fmt.Errorf("cannot create invocation scratch dir: %w", err)
	}
	defer p.cleanupScratch(scratch)

	predictDir := filepath.Join(scratch, "predict")

	frames, totals, err := p.runInference(ctx, path, confidence, predictDir)
	if err != nil {
		processingErrors.WithLabelValues("inference_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}

	hasDetection := totals.weapons > 0 || totals.knives > 0
	if totals.weapons > 0 {
		detectedObjects.WithLabelValues(labelWeapon).Add(float64(totals.weapons))
	}
	if totals.knives > 0 {
		detectedObjects.WithLabelValues(labelKnife).Add(float64(totals.knives))
	}
	p.logger.Info("detections aggregated",
		"weapons", totals.weapons, "knives", totals.knives, "frames", len(frames))

	timestamp := p.now().Format(timestampLayout)
	outputName := CanonicalName(username, timestamp, baseName(path))
	finalPath := filepath.Join(scratch, outputName)

	if err := p.resolver.Resolve(ctx, predictDir, path, finalPath); err != nil {
		p.logger.Warn("artifact resolution failed entirely", "error", err)
	}

	// The pipeline never returns a zero-byte or missing artifact: at
	// worst the result is the untouched input under an _empty_result key.
	if !nonEmptyFile(finalPath) {
		p.logger.Warn("resolved artifact missing or empty, degrading to copy of original",
			"path", finalPath)
		outputName = CanonicalName(username, timestamp, "empty_result")
		finalPath = filepath.Join(scratch, outputName)
		if err := copyFile(path, finalPath); err != nil {
			processingErrors.WithLabelValues("artifact_missing").Inc()
			return nil, fmt.Errorf("%w: cannot produce fallback artifact: %v", ErrPublishFailed, err)
		}
	}

	metadata := map[string]string{
		"username":          username,
		"original_filename": filepath.Base(path),
		"fps":               fmt.Sprintf("%d", props.FPS),
		"total_frames":      fmt.Sprintf("%d", props.TotalFrames),
		"width":             fmt.Sprintf("%d", props.Width),
		"height":            fmt.Sprintf("%d", props.Height),
		"processed_date":    p.now().Format(time.RFC3339),
	}

	if err := p.store.SaveVideo(ctx, finalPath, outputName, metadata); err != nil {
		processingErrors.WithLabelValues("publish_failed").Inc()
		return nil, fmt.Errorf("%w: video: %v", ErrPublishFailed, err)
	}

	logName := outputName + ".json"
	if err := p.store.SaveLog(ctx, frames, logName); err != nil {
		processingErrors.WithLabelValues("publish_failed").Inc()
		return nil, fmt.Errorf("%w: detection log: %v", ErrPublishFailed, err)
	}

	status = "success"
	p.logger.Info("video processed", "output", outputName, "has_detection", hasDetection)

	return &Result{
		OutputName:   outputName,
		Frames:       frames,
		FPS:          props.FPS,
		HasDetection: hasDetection,
		LogName:      logName,
		Properties:   *props,
	}, nil
}

type detectionTotals struct {
	weapons int
	knives  int
}

// runInference consumes the model's single-pass stream in emission order.
// Entries are appended exactly as emitted; nothing is dropped or
// duplicated. Any stream error aborts with no partial results.
func (p *Processor) runInference(ctx context.Context, path string, confidence float64, predictDir string) ([]FrameDetection, detectionTotals, error) {
	start := time.Now()

	stream, err := p.detector.Detect(ctx, detect.Options{
		SourcePath:    path,
		Confidence:    confidence,
		SaveArtifacts: true,
		ArtifactDir:   predictDir,
		BatchSize:     p.batchSize,
		FrameStride:   p.frameStride,
	})
	if err != nil {
		return nil, detectionTotals{}, err
	}
	defer stream.Close()

	frames := make([]FrameDetection, 0, 64)
	var totals detectionTotals

	for i := 0; ; i++ {
		fr, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, detectionTotals{}, err
		}

		fd := FrameDetection{Index: i}
		for _, box := range fr.Boxes {
			switch fr.Label(box) {
			case labelWeapon:
				fd.HasWeapon = true
				totals.weapons++
			case labelKnife:
				fd.HasKnife = true
				totals.knives++
			}
		}
		frames = append(frames, fd)
	}

	inferenceDuration.Observe(time.Since(start).Seconds())
	return frames, totals, nil
}

// cleanupScratch removes the invocation's scratch tree. Cleanup never
// raises; failures are logged as a structured event so leaking temp
// files stay observable.
func (p *Processor) cleanupScratch(scratch string) {
	if err := os.RemoveAll(scratch); err != nil {
		p.logger.Warn("scratch cleanup failed, temp files may leak",
			"scratch_dir", scratch, "error", err)
	}
}

// CanonicalName builds the deterministic artifact key
// {username}_{timestamp}_{base}.mp4, always with an .mp4 extension
// regardless of the source container.
func CanonicalName(username, timestamp, base string) string {
	return fmt.Sprintf("%s_%s_%s.mp4", username, timestamp, base)
}
