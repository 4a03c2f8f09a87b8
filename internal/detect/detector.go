// Package detect wraps the external weapon-detection model.
// The model is an opaque capability: given a video path and a confidence
// threshold it yields a lazy sequence of per-frame detections and writes
// annotated video artifacts into a caller-supplied directory.
package detect

import "context"

// Box is a single bounding box reported by the model.
type Box struct {
	Class      int     `json:"cls"`
	Confidence float64 `json:"conf"`
}

// FrameResult is one emission of the detection stream. Index counts
// emissions in order, not physical frames: the model samples every
// Options.FrameStride frames internally, so consumers must not assume
// index continuity equals physical frame continuity.
type FrameResult struct {
	Index int            `json:"index"`
	Boxes []Box          `json:"boxes"`
	Names map[int]string `json:"names"`
}

// Label resolves a box class index to its human-readable label.
// Returns "" for unknown classes.
func (f *FrameResult) Label(b Box) string {
	return f.Names[b.Class]
}

// Options configures a single inference run.
type Options struct {
	// SourcePath is the local video file to run inference on.
	SourcePath string
	// Confidence is the minimum box confidence threshold.
	Confidence float64
	// SaveArtifacts makes the model write an annotated video into ArtifactDir.
	SaveArtifacts bool
	// ArtifactDir is where the model writes its annotated output files.
	ArtifactDir string
	// BatchSize is the inference batch size.
	BatchSize int
	// FrameStride is the model's sampling interval across physical frames.
	FrameStride int
}

// Stream is a lazy, single-pass sequence of frame results.
// It is consumed exactly once, in order, and is not restartable.
// Next returns io.EOF after the final result.
type Stream interface {
	Next() (*FrameResult, error)
	Close() error
}

// Detector runs the detection model over a video.
type Detector interface {
	Detect(ctx context.Context, opts Options) (Stream, error)
}
