package pipeline

import "errors"

// Fatal and validation error categories. Resolution, conversion and
// cleanup failures are absorbed internally and never surface as errors.
var (
	// Ingest validation (precondition gate, before the pipeline runs)
	ErrUnsupportedFormat  = errors.New("unsupported video format")
	ErrFileTooLarge       = errors.New("file exceeds maximum upload size")
	ErrStorageWriteFailed = errors.New("temporary file was not written")

	// Pipeline-fatal categories
	ErrSourceNotFound   = errors.New("source video not found")
	ErrSourceUnreadable = errors.New("source video cannot be opened")
	ErrInferenceFailed  = errors.New("model inference failed")
	ErrPublishFailed    = errors.New("upload to object storage failed")
)
