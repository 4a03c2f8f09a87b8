package api

import (
	"time"

	"github.com/vigil/vigil-server/internal/pipeline"
	"github.com/vigil/vigil-server/internal/storage"
	"github.com/vigil/vigil-server/internal/store"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// PredictResponse is the processing result returned to the uploader.
// FrameObjects serializes as the ordered [index, has_weapon, has_knife]
// triples of the detection log.
type PredictResponse struct {
	VideoURL     string                    `json:"video_url"`
	FrameObjects []pipeline.FrameDetection `json:"frame_objects"`
	FPS          int                       `json:"fps"`
}

type VideoURLResponse struct {
	URL           string `json:"url"`
	ExpiresInDays int    `json:"expires_in_days,omitempty"`
}

// VideoEntry is one element of the merged video listing. Rows known to
// the database carry detection metadata; storage-only objects carry
// size and upload time alone.
type VideoEntry struct {
	Filename         string    `json:"filename"`
	Size             int64     `json:"size,omitempty"`
	UploadTime       time.Time `json:"upload_time"`
	Status           string    `json:"status,omitempty"`
	WeaponDetected   bool      `json:"weapon_detected"`
	FPS              int       `json:"fps,omitempty"`
	FrameCount       int       `json:"frame_count,omitempty"`
	OriginalFilename string    `json:"original_filename,omitempty"`
}

type VideosResponse struct {
	Videos []VideoEntry `json:"videos"`
}

type LogsResponse struct {
	Filename string                    `json:"filename"`
	Frames   []pipeline.FrameDetection `json:"frames"`
}

type RenameRequest struct {
	NewName string `json:"new_name"`
}

type RenameResponse struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	Database string `json:"database"`
}

func videoToEntry(v store.Video) VideoEntry {
	return VideoEntry{
		Filename:         v.S3Key,
		UploadTime:       v.UploadTime,
		Status:           v.Status,
		WeaponDetected:   v.WeaponDetected,
		FPS:              v.FPS,
		FrameCount:       v.FrameCount,
		OriginalFilename: v.OriginalFilename,
	}
}

func objectToEntry(o storage.ObjectEntry) VideoEntry {
	return VideoEntry{
		Filename:   o.Filename,
		Size:       o.Size,
		UploadTime: o.UploadTime,
	}
}
