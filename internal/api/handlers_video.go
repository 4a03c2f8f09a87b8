package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vigil/vigil-server/internal/auth"
	"github.com/vigil/vigil-server/internal/pipeline"
	"github.com/vigil/vigil-server/internal/store"
)

// uploadSlackBytes is extra request-body headroom over the stored-file
// limit, covering multipart framing. The exact limit is enforced on the
// stored file itself.
const uploadSlackBytes = 10 << 20

const maxPresignDays = 7

func predictHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			WriteError(w, http.StatusUnauthorized, "missing credentials", "UNAUTHORIZED")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+uploadSlackBytes)

		file, header, err := r.FormFile("file")
		if err != nil {
			WriteError(w, http.StatusBadRequest, "multipart field 'file' is required", "BAD_REQUEST")
			return
		}
		defer file.Close()

		filename := filepath.Base(header.Filename)
		if err := pipeline.ValidateFilename(filename); err != nil {
			WriteError(w, http.StatusBadRequest, "unsupported video format", "UNSUPPORTED_FORMAT")
			return
		}

		tempPath, err := saveUpload(cfg.UploadDir, filename, file)
		if err != nil {
			cfg.Logger.Error("upload save failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "cannot store upload", "STORAGE_ERROR")
			return
		}
		defer os.Remove(tempPath)

		if err := pipeline.ValidateStoredFile(tempPath, cfg.MaxUploadBytes); err != nil {
			switch {
			case errors.Is(err, pipeline.ErrFileTooLarge):
				WriteError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit", "FILE_TOO_LARGE")
			default:
				cfg.Logger.Error("stored upload vanished", "path", tempPath, "error", err)
				WriteError(w, http.StatusInternalServerError, "cannot store upload", "STORAGE_ERROR")
			}
			return
		}

		result, err := cfg.Processor.Process(r.Context(), tempPath, cfg.Confidence, claims.Username)
		if err != nil {
			writePipelineError(w, cfg, err)
			return
		}

		// A zero frame rate or an empty detection sequence means the
		// container lied about being a playable video.
		if result.FPS == 0 || len(result.Frames) == 0 {
			WriteError(w, http.StatusUnprocessableEntity,
				"video produced no usable detection result", "UNPROCESSABLE_VIDEO")
			return
		}

		videoID, err := cfg.Store.CreateVideo(r.Context(), &store.Video{
			UserID:           claims.UserID,
			S3Key:            result.OutputName,
			Bucket:           cfg.Storage.VideoBucket(),
			Status:           "processed",
			WeaponDetected:   result.HasDetection,
			FPS:              result.FPS,
			FrameCount:       len(result.Frames),
			OriginalFilename: filename,
		})
		if err != nil {
			cfg.Logger.Error("video row insert failed", "key", result.OutputName, "error", err)
			WriteError(w, http.StatusInternalServerError, "cannot record video", "INTERNAL_ERROR")
			return
		}

		if _, err := cfg.Store.CreateDetection(r.Context(), &store.Detection{
			VideoID:      videoID,
			S3Key:        result.LogName,
			Bucket:       cfg.Storage.LogBucket(),
			FrameCount:   len(result.Frames),
			HasDetection: result.HasDetection,
		}); err != nil {
			// The log object itself is published; the row is a pointer.
			cfg.Logger.Warn("detection row insert failed", "key", result.LogName, "error", err)
		}

		cfg.Store.LogActivity(r.Context(), claims.UserID, "predict", &videoID)

		url, err := cfg.Storage.GetPresignedURL(r.Context(), result.OutputName, 0)
		if err != nil {
			cfg.Logger.Error("presign failed after publish", "key", result.OutputName, "error", err)
			WriteError(w, http.StatusBadGateway, "video stored but link generation failed", "STORAGE_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, PredictResponse{
			VideoURL:     url,
			FrameObjects: result.Frames,
			FPS:          result.FPS,
		})
	}
}

func saveUpload(uploadDir, filename string, src io.Reader) (string, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return "", err
	}

	// Random prefix keeps concurrent uploads of the same filename apart.
	path := filepath.Join(uploadDir, uuid.NewString()[:8]+"_"+filename)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	return path, dst.Close()
}

func writePipelineError(w http.ResponseWriter, cfg ServerConfig, err error) {
	switch {
	case errors.Is(err, pipeline.ErrSourceUnreadable):
		WriteError(w, http.StatusUnprocessableEntity, "cannot read video stream", "UNPROCESSABLE_VIDEO")
	case errors.Is(err, pipeline.ErrInferenceFailed):
		cfg.Logger.Error("inference failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "detection failed", "INFERENCE_ERROR")
	case errors.Is(err, pipeline.ErrPublishFailed):
		cfg.Logger.Error("publish failed", "error", err)
		WriteError(w, http.StatusBadGateway, "cannot publish result", "STORAGE_ERROR")
	default:
		cfg.Logger.Error("processing failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "processing failed", "INTERNAL_ERROR")
	}
}

// authorizeOwner enforces the {username}_ key-prefix ownership rule.
func authorizeOwner(w http.ResponseWriter, r *http.Request, filename string) (*auth.Claims, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "missing credentials", "UNAUTHORIZED")
		return nil, false
	}
	if !strings.HasPrefix(filename, claims.Username+"_") {
		WriteError(w, http.StatusForbidden, "not your video", "FORBIDDEN")
		return nil, false
	}
	return claims, true
}

func videoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		if _, ok := authorizeOwner(w, r, filename); !ok {
			return
		}

		if !cfg.Storage.Exists(r.Context(), cfg.Storage.VideoBucket(), filename) {
			WriteError(w, http.StatusNotFound, "video not found", "NOT_FOUND")
			return
		}

		url, err := cfg.Storage.GetPresignedURL(r.Context(), filename, 0)
		if err != nil {
			cfg.Logger.Error("presign failed", "key", filename, "error", err)
			WriteError(w, http.StatusBadGateway, "cannot generate link", "STORAGE_ERROR")
			return
		}

		if r.URL.Query().Get("direct") == "1" {
			http.Redirect(w, r, url, http.StatusFound)
			return
		}
		WriteJSON(w, http.StatusOK, VideoURLResponse{URL: url})
	}
}

func videoURLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		if _, ok := authorizeOwner(w, r, filename); !ok {
			return
		}

		days := maxPresignDays
		if raw := r.URL.Query().Get("expires"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				WriteError(w, http.StatusBadRequest, "expires must be a positive number of days", "BAD_REQUEST")
				return
			}
			days = min(parsed, maxPresignDays)
		}

		if !cfg.Storage.Exists(r.Context(), cfg.Storage.VideoBucket(), filename) {
			WriteError(w, http.StatusNotFound, "video not found", "NOT_FOUND")
			return
		}

		url, err := cfg.Storage.GetPresignedURL(r.Context(), filename, days)
		if err != nil {
			cfg.Logger.Error("presign failed", "key", filename, "error", err)
			WriteError(w, http.StatusBadGateway, "cannot generate link", "STORAGE_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, VideoURLResponse{URL: url, ExpiresInDays: days})
	}
}

func listVideosHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			WriteError(w, http.StatusUnauthorized, "missing credentials", "UNAUTHORIZED")
			return
		}

		rows, err := cfg.Store.ListUserVideos(r.Context(), claims.UserID)
		if err != nil {
			cfg.Logger.Error("video listing failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "cannot list videos", "INTERNAL_ERROR")
			return
		}

		entries := make([]VideoEntry, 0, len(rows))
		byKey := make(map[string]int, len(rows))
		for _, v := range rows {
			byKey[v.S3Key] = len(entries)
			entries = append(entries, videoToEntry(v))
		}

		// Storage is the source of truth for object size, and may hold
		// artifacts the database never recorded.
		objects, err := cfg.Storage.ListUserVideos(r.Context(), claims.Username)
		if err != nil {
			cfg.Logger.Warn("storage listing failed, serving database rows only", "error", err)
		}
		for _, o := range objects {
			if i, seen := byKey[o.Filename]; seen {
				entries[i].Size = o.Size
				continue
			}
			entries = append(entries, objectToEntry(o))
		}

		WriteJSON(w, http.StatusOK, VideosResponse{Videos: entries})
	}
}

func videoLogsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		if _, ok := authorizeOwner(w, r, filename); !ok {
			return
		}

		frames, err := fetchLog(r, cfg, filename)
		if err != nil {
			WriteError(w, http.StatusNotFound, "detection log not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, LogsResponse{Filename: filename, Frames: frames})
	}
}

// fetchLog prefers the bucket and key the detection row recorded at
// publish time, falling back to the conventional {filename}.json key.
func fetchLog(r *http.Request, cfg ServerConfig, filename string) ([]pipeline.FrameDetection, error) {
	ctx := r.Context()

	if video, err := cfg.Store.GetVideoByKey(ctx, filename); err == nil {
		if det, err := cfg.Store.GetDetectionForVideo(ctx, video.ID); err == nil {
			if frames, err := cfg.Storage.GetLogFromBucket(ctx, det.Bucket, det.S3Key); err == nil {
				return frames, nil
			}
		}
	}

	return cfg.Storage.GetLog(ctx, filename+".json")
}

func deleteVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		claims, ok := authorizeOwner(w, r, filename)
		if !ok {
			return
		}

		video, err := cfg.Store.GetVideoByKey(r.Context(), filename)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			cfg.Logger.Error("video lookup failed", "key", filename, "error", err)
			WriteError(w, http.StatusInternalServerError, "cannot delete video", "INTERNAL_ERROR")
			return
		}

		if video == nil && !cfg.Storage.Exists(r.Context(), cfg.Storage.VideoBucket(), filename) {
			WriteError(w, http.StatusNotFound, "video not found", "NOT_FOUND")
			return
		}

		if err := cfg.Storage.Delete(r.Context(), filename, filename+".json"); err != nil {
			cfg.Logger.Error("object deletion failed", "key", filename, "error", err)
			WriteError(w, http.StatusBadGateway, "cannot delete stored objects", "STORAGE_ERROR")
			return
		}

		if video != nil {
			if err := cfg.Store.DeleteVideo(r.Context(), video.ID); err != nil {
				cfg.Logger.Warn("video row deletion failed", "key", filename, "error", err)
			}
		}

		cfg.Store.LogActivity(r.Context(), claims.UserID, "delete", nil)
		WriteJSON(w, http.StatusOK, MessageResponse{Message: "video deleted"})
	}
}

func renameVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		claims, ok := authorizeOwner(w, r, filename)
		if !ok {
			return
		}

		var req RenameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		newName := req.NewName
		switch {
		case newName == "" || newName == filename:
			WriteError(w, http.StatusBadRequest, "new_name must differ from the current name", "BAD_REQUEST")
			return
		case !strings.HasPrefix(newName, claims.Username+"_"):
			WriteError(w, http.StatusBadRequest, "new_name must keep your username prefix", "BAD_REQUEST")
			return
		case !strings.HasSuffix(newName, ".mp4"):
			WriteError(w, http.StatusBadRequest, "new_name must end in .mp4", "BAD_REQUEST")
			return
		case strings.ContainsAny(newName, "/\\"):
			WriteError(w, http.StatusBadRequest, "new_name must not contain path separators", "BAD_REQUEST")
			return
		}

		if cfg.Storage.Exists(r.Context(), cfg.Storage.VideoBucket(), newName) {
			WriteError(w, http.StatusConflict, "target name already exists", "CONFLICT")
			return
		}
		if !cfg.Storage.Exists(r.Context(), cfg.Storage.VideoBucket(), filename) {
			WriteError(w, http.StatusNotFound, "video not found", "NOT_FOUND")
			return
		}

		if err := cfg.Storage.Rename(r.Context(), cfg.Storage.VideoBucket(), filename, newName); err != nil {
			cfg.Logger.Error("video rename failed", "old", filename, "new", newName, "error", err)
			WriteError(w, http.StatusBadGateway, "cannot rename stored video", "STORAGE_ERROR")
			return
		}
		// Some videos never produced a log object; a missing log must not
		// fail the rename the video side already completed.
		if err := cfg.Storage.Rename(r.Context(), cfg.Storage.LogBucket(), filename+".json", newName+".json"); err != nil {
			cfg.Logger.Warn("log rename failed", "old", filename, "error", err)
		}

		if video, err := cfg.Store.GetVideoByKey(r.Context(), filename); err == nil {
			if err := cfg.Store.RenameVideo(r.Context(), video.ID, newName); err != nil {
				cfg.Logger.Warn("video row rename failed", "key", filename, "error", err)
			}
		}

		cfg.Store.LogActivity(r.Context(), claims.UserID, "rename", nil)
		WriteJSON(w, http.StatusOK, RenameResponse{OldName: filename, NewName: newName})
	}
}
