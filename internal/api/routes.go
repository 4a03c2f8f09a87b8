package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil/vigil-server/internal/config"
	"github.com/vigil/vigil-server/internal/pipeline"
	"github.com/vigil/vigil-server/internal/storage"
	"github.com/vigil/vigil-server/internal/store"
)

// TokenManager issues and verifies bearer tokens. Implemented by
// auth.Manager.
type TokenManager interface {
	TokenVerifier
	Issue(userID int64, username string) (string, error)
}

// MetadataStore is the database surface the handlers use. Implemented
// by store.Store.
type MetadataStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	CreateVideo(ctx context.Context, v *store.Video) (int64, error)
	GetVideoByKey(ctx context.Context, s3Key string) (*store.Video, error)
	ListUserVideos(ctx context.Context, userID int64) ([]store.Video, error)
	DeleteVideo(ctx context.Context, id int64) error
	RenameVideo(ctx context.Context, id int64, newKey string) error
	CreateDetection(ctx context.Context, d *store.Detection) (int64, error)
	GetDetectionForVideo(ctx context.Context, videoID int64) (*store.Detection, error)
	LogActivity(ctx context.Context, userID int64, action string, videoID *int64)
	Ping(ctx context.Context) error
}

// ObjectStorage is the object-store surface the handlers use.
// Implemented by storage.Client.
type ObjectStorage interface {
	GetLog(ctx context.Context, key string) ([]pipeline.FrameDetection, error)
	GetLogFromBucket(ctx context.Context, bucket, key string) ([]pipeline.FrameDetection, error)
	GetPresignedURL(ctx context.Context, key string, expiryDays int) (string, error)
	Exists(ctx context.Context, bucket, key string) bool
	Delete(ctx context.Context, videoKey, logKey string) error
	Rename(ctx context.Context, bucket, oldKey, newKey string) error
	ListUserVideos(ctx context.Context, username string) ([]storage.ObjectEntry, error)
	VideoBucket() string
	LogBucket() string
}

// VideoProcessor runs the detection pipeline over an uploaded file.
// Implemented by pipeline.Processor.
type VideoProcessor interface {
	Process(ctx context.Context, path string, confidence float64, username string) (*pipeline.Result, error)
}

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware())
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/register", registerHandler(cfg))
	r.Post("/login", loginHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))

		r.Post("/predict", predictHandler(cfg))
		r.Get("/video/{filename}", videoHandler(cfg))
		r.Get("/video/{filename}/url", videoURLHandler(cfg))
		r.Get("/videos", listVideosHandler(cfg))
		r.Get("/videos/{filename}/logs", videoLogsHandler(cfg))
		r.Delete("/videos/{filename}", deleteVideoHandler(cfg))
		r.Put("/videos/{filename}", renameVideoHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "ok"
		status := "ok"

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := cfg.Store.Ping(ctx); err != nil {
			dbStatus = "fail"
			status = "degraded"
		}

		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   status,
			Version:  config.Version,
			UptimeS:  int64(time.Since(cfg.StartTime).Seconds()),
			Database: dbStatus,
		})
	}
}
