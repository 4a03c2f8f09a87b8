// Package store is the PostgreSQL metadata layer: users, processed
// videos, detection records and the activity log. Plain SQL through
// pgx, no ORM.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound means no row matched the lookup.
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a uniqueness constraint was violated.
	ErrConflict = errors.New("record already exists")
)

// User is an account row.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Video is one processed-video row. S3Key is the canonical artifact
// name and is unique across the table.
type Video struct {
	ID               int64
	UserID           int64
	S3Key            string
	Bucket           string
	Status           string
	WeaponDetected   bool
	FPS              int
	FrameCount       int
	OriginalFilename string
	UploadTime       time.Time
}

// Detection records where a video's detection log lives.
type Detection struct {
	ID           int64
	VideoID      int64
	S3Key        string
	Bucket       string
	FrameCount   int
	HasDetection bool
	CreatedAt    time.Time
}

// Store wraps a pgx pool with the queries the server needs.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to PostgreSQL, pings it and applies pending migrations.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot ping database: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot run migrations: %w", err)
	}

	logger.Info("database connected")
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports database liveness, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("cannot create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("cannot read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM _migrations WHERE name = $1)", name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("cannot check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("cannot read migration %s: %w", name, err)
		}

		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("cannot execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO _migrations (name) VALUES ($1)", name); err != nil {
			return fmt.Errorf("cannot record migration %s: %w", name, err)
		}

		s.logger.Info("applied migration", "name", name)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateUser inserts an account with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id`,
		username, passwordHash).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: user %s", ErrConflict, username)
		}
		return 0, fmt.Errorf("cannot insert user: %w", err)
	}
	return id, nil
}

// GetUserByUsername fetches an account row for login.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot query user: %w", err)
	}
	return &u, nil
}

// CreateVideo inserts a processed-video row and returns its id.
func (s *Store) CreateVideo(ctx context.Context, v *Video) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO videos
		   (user_id, s3_key, bucket, status, weapon_detected, fps, frame_count, original_filename)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		v.UserID, v.S3Key, v.Bucket, v.Status, v.WeaponDetected,
		v.FPS, v.FrameCount, v.OriginalFilename).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: video %s", ErrConflict, v.S3Key)
		}
		return 0, fmt.Errorf("cannot insert video: %w", err)
	}
	return id, nil
}

// GetVideoByKey fetches a video row by its canonical artifact key.
func (s *Store) GetVideoByKey(ctx context.Context, s3Key string) (*Video, error) {
	var v Video
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, s3_key, bucket, status, weapon_detected, fps,
		        frame_count, original_filename, upload_time
		   FROM videos WHERE s3_key = $1`,
		s3Key).Scan(&v.ID, &v.UserID, &v.S3Key, &v.Bucket, &v.Status,
		&v.WeaponDetected, &v.FPS, &v.FrameCount, &v.OriginalFilename, &v.UploadTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: video %s", ErrNotFound, s3Key)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot query video: %w", err)
	}
	return &v, nil
}

// ListUserVideos returns a user's video rows newest first.
func (s *Store) ListUserVideos(ctx context.Context, userID int64) ([]Video, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, s3_key, bucket, status, weapon_detected, fps,
		        frame_count, original_filename, upload_time
		   FROM videos WHERE user_id = $1 ORDER BY upload_time DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("cannot list videos: %w", err)
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		var v Video
		if err := rows.Scan(&v.ID, &v.UserID, &v.S3Key, &v.Bucket, &v.Status,
			&v.WeaponDetected, &v.FPS, &v.FrameCount, &v.OriginalFilename, &v.UploadTime); err != nil {
			return nil, fmt.Errorf("cannot scan video row: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// DeleteVideo removes a video row; detection rows cascade.
func (s *Store) DeleteVideo(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cannot delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: video id %d", ErrNotFound, id)
	}
	return nil
}

// RenameVideo rewrites the canonical key of a video row and the key of
// its detection rows, keeping both in step with object storage.
func (s *Store) RenameVideo(ctx context.Context, id int64, newKey string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cannot begin rename: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE videos SET s3_key = $1 WHERE id = $2`, newKey, id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: video %s", ErrConflict, newKey)
		}
		return fmt.Errorf("cannot rename video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: video id %d", ErrNotFound, id)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE detections SET s3_key = $1 WHERE video_id = $2`,
		newKey+".json", id); err != nil {
		return fmt.Errorf("cannot rename detection rows: %w", err)
	}

	return tx.Commit(ctx)
}

// CreateDetection records where a video's detection log was published.
func (s *Store) CreateDetection(ctx context.Context, d *Detection) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO detections (video_id, s3_key, bucket, frame_count, has_detection)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		d.VideoID, d.S3Key, d.Bucket, d.FrameCount, d.HasDetection).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("cannot insert detection: %w", err)
	}
	return id, nil
}

// GetDetectionForVideo fetches the newest detection row of a video.
func (s *Store) GetDetectionForVideo(ctx context.Context, videoID int64) (*Detection, error) {
	var d Detection
	err := s.pool.QueryRow(ctx,
		`SELECT id, video_id, s3_key, bucket, frame_count, has_detection, created_at
		   FROM detections WHERE video_id = $1 ORDER BY created_at DESC LIMIT 1`,
		videoID).Scan(&d.ID, &d.VideoID, &d.S3Key, &d.Bucket,
		&d.FrameCount, &d.HasDetection, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: detection for video %d", ErrNotFound, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot query detection: %w", err)
	}
	return &d, nil
}

// LogActivity appends one audit row. Failures are logged, not returned;
// auditing never blocks the operation it records.
func (s *Store) LogActivity(ctx context.Context, userID int64, action string, videoID *int64) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_log (user_id, action, video_id) VALUES ($1, $2, $3)`,
		userID, action, videoID)
	if err != nil {
		s.logger.Warn("cannot record activity", "action", action, "error", err)
	}
}
