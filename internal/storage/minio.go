// Package storage is the MinIO adapter for annotated videos and
// detection logs. Keys are the canonical artifact names produced by the
// pipeline; metadata values are plain strings.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vigil/vigil-server/internal/pipeline"
)

// DefaultPresignExpiryDays is used when a caller does not specify one.
const DefaultPresignExpiryDays = 7

// Config holds MinIO connection settings.
type Config struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	VideoBucket string
	LogBucket   string
}

// ObjectEntry is one listed video object.
type ObjectEntry struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadTime time.Time `json:"upload_time"`
}

// Client wraps a MinIO connection with the narrow contract the rest of
// the server uses. It satisfies pipeline.ObjectStore.
type Client struct {
	mc          *minio.Client
	videoBucket string
	logBucket   string
	logger      *slog.Logger
}

// New connects to MinIO and ensures both buckets exist.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create minio client: %w", err)
	}

	c := &Client{
		mc:          mc,
		videoBucket: cfg.VideoBucket,
		logBucket:   cfg.LogBucket,
		logger:      logger,
	}

	for _, bucket := range []string{cfg.VideoBucket, cfg.LogBucket} {
		exists, err := mc.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("cannot check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("cannot create bucket %s: %w", bucket, err)
			}
			logger.Info("created bucket", "bucket", bucket)
		}
	}

	logger.Info("object storage connected", "endpoint", cfg.Endpoint,
		"video_bucket", cfg.VideoBucket, "log_bucket", cfg.LogBucket)
	return c, nil
}

// VideoBucket returns the bucket name video artifacts are stored in.
func (c *Client) VideoBucket() string { return c.videoBucket }

// LogBucket returns the bucket name detection logs are stored in.
func (c *Client) LogBucket() string { return c.logBucket }

// SaveVideo uploads a local artifact under the given key with string
// metadata attached.
func (c *Client) SaveVideo(ctx context.Context, localPath, key string, metadata map[string]string) error {
	info, err := c.mc.FPutObject(ctx, c.videoBucket, key, localPath, minio.PutObjectOptions{
		ContentType:  "video/mp4",
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("cannot upload video %s: %w", key, err)
	}
	c.logger.Info("video uploaded", "key", key, "size", info.Size)
	return nil
}

// SaveLog serializes the detection sequence as JSON and uploads it.
func (c *Client) SaveLog(ctx context.Context, frames []pipeline.FrameDetection, key string) error {
	data, err := json.Marshal(frames)
	if err != nil {
		return fmt.Errorf("cannot serialize detection log: %w", err)
	}

	_, err = c.mc.PutObject(ctx, c.logBucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("cannot upload detection log %s: %w", key, err)
	}
	c.logger.Info("detection log uploaded", "key", key, "frames", len(frames))
	return nil
}

// GetLog fetches and decodes a detection log by key from the log bucket.
func (c *Client) GetLog(ctx context.Context, key string) ([]pipeline.FrameDetection, error) {
	return c.getLogFrom(ctx, c.logBucket, key)
}

// GetLogFromBucket fetches a detection log from an explicit bucket, for
// rows that recorded their bucket at write time.
func (c *Client) GetLogFromBucket(ctx context.Context, bucket, key string) ([]pipeline.FrameDetection, error) {
	return c.getLogFrom(ctx, bucket, key)
}

func (c *Client) getLogFrom(ctx context.Context, bucket, key string) ([]pipeline.FrameDetection, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("cannot fetch log %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("cannot read log %s: %w", key, err)
	}

	var frames []pipeline.FrameDetection
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("cannot decode log %s: %w", key, err)
	}
	return frames, nil
}

// GetPresignedURL returns a time-limited download URL for a video.
func (c *Client) GetPresignedURL(ctx context.Context, key string, expiryDays int) (string, error) {
	if expiryDays <= 0 {
		expiryDays = DefaultPresignExpiryDays
	}
	u, err := c.mc.PresignedGetObject(ctx, c.videoBucket, key,
		time.Duration(expiryDays)*24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("cannot presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Exists reports whether an object is present in a bucket.
func (c *Client) Exists(ctx context.Context, bucket, key string) bool {
	_, err := c.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	return err == nil
}

// Delete removes a video and its detection log. Missing objects are not
// an error; the first real failure is returned.
func (c *Client) Delete(ctx context.Context, videoKey, logKey string) error {
	if err := c.mc.RemoveObject(ctx, c.videoBucket, videoKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("cannot delete video %s: %w", videoKey, err)
	}
	if err := c.mc.RemoveObject(ctx, c.logBucket, logKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("cannot delete log %s: %w", logKey, err)
	}
	c.logger.Info("objects deleted", "video", videoKey, "log", logKey)
	return nil
}

// Rename copies an object to the new key and removes the old one.
// MinIO has no server-side rename, so this is copy+delete.
func (c *Client) Rename(ctx context.Context, bucket, oldKey, newKey string) error {
	_, err := c.mc.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: bucket, Object: newKey},
		minio.CopySrcOptions{Bucket: bucket, Object: oldKey},
	)
	if err != nil {
		return fmt.Errorf("cannot copy %s to %s: %w", oldKey, newKey, err)
	}
	if err := c.mc.RemoveObject(ctx, bucket, oldKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("cannot remove old object %s: %w", oldKey, err)
	}
	return nil
}

// ListUserVideos lists video objects whose key carries the user's
// {username}_ prefix.
func (c *Client) ListUserVideos(ctx context.Context, username string) ([]ObjectEntry, error) {
	var entries []ObjectEntry
	for obj := range c.mc.ListObjects(ctx, c.videoBucket, minio.ListObjectsOptions{
		Prefix:    username + "_",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("cannot list videos: %w", obj.Err)
		}
		entries = append(entries, ObjectEntry{
			Filename:   obj.Key,
			Size:       obj.Size,
			UploadTime: obj.LastModified,
		})
	}
	return entries, nil
}
