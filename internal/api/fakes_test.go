package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vigil/vigil-server/internal/auth"
	"github.com/vigil/vigil-server/internal/pipeline"
	"github.com/vigil/vigil-server/internal/storage"
	"github.com/vigil/vigil-server/internal/store"
)

type fakeStore struct {
	users      map[string]*store.User
	videos     map[string]*store.Video
	detections map[int64]*store.Detection
	activity   []string
	nextID     int64

	createUserErr  error
	createVideoErr error
	listErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]*store.User{},
		videos:     map[string]*store.Video{},
		detections: map[int64]*store.Detection{},
		nextID:     1,
	}
}

func (f *fakeStore) CreateUser(_ context.Context, username, passwordHash string) (int64, error) {
	if f.createUserErr != nil {
		return 0, f.createUserErr
	}
	if _, ok := f.users[username]; ok {
		return 0, fmt.Errorf("%w: user %s", store.ErrConflict, username)
	}
	id := f.nextID
	f.nextID++
	f.users[username] = &store.User{ID: id, Username: username, PasswordHash: passwordHash}
	return id, nil
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	return u, nil
}

func (f *fakeStore) CreateVideo(_ context.Context, v *store.Video) (int64, error) {
	if f.createVideoErr != nil {
		return 0, f.createVideoErr
	}
	id := f.nextID
	f.nextID++
	cp := *v
	cp.ID = id
	cp.UploadTime = time.Now()
	f.videos[v.S3Key] = &cp
	return id, nil
}

func (f *fakeStore) GetVideoByKey(_ context.Context, s3Key string) (*store.Video, error) {
	v, ok := f.videos[s3Key]
	if !ok {
		return nil, fmt.Errorf("%w: video %s", store.ErrNotFound, s3Key)
	}
	return v, nil
}

func (f *fakeStore) ListUserVideos(_ context.Context, userID int64) ([]store.Video, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []store.Video
	for _, v := range f.videos {
		if v.UserID == userID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteVideo(_ context.Context, id int64) error {
	for key, v := range f.videos {
		if v.ID == id {
			delete(f.videos, key)
			return nil
		}
	}
	return fmt.Errorf("%w: video id %d", store.ErrNotFound, id)
}

func (f *fakeStore) RenameVideo(_ context.Context, id int64, newKey string) error {
	for key, v := range f.videos {
		if v.ID == id {
			delete(f.videos, key)
			v.S3Key = newKey
			f.videos[newKey] = v
			return nil
		}
	}
	return fmt.Errorf("%w: video id %d", store.ErrNotFound, id)
}

func (f *fakeStore) CreateDetection(_ context.Context, d *store.Detection) (int64, error) {
	id := f.nextID
	f.nextID++
	cp := *d
	cp.ID = id
	f.detections[d.VideoID] = &cp
	return id, nil
}

func (f *fakeStore) GetDetectionForVideo(_ context.Context, videoID int64) (*store.Detection, error) {
	d, ok := f.detections[videoID]
	if !ok {
		return nil, fmt.Errorf("%w: detection for video %d", store.ErrNotFound, videoID)
	}
	return d, nil
}

func (f *fakeStore) LogActivity(_ context.Context, _ int64, action string, _ *int64) {
	f.activity = append(f.activity, action)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeStorage struct {
	objects map[string][]byte
	logs    map[string][]pipeline.FrameDetection

	presignErr error
	deleteErr  error
	renameErr  error
	listErr    error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		objects: map[string][]byte{},
		logs:    map[string][]pipeline.FrameDetection{},
	}
}

func (f *fakeStorage) VideoBucket() string { return "videos" }
func (f *fakeStorage) LogBucket() string   { return "logs" }

func (f *fakeStorage) GetLog(_ context.Context, key string) ([]pipeline.FrameDetection, error) {
	frames, ok := f.logs["logs/"+key]
	if !ok {
		return nil, fmt.Errorf("log %s not found", key)
	}
	return frames, nil
}

func (f *fakeStorage) GetLogFromBucket(_ context.Context, bucket, key string) ([]pipeline.FrameDetection, error) {
	frames, ok := f.logs[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("log %s/%s not found", bucket, key)
	}
	return frames, nil
}

func (f *fakeStorage) GetPresignedURL(_ context.Context, key string, _ int) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://minio.test/videos/" + key + "?sig=abc", nil
}

func (f *fakeStorage) Exists(_ context.Context, bucket, key string) bool {
	_, ok := f.objects[bucket+"/"+key]
	return ok
}

func (f *fakeStorage) Delete(_ context.Context, videoKey, logKey string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, "videos/"+videoKey)
	delete(f.logs, "logs/"+logKey)
	return nil
}

func (f *fakeStorage) Rename(_ context.Context, bucket, oldKey, newKey string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	data, ok := f.objects[bucket+"/"+oldKey]
	if !ok {
		if frames, ok := f.logs[bucket+"/"+oldKey]; ok {
			delete(f.logs, bucket+"/"+oldKey)
			f.logs[bucket+"/"+newKey] = frames
			return nil
		}
		return fmt.Errorf("object %s/%s not found", bucket, oldKey)
	}
	delete(f.objects, bucket+"/"+oldKey)
	f.objects[bucket+"/"+newKey] = data
	return nil
}

func (f *fakeStorage) ListUserVideos(_ context.Context, username string) ([]storage.ObjectEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var entries []storage.ObjectEntry
	for key, data := range f.objects {
		name, ok := cutBucket(key, "videos/")
		if !ok {
			continue
		}
		if len(name) > len(username) && name[:len(username)+1] == username+"_" {
			entries = append(entries, storage.ObjectEntry{Filename: name, Size: int64(len(data))})
		}
	}
	return entries, nil
}

func cutBucket(key, prefix string) (string, bool) {
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}

type fakeProcessor struct {
	result  *pipeline.Result
	err     error
	gotPath string
	gotUser string
	gotConf float64
}

func (f *fakeProcessor) Process(_ context.Context, path string, confidence float64, username string) (*pipeline.Result, error) {
	f.gotPath = path
	f.gotUser = username
	f.gotConf = confidence
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type testEnv struct {
	store     *fakeStore
	storage   *fakeStorage
	processor *fakeProcessor
	tokens    *auth.Manager
	router    http.Handler
	uploadDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(),
		storage:   newFakeStorage(),
		processor: &fakeProcessor{},
		tokens:    auth.NewManager("test-secret", time.Hour),
		uploadDir: t.TempDir(),
	}
	env.router = NewRouter(ServerConfig{
		Port:           0,
		UploadDir:      env.uploadDir,
		MaxUploadBytes: 1 << 20,
		Confidence:     0.6,
		Tokens:         env.tokens,
		Store:          env.store,
		Storage:        env.storage,
		Processor:      env.processor,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		StartTime:      time.Now(),
	})
	return env
}

// tokenFor registers the user in the fake store and issues a token.
func (e *testEnv) tokenFor(userID int64, username string) string {
	e.store.users[username] = &store.User{ID: userID, Username: username}
	token, err := e.tokens.Issue(userID, username)
	if err != nil {
		panic(err)
	}
	return token
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}
