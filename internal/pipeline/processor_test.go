package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vigil/vigil-server/internal/detect"
)

type fakeStream struct {
	frames []*detect.FrameResult
	pos    int
	err    error
	closed bool
}

func (s *fakeStream) Next() (*detect.FrameResult, error) {
	if s.pos >= len(s.frames) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	fr := s.frames[s.pos]
	s.pos++
	return fr, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeDetector struct {
	frames       []*detect.FrameResult
	artifactName string
	artifactData []byte
	detectErr    error
	streamErr    error
	gotOpts      detect.Options
}

func (d *fakeDetector) Detect(_ context.Context, opts detect.Options) (detect.Stream, error) {
	d.gotOpts = opts
	if d.detectErr != nil {
		return nil, d.detectErr
	}
	if d.artifactName != "" {
		if err := os.MkdirAll(opts.ArtifactDir, 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(opts.ArtifactDir, d.artifactName), d.artifactData, 0644); err != nil {
			return nil, err
		}
	}
	return &fakeStream{frames: d.frames, err: d.streamErr}, nil
}

type fakeProber struct {
	props StreamProperties
	err   error
}

func (p *fakeProber) Probe(context.Context, string) (*StreamProperties, error) {
	if p.err != nil {
		return nil, p.err
	}
	props := p.props
	return &props, nil
}

type fakeObjectStore struct {
	videos   map[string][]byte
	metadata map[string]map[string]string
	logs     map[string][]FrameDetection
	videoErr error
	logErr   error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		videos:   make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		logs:     make(map[string][]FrameDetection),
	}
}

func (s *fakeObjectStore) SaveVideo(_ context.Context, localPath, key string, metadata map[string]string) error {
	if s.videoErr != nil {
		return s.videoErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.videos[key] = data
	s.metadata[key] = metadata
	return nil
}

func (s *fakeObjectStore) SaveLog(_ context.Context, frames []FrameDetection, key string) error {
	if s.logErr != nil {
		return s.logErr
	}
	s.logs[key] = frames
	return nil
}

// nopResolver produces nothing, forcing the degenerate-result guard.
type nopResolver struct{}

func (nopResolver) Resolve(context.Context, string, string, string) error { return nil }

func frameWith(labels ...string) *detect.FrameResult {
	names := map[int]string{0: "weapon", 1: "knife", 2: "person"}
	fr := &detect.FrameResult{Names: names}
	for _, l := range labels {
		for cls, name := range names {
			if name == l {
				fr.Boxes = append(fr.Boxes, detect.Box{Class: cls, Confidence: 0.9})
			}
		}
	}
	return fr
}

var fixedTime = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestProcessor(t *testing.T, det detect.Detector, store ObjectStore, conv Converter) *Processor {
	t.Helper()
	logger := testLogger()
	p := NewProcessor(ProcessorConfig{
		Detector:    det,
		Prober:      &fakeProber{props: StreamProperties{TotalFrames: 120, FPS: 30, Width: 640, Height: 480}},
		Resolver:    NewResolver(conv, logger),
		Store:       store,
		ScratchBase: filepath.Join(t.TempDir(), "scratch"),
		BatchSize:   16,
		FrameStride: 8,
		Logger:      logger,
	})
	p.now = func() time.Time { return fixedTime }
	return p
}

func writeSource(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("raw upload bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcess_AVIArtifactConverted(t *testing.T) {
	det := &fakeDetector{
		frames:       []*detect.FrameResult{frameWith("weapon")},
		artifactName: "clip.avi",
		artifactData: []byte("annotated avi"),
	}
	store := newFakeObjectStore()
	p := newTestProcessor(t, det, store, &fakeConverter{output: []byte("converted mp4")})

	src := writeSource(t, "clip.avi")
	res, err := p.Process(context.Background(), src, 0.6, "alice")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := "alice_20250314_092653_clip.mp4"
	if res.OutputName != want {
		t.Errorf("OutputName = %q, want %q", res.OutputName, want)
	}
	if got := string(store.videos[want]); got != "converted mp4" {
		t.Errorf("stored video = %q, want converted mp4", got)
	}
}

func TestProcess_MP4ArtifactCopiedVerbatim(t *testing.T) {
	det := &fakeDetector{
		frames:       []*detect.FrameResult{frameWith()},
		artifactName: "clip.mp4",
		artifactData: []byte("annotated mp4"),
	}
	store := newFakeObjectStore()
	conv := &fakeConverter{}
	p := newTestProcessor(t, det, store, conv)

	src := writeSource(t, "clip.mp4")
	res, err := p.Process(context.Background(), src, 0.6, "bob")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := "bob_20250314_092653_clip.mp4"
	if res.OutputName != want {
		t.Errorf("OutputName = %q, want %q", res.OutputName, want)
	}
	if got := string(store.videos[want]); got != "annotated mp4" {
		t.Errorf("stored video = %q, want verbatim copy", got)
	}
	if conv.calls != 0 {
		t.Errorf("converter called %d times, want 0", conv.calls)
	}
}

func TestProcess_NoArtifactCopiesOriginal(t *testing.T) {
	det := &fakeDetector{
		frames: []*detect.FrameResult{frameWith("knife"), frameWith()},
	}
	store := newFakeObjectStore()
	p := newTestProcessor(t, det, store, &fakeConverter{})

	src := writeSource(t, "clip.mp4")
	res, err := p.Process(context.Background(), src, 0.6, "carol")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// Detections are independent of which artifact branch executed.
	if len(res.Frames) != 2 {
		t.Errorf("len(Frames) = %d, want 2", len(res.Frames))
	}
	if !res.HasDetection {
		t.Error("HasDetection = false, want true")
	}
	if got := string(store.videos[res.OutputName]); got != "raw upload bytes" {
		t.Errorf("stored video = %q, want copy of original", got)
	}
}

func TestProcess_SourceMissing(t *testing.T) {
	store := newFakeObjectStore()
	p := newTestProcessor(t, &fakeDetector{}, store, &fakeConverter{})

	_, err := p.Process(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"), 0.6, "dave")
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("error = %v, want ErrSourceNotFound", err)
	}
	if len(store.videos)+len(store.logs) != 0 {
		t.Error("no storage writes should occur before inference")
	}
}

func TestProcess_ProbeFailure(t *testing.T) {
	p := newTestProcessor(t, &fakeDetector{}, newFakeObjectStore(), &fakeConverter{})
	p.prober = &fakeProber{err: errors.New("moov atom not found")}

	src := writeSource(t, "clip.mp4")
	_, err := p.Process(context.Background(), src, 0.6, "dave")
	if !errors.Is(err, ErrSourceUnreadable) {
		t.Fatalf("error = %v, want ErrSourceUnreadable", err)
	}
}

func TestProcess_FrameClassification(t *testing.T) {
	det := &fakeDetector{
		frames: []*detect.FrameResult{frameWith("weapon"), frameWith()},
	}
	store := newFakeObjectStore()
	p := newTestProcessor(t, det, store, &fakeConverter{})

	src := writeSource(t, "clip.mp4")
	res, err := p.Process(context.Background(), src, 0.6, "erin")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := []FrameDetection{
		{Index: 0, HasWeapon: true, HasKnife: false},
		{Index: 1, HasWeapon: false, HasKnife: false},
	}
	if len(res.Frames) != len(want) {
		t.Fatalf("len(Frames) = %d, want %d", len(res.Frames), len(want))
	}
	for i := range want {
		if res.Frames[i] != want[i] {
			t.Errorf("Frames[%d] = %+v, want %+v", i, res.Frames[i], want[i])
		}
	}
	if !res.HasDetection {
		t.Error("HasDetection = false, want true")
	}
	if got := store.logs[res.LogName]; len(got) != 2 {
		t.Errorf("stored log has %d frames, want 2", len(got))
	}
}

func TestProcess_IgnoresOtherClasses(t *testing.T) {
	det := &fakeDetector{
		frames: []*detect.FrameResult{frameWith("person"), frameWith("person")},
	}
	p := newTestProcessor(t, det, newFakeObjectStore(), &fakeConverter{})

	src := writeSource(t, "clip.mp4")
	res, err := p.Process(context.Background(), src, 0.6, "erin")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.HasDetection {
		t.Error("HasDetection = true for person-only detections, want false")
	}
}

func TestProcess_FrameCountMatchesStream(t *testing.T) {
	frames := make([]*detect.FrameResult, 37)
	for i := range frames {
		frames[i] = frameWith()
	}
	det := &fakeDetector{frames: frames}
	p := newTestProcessor(t, det, newFakeObjectStore(), &fakeConverter{})

	src := writeSource(t, "clip.mp4")
	res, err := p.Process(context.Background(), src, 0.6, "frank")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(res.Frames) != 37 {
		t.Errorf("len(Frames) = %d, want 37", len(res.Frames))
	}
	for i, f := range res.Frames {
		if f.Index != i {
			t.Fatalf("Frames[%d].Index = %d, entries dropped or duplicated", i, f.Index)
		}
	}
}

func TestProcess_InferenceFailure(t *testing.T) {
	det := &fakeDetector{
		frames:    []*detect.FrameResult{frameWith("weapon")},
		streamErr: errors.New("CUDA out of memory"),
	}
	store := newFakeObjectStore()
	p := newTestProcessor(t, det, store, &fakeConverter{})

	src := writeSource(t, "clip.mp4")
	_, err := p.Process(context.Background(), src, 0.6, "grace")
	if !errors.Is(err, ErrInferenceFailed) {
		t.Fatalf("error = %v, want ErrInferenceFailed", err)
	}
	if len(store.videos)+len(store.logs) != 0 {
		t.Error("inference failure must not leave partial storage writes")
	}
}

func TestProcess_PublishFailure(t *testing.T) {
	det := &fakeDetector{frames: []*detect.FrameResult{frameWith()}}
	store := newFakeObjectStore()
	store.videoErr = errors.New("connection refused")
	p := newTestProcessor(t, det, store, &fakeConverter{})

	src := writeSource(t, "clip.mp4")
	_, err := p.Process(context.Background(), src, 0.6, "heidi")
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("error = %v, want ErrPublishFailed", err)
	}
}

func TestProcess_ConversionFailureStillSucceeds(t *testing.T) {
	det := &fakeDetector{
		frames:       []*detect.FrameResult{frameWith("weapon")},
		artifactName: "clip.avi",
		artifactData: []byte("annotated avi"),
	}
	store := newFakeObjectStore()
	p := newTestProcessor(t, det, store, &fakeConverter{fail: true})

	src := writeSource(t, "clip.avi")
	res, err := p.Process(context.Background(), src, 0.6, "ivan")
	if err != nil {
		t.Fatalf("Process() error = %v, conversion failures must not abort", err)
	}
	if got := string(store.videos[res.OutputName]); got != "annotated avi" {
		t.Errorf("stored video = %q, want verbatim avi bytes", got)
	}
}

func TestProcess_EmptyResolutionDegradesToEmptyResult(t *testing.T) {
	det := &fakeDetector{frames: []*detect.FrameResult{frameWith()}}
	store := newFakeObjectStore()
	p := newTestProcessor(t, det, store, &fakeConverter{})
	p.resolver = nopResolver{}

	src := writeSource(t, "clip.mp4")
	res, err := p.Process(context.Background(), src, 0.6, "judy")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !strings.HasSuffix(res.OutputName, "_empty_result.mp4") {
		t.Errorf("OutputName = %q, want _empty_result.mp4 suffix", res.OutputName)
	}
	if got := string(store.videos[res.OutputName]); got != "raw upload bytes" {
		t.Errorf("stored video = %q, want copy of original", got)
	}
}

func TestProcess_NeverStoresEmptyArtifact(t *testing.T) {
	det := &fakeDetector{frames: []*detect.FrameResult{frameWith()}}
	store := newFakeObjectStore()
	p := newTestProcessor(t, det, store, &fakeConverter{})

	src := writeSource(t, "clip.mp4")
	res, err := p.Process(context.Background(), src, 0.6, "kim")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(store.videos[res.OutputName]) == 0 {
		t.Error("stored artifact is empty, pipeline must always publish a non-empty file")
	}
}

func TestProcess_NamingDeterminism(t *testing.T) {
	for i := 0; i < 2; i++ {
		det := &fakeDetector{frames: []*detect.FrameResult{frameWith()}}
		p := newTestProcessor(t, det, newFakeObjectStore(), &fakeConverter{})

		src := writeSource(t, "holiday.mov")
		res, err := p.Process(context.Background(), src, 0.6, "alice")
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if res.OutputName != "alice_20250314_092653_holiday.mp4" {
			t.Errorf("OutputName = %q, not reproducible", res.OutputName)
		}
	}
}

func TestProcess_ScratchCleanedUp(t *testing.T) {
	det := &fakeDetector{
		frames:       []*detect.FrameResult{frameWith()},
		artifactName: "clip.mp4",
		artifactData: []byte("annotated"),
	}
	p := newTestProcessor(t, det, newFakeObjectStore(), &fakeConverter{})

	src := writeSource(t, "clip.mp4")
	if _, err := p.Process(context.Background(), src, 0.6, "leo"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	entries, err := os.ReadDir(p.scratchBase)
	if err != nil {
		t.Fatalf("reading scratch base: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch base has %d leftover entries, want 0", len(entries))
	}
}

func TestProcess_DetectorReceivesOptions(t *testing.T) {
	det := &fakeDetector{frames: []*detect.FrameResult{frameWith()}}
	p := newTestProcessor(t, det, newFakeObjectStore(), &fakeConverter{})

	src := writeSource(t, "clip.mp4")
	if _, err := p.Process(context.Background(), src, 0.42, "mia"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if det.gotOpts.Confidence != 0.42 {
		t.Errorf("Confidence = %v, want 0.42", det.gotOpts.Confidence)
	}
	if !det.gotOpts.SaveArtifacts {
		t.Error("SaveArtifacts = false, want true")
	}
	if det.gotOpts.BatchSize != 16 || det.gotOpts.FrameStride != 8 {
		t.Errorf("BatchSize/FrameStride = %d/%d, want 16/8",
			det.gotOpts.BatchSize, det.gotOpts.FrameStride)
	}
}

func TestFrameDetection_JSONTriple(t *testing.T) {
	fd := FrameDetection{Index: 4, HasWeapon: true, HasKnife: false}

	data, err := json.Marshal(fd)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if string(data) != "[4,true,false]" {
		t.Errorf("marshal = %s, want [4,true,false]", data)
	}

	var back FrameDetection
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if back != fd {
		t.Errorf("roundtrip = %+v, want %+v", back, fd)
	}
}
