package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/narrato/narrato-agent/internal/db"
	"github.com/narrato/narrato-agent/internal/frames"
	"github.com/narrato/narrato-agent/internal/media"
	"github.com/narrato/narrato-agent/internal/merge"
	"github.com/narrato/narrato-agent/internal/narration"
	"github.com/narrato/narrato-agent/internal/preview"
	"github.com/narrato/narrato-agent/internal/timeline"
)

type fakeProber struct {
	video     media.ProbeResult
	narration float64
	merged    float64
	err       error
}

func (f *fakeProber) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "narration-"):
		return &media.ProbeResult{Duration: f.narration, HasAudio: true}, nil
	case strings.HasPrefix(base, "merged-"):
		return &media.ProbeResult{Duration: f.merged, HasVideo: true, HasAudio: true}, nil
	}
	res := f.video
	return &res, nil
}

func (f *fakeProber) Ready() bool { return true }

type fakeSampler struct {
	mu        sync.Mutex
	calls     int
	blockPath string
	err       error
}

func (f *fakeSampler) Count() int { return frames.DefaultCount }

func (f *fakeSampler) Sample(ctx context.Context, req frames.Request, progress frames.ProgressFunc) ([]frames.Frame, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.blockPath != "" && strings.HasPrefix(filepath.Base(req.Path), f.blockPath) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	n := f.Count()
	out := make([]frames.Frame, n)
	for i, ts := range frames.Timestamps(req.Duration, n) {
		out[i] = frames.Frame{Index: i, Timestamp: ts, Width: 512, Height: 288, JPEG: []byte(fmt.Sprintf("%s#%d", filepath.Base(req.Path), i))}
		progress(i+1, n)
	}
	return out, nil
}

type fakeText struct {
	mu   sync.Mutex
	reqs []narration.Request
	text string
	err  error
}

func (f *fakeText) GenerateText(ctx context.Context, req narration.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.text, f.err
}

type fakeSpeech struct {
	mu   sync.Mutex
	reqs []narration.SpeechRequest
	err  error
}

func (f *fakeSpeech) Synthesize(ctx context.Context, req narration.SpeechRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("mp3:" + req.Text), nil
}

type fakeMerger struct {
	mu   sync.Mutex
	reqs []merge.Request
	err  error
}

func (f *fakeMerger) Run(ctx context.Context, req merge.Request) (*merge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &merge.Result{Data: []byte("merged"), Ext: "mp4", Strategy: merge.StrategyAmix}, nil
}

type fakePlayer struct {
	mu     sync.Mutex
	inputs []preview.Inputs
	gains  preview.MixSettings
	seeks  []float64
	state  preview.State
}

func (f *fakePlayer) SetInputs(in preview.Inputs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	f.state.Time = 0
	f.state.Playing = false
	f.state.Duration = in.SourceDuration
	f.state.Target = preview.TargetSource
	f.state.Mode = preview.ModeSource
	if len(in.Narration) > 0 {
		f.state.Mode = preview.ModeMix
	}
	if in.Merged {
		f.state.Mode = preview.ModeMerged
		f.state.Target = preview.TargetMerged
		if in.MergedDuration > 0 {
			f.state.Duration = in.MergedDuration
		}
	}
}

func (f *fakePlayer) SetGains(s preview.MixSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gains = s
}

func (f *fakePlayer) Seek(t float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Duration <= 0 {
		return preview.ErrNoMedia
	}
	f.seeks = append(f.seeks, t)
	f.state.Time = timeline.Clamp(t, f.state.Duration)
	f.state.Playing = true
	return nil
}

func (f *fakePlayer) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Playing = true
	return nil
}

func (f *fakePlayer) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Playing = false
}

func (f *fakePlayer) Report(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Time = t
}

func (f *fakePlayer) State() preview.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePlayer) lastInputs() preview.Inputs {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		return preview.Inputs{}
	}
	return f.inputs[len(f.inputs)-1]
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []Job
}

func (p *recordingPublisher) PublishJob(job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
}

func (p *recordingPublisher) labels(jobID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, j := range p.jobs {
		if j.ID == jobID && j.Status == JobStatusRunning && j.Label != "" {
			out = append(out, j.Label)
		}
	}
	return out
}

type harness struct {
	svc     *Service
	jobs    *Jobs
	repo    Repository
	prober  *fakeProber
	sampler *fakeSampler
	text    *fakeText
	speech  *fakeSpeech
	merger  *fakeMerger
	player  *fakePlayer
	pub     *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(t.Name(), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	h := &harness{
		repo: NewRepository(database.Conn()),
		prober: &fakeProber{
			video:     media.ProbeResult{Duration: 30, Width: 1920, Height: 1080, HasVideo: true, HasAudio: true},
			narration: 45,
			merged:    45,
		},
		sampler: &fakeSampler{},
		text:    &fakeText{text: "A calm walk along the shore."},
		speech:  &fakeSpeech{},
		merger:  &fakeMerger{},
		player:  &fakePlayer{},
		pub:     &recordingPublisher{},
	}
	h.jobs = NewJobs(h.repo, h.pub, nil)
	t.Cleanup(h.jobs.Close)

	h.svc, err = NewService(Config{
		Repo:     h.repo,
		Jobs:     h.jobs,
		Prober:   h.prober,
		Sampler:  h.sampler,
		Text:     h.text,
		Speech:   h.speech,
		Template: narration.NewTemplate("Write {num_words} words. {instructions}"),
		Merger:   h.merger,
		Player:   h.player,
		Dir:      t.TempDir(),
		TTSVoice: "nova",
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) upload(t *testing.T, name string) *Job {
	t.Helper()
	_, job, err := h.svc.Upload(context.Background(), UploadRequest{Name: name, Body: strings.NewReader("video-bytes:" + name)})
	if err != nil {
		t.Fatalf("Upload(%q) error = %v", name, err)
	}
	return job
}

func (h *harness) job(t *testing.T, id string) *Job {
	t.Helper()
	h.jobs.Wait()
	job, err := h.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return job
}

// ready uploads a video and generates text and audio.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.upload(t, "beach.mov")
	h.jobs.Wait()
	if _, err := h.svc.GenerateText(context.Background(), "Describe the scene"); err != nil {
		t.Fatalf("GenerateText() error = %v", err)
	}
	h.jobs.Wait()
	if _, err := h.svc.GenerateAudio(context.Background()); err != nil {
		t.Fatalf("GenerateAudio() error = %v", err)
	}
	h.jobs.Wait()
}

func TestService_UploadExtractsFrames(t *testing.T) {
	h := newHarness(t)

	job := h.upload(t, "beach.mov")
	if job.Type != JobTypeFrames {
		t.Errorf("job.Type = %s, want %s", job.Type, JobTypeFrames)
	}
	done := h.job(t, job.ID)
	if done.Status != JobStatusCompleted || done.Progress != 100 {
		t.Fatalf("job = %+v, want completed at 100", done)
	}

	set := h.svc.Frames()
	if set.Len() != frames.DefaultCount {
		t.Fatalf("frame count = %d, want %d", set.Len(), frames.DefaultCount)
	}
	for i, f := range set.Frames {
		if f.Index != i {
			t.Errorf("frame %d has index %d", i, f.Index)
		}
		if i > 0 && f.Timestamp <= set.Frames[i-1].Timestamp {
			t.Errorf("frame %d timestamp %v not after %v", i, f.Timestamp, set.Frames[i-1].Timestamp)
		}
	}

	labels := h.pub.labels(job.ID)
	if len(labels) != frames.DefaultCount || labels[0] != "1/20" || labels[19] != "20/20" {
		t.Errorf("progress labels = %v", labels)
	}

	src, err := h.svc.Source()
	if err != nil {
		t.Fatalf("Source() error = %v", err)
	}
	if src.Ext != "mov" || src.Duration != 30 || !src.HasAudio {
		t.Errorf("source = %+v", src)
	}
	in := h.player.lastInputs()
	if in.SourcePath != src.Path || in.SourceDuration != 30 || !in.SourceHasAudio {
		t.Errorf("player inputs = %+v", in)
	}
}

func TestService_UploadRejectsNonVideo(t *testing.T) {
	h := newHarness(t)
	h.prober.video = media.ProbeResult{Duration: 12, HasAudio: true}

	_, _, err := h.svc.Upload(context.Background(), UploadRequest{Name: "song.mp3", Body: strings.NewReader("x")})
	if !errors.Is(err, ErrNotVideo) {
		t.Fatalf("Upload() error = %v, want ErrNotVideo", err)
	}
	if _, err := h.svc.Source(); !errors.Is(err, ErrNoSource) {
		t.Errorf("Source() error = %v, want ErrNoSource", err)
	}
}

func TestService_UploadTooLarge(t *testing.T) {
	h := newHarness(t)
	h.svc.maxUpload = 4

	_, _, err := h.svc.Upload(context.Background(), UploadRequest{Name: "a.mp4", Body: strings.NewReader("12345")})
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("Upload() error = %v, want ErrUploadTooLarge", err)
	}
	if Classify(err).Code != CodeInput {
		t.Errorf("code = %s, want %s", Classify(err).Code, CodeInput)
	}
}

func TestService_NewUploadSupersedesExtraction(t *testing.T) {
	h := newHarness(t)
	h.sampler.blockPath = "source_1."

	first := h.upload(t, "first.mp4")
	second := h.upload(t, "second.mp4")

	if got := h.job(t, first.ID); got.Status != JobStatusCanceled || got.Code != CodeCanceled {
		t.Errorf("first job = %+v, want canceled", got)
	}
	if got := h.job(t, second.ID); got.Status != JobStatusCompleted {
		t.Errorf("second job = %+v, want completed", got)
	}

	set := h.svc.Frames()
	if set.Len() != frames.DefaultCount {
		t.Fatalf("frame count = %d", set.Len())
	}
	if !strings.HasPrefix(string(set.Frames[0].JPEG), "source_2.") {
		t.Errorf("frames come from %q, want the second upload", set.Frames[0].JPEG)
	}
}

func TestService_FailedStoreKeepsCurrentUpload(t *testing.T) {
	h := newHarness(t)
	h.sampler.blockPath = "source_1."

	first := h.upload(t, "first.mp4")
	// A directory at the next source path makes the rename fail.
	if err := os.MkdirAll(filepath.Join(h.svc.dir, "source_2.mp4", "occupied"), 0755); err != nil {
		t.Fatal(err)
	}

	if _, _, err := h.svc.Upload(context.Background(), UploadRequest{Name: "second.mp4", Body: strings.NewReader("video-bytes")}); err == nil {
		t.Fatal("Upload() error = nil, want store failure")
	}

	h.svc.mu.Lock()
	gen, running := h.svc.gen, h.svc.frameCancel != nil
	h.svc.mu.Unlock()
	if gen != 1 {
		t.Errorf("generation = %d, want 1", gen)
	}
	if !running {
		t.Error("extraction of the current upload was canceled")
	}
	src, err := h.svc.Source()
	if err != nil || src.Name != "first.mp4" {
		t.Errorf("Source() = %+v, %v; want first.mp4", src, err)
	}

	// Release the blocked extraction; it is still current, so only Close stops it.
	h.svc.Close()
	if got := h.job(t, first.ID); got.Status == JobStatusCompleted {
		t.Errorf("first job = %+v, want stopped by Close", got)
	}
}

func TestService_FrameFailureLeavesEmptySet(t *testing.T) {
	h := newHarness(t)
	h.sampler.err = fmt.Errorf("frame 4: %w", frames.ErrFrameTimeout)

	job := h.upload(t, "clip.mp4")
	got := h.job(t, job.ID)
	if got.Status != JobStatusFailed || got.Code != CodeFrames {
		t.Errorf("job = %+v, want failed with %s", got, CodeFrames)
	}
	if h.svc.Frames().Len() != 0 {
		t.Error("partial frame set published")
	}
	if _, err := h.svc.GenerateText(context.Background(), "x"); !errors.Is(err, ErrNoFrames) {
		t.Errorf("GenerateText() error = %v, want ErrNoFrames", err)
	}
}

func TestService_GenerateText(t *testing.T) {
	h := newHarness(t)

	if _, err := h.svc.GenerateText(context.Background(), "x"); !errors.Is(err, ErrNoSource) {
		t.Fatalf("GenerateText() before upload error = %v, want ErrNoSource", err)
	}

	h.upload(t, "beach.mov")
	h.jobs.Wait()

	if _, err := h.svc.GenerateText(context.Background(), "   "); !errors.Is(err, narration.ErrNoInstructions) {
		t.Fatalf("GenerateText(blank) error = %v, want ErrNoInstructions", err)
	}

	job, err := h.svc.GenerateText(context.Background(), "Describe the scene")
	if err != nil {
		t.Fatalf("GenerateText() error = %v", err)
	}
	if got := h.job(t, job.ID); got.Status != JobStatusCompleted {
		t.Fatalf("job = %+v", got)
	}

	if len(h.text.reqs) != 1 {
		t.Fatalf("generator calls = %d, want 1", len(h.text.reqs))
	}
	req := h.text.reqs[0]
	if req.Prompt != "Write 50 words. Describe the scene" {
		t.Errorf("prompt = %q", req.Prompt)
	}
	if len(req.Images) != frames.DefaultCount {
		t.Errorf("images = %d, want %d", len(req.Images), frames.DefaultCount)
	}

	nt, err := h.svc.NarrationText()
	if err != nil {
		t.Fatalf("NarrationText() error = %v", err)
	}
	if nt.Text != h.text.text || nt.Version != TextVersion(h.text.text) {
		t.Errorf("text = %+v", nt)
	}
	if got, _ := h.svc.Instructions(context.Background()); got != "Describe the scene" {
		t.Errorf("instructions = %q", got)
	}
}

func TestService_GenerationFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.upload(t, "beach.mov")
	h.jobs.Wait()
	h.svc.SetNarrationText("edited")
	h.text.err = &narration.APIError{Op: "responses", StatusCode: 503, Body: "overloaded"}

	job, err := h.svc.GenerateText(context.Background(), "Describe")
	if err != nil {
		t.Fatalf("GenerateText() error = %v", err)
	}
	got := h.job(t, job.ID)
	if got.Status != JobStatusFailed || got.Code != CodeGeneration {
		t.Errorf("job = %+v, want failed with %s", got, CodeGeneration)
	}
	if nt, _ := h.svc.NarrationText(); nt.Text != "edited" {
		t.Errorf("text = %q, want previous text kept", nt.Text)
	}
}

func TestService_TextWithoutOutputIsEmptyNarration(t *testing.T) {
	h := newHarness(t)
	h.upload(t, "beach.mov")
	h.jobs.Wait()
	h.text.text, h.text.err = "", narration.ErrNoOutput

	job, err := h.svc.GenerateText(context.Background(), "Describe the scene")
	if err != nil {
		t.Fatalf("GenerateText() error = %v", err)
	}
	if got := h.job(t, job.ID); got.Status != JobStatusCompleted {
		t.Fatalf("job = %+v, want completed", got)
	}
	nt, err := h.svc.NarrationText()
	if err != nil {
		t.Fatalf("NarrationText() error = %v", err)
	}
	if nt.Text != "" || nt.Version != NewNarrationText("").Version {
		t.Errorf("narration = %+v, want empty text", nt)
	}
}

func TestService_AudioVersioning(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	audio, err := h.svc.NarrationAudio()
	if err != nil {
		t.Fatalf("NarrationAudio() error = %v", err)
	}
	if audio.TextVersion != TextVersion(h.text.text) || audio.Duration != 45 || audio.MIME != "audio/mpeg" {
		t.Errorf("audio = %+v", audio)
	}
	if h.speech.reqs[0].Voice != "nova" {
		t.Errorf("voice = %q", h.speech.reqs[0].Voice)
	}
	if st := h.svc.Status(context.Background()); st.Audio == nil || st.Audio.Stale {
		t.Errorf("status audio = %+v, want fresh", st.Audio)
	}
	if in := h.player.lastInputs(); string(in.Narration) != string(audio.Data) || in.NarrationDuration != 45 {
		t.Errorf("player inputs = %+v", in)
	}

	h.svc.SetNarrationText("Something different.")
	if st := h.svc.Status(context.Background()); st.Audio == nil || !st.Audio.Stale {
		t.Errorf("status audio = %+v, want stale after edit", st.Audio)
	}

	h.svc.SetNarrationText(h.text.text)
	if st := h.svc.Status(context.Background()); st.Audio.Stale {
		t.Error("audio stale after restoring the text it was made from")
	}
}

func TestService_GenerateAudioRequiresText(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.GenerateAudio(context.Background()); !errors.Is(err, ErrNoText) {
		t.Errorf("GenerateAudio() error = %v, want ErrNoText", err)
	}
	h.svc.SetNarrationText("  ")
	if _, err := h.svc.GenerateAudio(context.Background()); !errors.Is(err, ErrNoText) {
		t.Errorf("GenerateAudio(blank) error = %v, want ErrNoText", err)
	}
}

func TestService_MergeRequiresInputs(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Merge(context.Background())
	if merge.KindOf(err) != merge.KindInput || !errors.Is(err, merge.ErrNoSource) {
		t.Fatalf("Merge() error = %v, want input error", err)
	}

	h.upload(t, "beach.mov")
	h.jobs.Wait()
	_, err = h.svc.Merge(context.Background())
	if merge.KindOf(err) != merge.KindInput || !errors.Is(err, merge.ErrNoNarration) {
		t.Fatalf("Merge() error = %v, want missing narration", err)
	}
	if Classify(err).Code != CodeInput {
		t.Errorf("code = %s", Classify(err).Code)
	}

	jobs, _ := h.jobs.List(context.Background(), 10)
	for _, j := range jobs {
		if j.Type == JobTypeMerge {
			t.Error("merge job recorded despite missing input")
		}
	}
	if len(h.merger.reqs) != 0 {
		t.Error("merger invoked despite missing input")
	}
}

func TestService_MergeAndExport(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	h.svc.SetMix(preview.FromPercent(30, 80))
	job, err := h.svc.Merge(context.Background())
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if got := h.job(t, job.ID); got.Status != JobStatusCompleted {
		t.Fatalf("merge job = %+v", got)
	}

	req := h.merger.reqs[0]
	if req.Settings != (preview.MixSettings{VideoGain: 0.3, NarrationGain: 0.8}) {
		t.Errorf("settings = %+v", req.Settings)
	}
	if req.SourceName != "beach.mov" || string(req.Narration) != "mp3:"+h.text.text {
		t.Errorf("merge request = %+v", req)
	}

	merged, err := h.svc.Merged()
	if err != nil {
		t.Fatalf("Merged() error = %v", err)
	}
	if string(merged.Data) != "merged" || merged.Duration != 45 || merged.Strategy != merge.StrategyAmix {
		t.Errorf("merged = %+v", merged)
	}
	if in := h.player.lastInputs(); !in.Merged || in.MergedDuration != 45 {
		t.Errorf("player inputs = %+v, want merged", in)
	}
	if pb := h.svc.Playback(); pb.Target != preview.TargetMerged {
		t.Errorf("playback target = %s, want merged", pb.Target)
	}

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local)
	name, out, err := h.svc.Export(now)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if name != "beach_ai_narration_2025-01-02_03-04-05.mp4" {
		t.Errorf("export name = %q", name)
	}
	if string(out.Data) != "merged" {
		t.Errorf("export data = %q", out.Data)
	}
}

func TestService_MergeFailureKeepsPreviousOutput(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	job, _ := h.svc.Merge(context.Background())
	h.job(t, job.ID)

	h.merger.err = &merge.Error{Kind: merge.KindStaging, Err: errors.New("disk full"), Hint: merge.LargeFileHint}
	job, err := h.svc.Merge(context.Background())
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	got := h.job(t, job.ID)
	if got.Status != JobStatusFailed || got.Code != CodeStaging || got.Hint != merge.LargeFileHint {
		t.Errorf("job = %+v", got)
	}
	if merged, err := h.svc.Merged(); err != nil || string(merged.Data) != "merged" {
		t.Errorf("Merged() = %v, %v; want previous output", merged, err)
	}
}

func TestService_MergeReadsGainsAtStart(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	h.svc.SetMix(preview.MixSettings{VideoGain: 2, NarrationGain: -1})
	if got := h.player.gains; got != (preview.MixSettings{VideoGain: 1, NarrationGain: 0}) {
		t.Errorf("player gains = %+v, want clamped", got)
	}
	job, _ := h.svc.Merge(context.Background())
	h.job(t, job.ID)
	if got := h.merger.reqs[0].Settings; got != (preview.MixSettings{VideoGain: 1, NarrationGain: 0}) {
		t.Errorf("merge settings = %+v", got)
	}
}

func TestService_UploadClearsMergedOutput(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	job, _ := h.svc.Merge(context.Background())
	h.job(t, job.ID)

	h.upload(t, "next.mp4")
	h.jobs.Wait()
	if _, err := h.svc.Merged(); !errors.Is(err, ErrNoMerged) {
		t.Errorf("Merged() error = %v, want ErrNoMerged", err)
	}
	if _, _, err := h.svc.Export(time.Now()); !errors.Is(err, ErrNoMerged) {
		t.Errorf("Export() error = %v, want ErrNoMerged", err)
	}
	if in := h.player.lastInputs(); in.Merged {
		t.Error("player still addresses the merged output")
	}
	if _, err := h.svc.NarrationAudio(); err != nil {
		t.Errorf("narration audio dropped on upload: %v", err)
	}
}

func TestService_Transport(t *testing.T) {
	h := newHarness(t)

	if _, err := h.svc.Seek(3); !errors.Is(err, preview.ErrNoMedia) {
		t.Errorf("Seek() before upload error = %v, want ErrNoMedia", err)
	}

	h.upload(t, "beach.mov")
	h.jobs.Wait()

	pb, err := h.svc.Click(150, 600)
	if err != nil {
		t.Fatalf("Click() error = %v", err)
	}
	if pb.Time != 7.5 || !pb.Playing {
		t.Errorf("after click: %+v, want t=7.5 playing", pb)
	}

	pb, _ = h.svc.Step(timeline.KeyRight)
	if pb.Time != 9.5 {
		t.Errorf("after right: t = %v, want 9.5", pb.Time)
	}
	pb, _ = h.svc.Step(timeline.KeyLeft)
	pb, _ = h.svc.Step(timeline.KeyLeft)
	if pb.Time != 5.5 {
		t.Errorf("after two lefts: t = %v, want 5.5", pb.Time)
	}

	seeks := len(h.player.seeks)
	h.svc.Step(timeline.Key("ArrowUp"))
	if len(h.player.seeks) != seeks {
		t.Error("unrelated key moved the playhead")
	}

	h.svc.Report(29.9)
	pb, _ = h.svc.Step(timeline.KeyRight)
	if pb.Time != 30 {
		t.Errorf("step past end: t = %v, want 30", pb.Time)
	}
	if pb.Label != "00:30.00 / 00:30.00" {
		t.Errorf("label = %q", pb.Label)
	}

	if pb := h.svc.Pause(); pb.Playing {
		t.Error("Pause() left playback running")
	}
}

func TestService_OpenMedia(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.OpenMedia(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("OpenMedia() error = %v, want ErrNoSource", err)
	}

	h.ready(t)
	m, err := h.svc.OpenMedia()
	if err != nil {
		t.Fatalf("OpenMedia() error = %v", err)
	}
	if m.Name != "source.mov" {
		t.Errorf("name = %q", m.Name)
	}
	m.Close()

	job, _ := h.svc.Merge(context.Background())
	h.job(t, job.ID)
	m, err = h.svc.OpenMedia()
	if err != nil {
		t.Fatalf("OpenMedia() error = %v", err)
	}
	defer m.Close()
	if m.Name != "merged.mp4" {
		t.Errorf("name = %q, want merged.mp4", m.Name)
	}
}

func TestService_Status(t *testing.T) {
	h := newHarness(t)
	st := h.svc.Status(context.Background())
	if st.Source != nil || st.FrameTarget != frames.DefaultCount || !st.EngineReady {
		t.Errorf("initial status = %+v", st)
	}
	if st.Mix != preview.DefaultMixSettings() {
		t.Errorf("initial mix = %+v", st.Mix)
	}
	if st.ActiveJobs == nil {
		t.Error("ActiveJobs is nil, want empty")
	}

	h.ready(t)
	st = h.svc.Status(context.Background())
	if st.Source == nil || st.FrameCount != frames.DefaultCount || st.Text == nil || st.Audio == nil {
		t.Errorf("status = %+v", st)
	}
	if len(st.ActiveJobs) != 0 {
		t.Errorf("active jobs = %d, want 0", len(st.ActiveJobs))
	}
}

func TestExportNamePattern(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	job, _ := h.svc.Merge(context.Background())
	h.job(t, job.ID)

	name, _, err := h.svc.Export(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^beach_ai_narration_\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}\.mp4$`).MatchString(name) {
		t.Errorf("export name %q does not match pattern", name)
	}
}
