package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/narrato/narrato-agent/internal/frames"
	"github.com/narrato/narrato-agent/internal/merge"
	"github.com/narrato/narrato-agent/internal/playback"
	"github.com/narrato/narrato-agent/internal/preview"
	"github.com/narrato/narrato-agent/internal/session"
	"github.com/narrato/narrato-agent/internal/timeline"
)

const testToken = "test-token-123456"

var _ Session = (*session.Service)(nil)

// newRequest builds a request from a loopback peer.
func newRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:50000"
	return req
}

type fakeSession struct {
	status       session.Status
	uploadName   string
	uploadBody   string
	uploadErr    error
	frameSet     session.FrameSet
	instructions string
	genInstr     string
	genErr       error
	text         *session.NarrationText
	audio        *session.NarrationAudio
	mix          preview.MixSettings
	mergeErr     error
	exportName   string
	merged       *session.MergedOutput
	media        *session.Media
	playback     session.PlaybackState
	seekErr      error
	lastSeek     float64
	lastClick    [2]float64
	lastKey      timeline.Key
	jobs         map[string]*session.Job
	running      map[string]bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		mix:     preview.DefaultMixSettings(),
		jobs:    map[string]*session.Job{},
		running: map[string]bool{},
	}
}

func (f *fakeSession) job(kind string) *session.Job {
	j := &session.Job{ID: kind + "-job", Type: kind, Status: session.JobStatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.jobs[j.ID] = j
	return j
}

func (f *fakeSession) Status(ctx context.Context) session.Status { return f.status }

func (f *fakeSession) Upload(ctx context.Context, req session.UploadRequest) (*session.SourceVideo, *session.Job, error) {
	if f.uploadErr != nil {
		return nil, nil, f.uploadErr
	}
	data, _ := io.ReadAll(req.Body)
	f.uploadName, f.uploadBody = req.Name, string(data)
	return &session.SourceVideo{Name: req.Name, Duration: 30}, f.job(session.JobTypeFrames), nil
}

func (f *fakeSession) Frames() session.FrameSet { return f.frameSet }

func (f *fakeSession) Frame(index int) (frames.Frame, error) {
	if index < 0 || index >= f.frameSet.Len() {
		return frames.Frame{}, session.ErrInvalidFrame
	}
	return f.frameSet.Frames[index], nil
}

func (f *fakeSession) Instructions(ctx context.Context) (string, error) { return f.instructions, nil }

func (f *fakeSession) GenerateText(ctx context.Context, instructions string) (*session.Job, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	f.genInstr = instructions
	return f.job(session.JobTypeText), nil
}

func (f *fakeSession) SetNarrationText(text string) session.NarrationText {
	nt := session.NewNarrationText(text)
	f.text = &nt
	return nt
}

func (f *fakeSession) NarrationText() (*session.NarrationText, error) {
	if f.text == nil {
		return nil, session.ErrNoText
	}
	return f.text, nil
}

func (f *fakeSession) GenerateAudio(ctx context.Context) (*session.Job, error) {
	if f.text == nil {
		return nil, session.ErrNoText
	}
	return f.job(session.JobTypeAudio), nil
}

func (f *fakeSession) NarrationAudio() (*session.NarrationAudio, error) {
	if f.audio == nil {
		return nil, session.ErrNoAudio
	}
	return f.audio, nil
}

func (f *fakeSession) Mix() preview.MixSettings { return f.mix }

func (f *fakeSession) SetMix(m preview.MixSettings) preview.MixSettings {
	f.mix = m.Clamp()
	return f.mix
}

func (f *fakeSession) Merge(ctx context.Context) (*session.Job, error) {
	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	return f.job(session.JobTypeMerge), nil
}

func (f *fakeSession) Export(now time.Time) (string, *session.MergedOutput, error) {
	if f.merged == nil {
		return "", nil, session.ErrNoMerged
	}
	return f.exportName, f.merged, nil
}

func (f *fakeSession) OpenMedia() (*session.Media, error) {
	if f.media == nil {
		return nil, session.ErrNoSource
	}
	return f.media, nil
}

func (f *fakeSession) Seek(t float64) (session.PlaybackState, error) {
	f.lastSeek = t
	if f.seekErr != nil {
		return f.playback, f.seekErr
	}
	f.playback.Time = t
	f.playback.Playing = true
	return f.playback, nil
}

func (f *fakeSession) Click(x, w float64) (session.PlaybackState, error) {
	f.lastClick = [2]float64{x, w}
	return f.Seek(timeline.PositionToTime(x, w, f.playback.Duration))
}

func (f *fakeSession) Step(key timeline.Key) (session.PlaybackState, error) {
	f.lastKey = key
	t, moved := timeline.Step(f.playback.Time, key, f.playback.Duration)
	if !moved {
		return f.playback, nil
	}
	return f.Seek(t)
}

func (f *fakeSession) Play() (session.PlaybackState, error) {
	f.playback.Playing = true
	return f.playback, nil
}

func (f *fakeSession) Pause() session.PlaybackState {
	f.playback.Playing = false
	return f.playback
}

func (f *fakeSession) Playback() session.PlaybackState { return f.playback }

func (f *fakeSession) ListJobs(ctx context.Context, limit int) ([]*session.Job, error) {
	out := []*session.Job{}
	for _, j := range f.jobs {
		if len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeSession) Job(ctx context.Context, id string) (*session.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, session.ErrJobNotFound
}

func (f *fakeSession) CancelJob(id string) bool { return f.running[id] }

func testConfig(svc Session) ServerConfig {
	return ServerConfig{
		Session:        svc,
		PlaybackServer: playback.NewServer(nil),
		Token:          testToken,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		StartTime:      time.Now(),
		Version:        "test",
	}
}

func do(t *testing.T, router http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := newRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealth_NoAuth(t *testing.T) {
	router := NewRouter(testConfig(newFakeSession()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestAuth(t *testing.T) {
	router := NewRouter(testConfig(newFakeSession()))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", "", http.StatusUnauthorized},
		{"header", "Bearer " + testToken, "", http.StatusOK},
		{"query", "", "?token=" + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(http.MethodGet, "/status"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestStatus_State(t *testing.T) {
	svc := newFakeSession()
	svc.status = session.Status{
		FrameTarget: 20,
		ActiveJobs:  []*session.Job{{Type: session.JobTypeFrames, Label: "3/20"}},
	}
	router := NewRouter(testConfig(svc))

	rr := do(t, router, http.MethodGet, "/status", nil)
	body := decodeJSONBody(t, rr)
	if body["state"] != "extracting frames 3/20" {
		t.Errorf("state = %v", body["state"])
	}
	if body["frame_target"].(float64) != 20 {
		t.Errorf("frame_target = %v", body["frame_target"])
	}
}

func TestUpload_Multipart(t *testing.T) {
	svc := newFakeSession()
	router := NewRouter(testConfig(svc))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "ignored")
	fw, _ := mw.CreateFormFile("file", "Holiday.mov")
	fw.Write([]byte("video-bytes"))
	mw.Close()

	req := newRequest(http.MethodPost, "/video", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body.String())
	}
	if svc.uploadName != "Holiday.mov" || svc.uploadBody != "video-bytes" {
		t.Errorf("upload = %q %q", svc.uploadName, svc.uploadBody)
	}
	body := decodeJSONBody(t, rr)
	job := body["job"].(map[string]interface{})
	if job["type"] != session.JobTypeFrames || job["status"] != session.JobStatusPending {
		t.Errorf("job = %v", job)
	}
}

func TestUpload_RawBody(t *testing.T) {
	svc := newFakeSession()
	router := NewRouter(testConfig(svc))

	req := newRequest(http.MethodPost, "/video?name=clip.mp4", strings.NewReader("raw"))
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	if svc.uploadName != "clip.mp4" || svc.uploadBody != "raw" {
		t.Errorf("upload = %q %q", svc.uploadName, svc.uploadBody)
	}
}

func TestUpload_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"not video", session.ErrNotVideo, http.StatusUnsupportedMediaType, session.CodeInput},
		{"too large", session.ErrUploadTooLarge, http.StatusRequestEntityTooLarge, session.CodeInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeSession()
			svc.uploadErr = tt.err
			router := NewRouter(testConfig(svc))

			rr := do(t, router, http.MethodPost, "/video?name=x.txt", strings.NewReader("x"))
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if body := decodeJSONBody(t, rr); body["code"] != tt.code {
				t.Errorf("code = %v, want %s", body["code"], tt.code)
			}
		})
	}
}

func TestFrames(t *testing.T) {
	svc := newFakeSession()
	svc.status.FrameTarget = 20
	svc.frameSet = session.FrameSet{Frames: []frames.Frame{
		{Index: 0, Timestamp: 1.5, Width: 512, Height: 288, JPEG: []byte("jpeg-0")},
		{Index: 1, Timestamp: 3, Width: 512, Height: 288, JPEG: []byte("jpeg-1")},
	}}
	router := NewRouter(testConfig(svc))

	rr := do(t, router, http.MethodGet, "/frames", nil)
	var resp FramesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || resp.Target != 20 || resp.Frames[1].Timestamp != 3 {
		t.Errorf("frames = %+v", resp)
	}

	rr = do(t, router, http.MethodGet, "/frames/1", nil)
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/jpeg" || rr.Body.String() != "jpeg-1" {
		t.Errorf("frame 1: %d %q %q", rr.Code, rr.Header().Get("Content-Type"), rr.Body.String())
	}

	if rr := do(t, router, http.MethodGet, "/frames/7", nil); rr.Code != http.StatusNotFound {
		t.Errorf("frame 7 status = %d, want 404", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/frames/abc", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("frame abc status = %d, want 400", rr.Code)
	}
}

func TestGenerateText_FallsBackToStoredInstructions(t *testing.T) {
	svc := newFakeSession()
	svc.instructions = "Calm documentary voice"
	router := NewRouter(testConfig(svc))

	rr := do(t, router, http.MethodPost, "/narration/text", strings.NewReader(`{}`))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	if svc.genInstr != "Calm documentary voice" {
		t.Errorf("instructions = %q", svc.genInstr)
	}

	do(t, router, http.MethodPost, "/narration/text", strings.NewReader(`{"instructions":"  Upbeat  "}`))
	if svc.genInstr != "Upbeat" {
		t.Errorf("instructions = %q", svc.genInstr)
	}
}

func TestGenerateText_NotReady(t *testing.T) {
	svc := newFakeSession()
	svc.genErr = session.ErrNoFrames
	router := NewRouter(testConfig(svc))

	rr := do(t, router, http.MethodPost, "/narration/text", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if body := decodeJSONBody(t, rr); body["code"] != session.CodeInput {
		t.Errorf("code = %v", body["code"])
	}
}

func TestNarrationText_EditThenAudio(t *testing.T) {
	svc := newFakeSession()
	router := NewRouter(testConfig(svc))

	if rr := do(t, router, http.MethodPost, "/narration/audio", nil); rr.Code != http.StatusConflict {
		t.Fatalf("audio without text status = %d, want 409", rr.Code)
	}

	rr := do(t, router, http.MethodPut, "/narration/text", strings.NewReader(`{"text":"A quiet beach."}`))
	body := decodeJSONBody(t, rr)
	if body["text"] != "A quiet beach." || body["version"] != session.TextVersion("A quiet beach.") {
		t.Errorf("body = %v", body)
	}

	rr = do(t, router, http.MethodGet, "/narration/text", nil)
	if body := decodeJSONBody(t, rr); body["text"] != "A quiet beach." {
		t.Errorf("GET text = %v", body)
	}

	if rr := do(t, router, http.MethodPost, "/narration/audio", nil); rr.Code != http.StatusAccepted {
		t.Errorf("audio status = %d, want 202", rr.Code)
	}
}

func TestMix(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		wantVideo     float64
		wantNarration float64
		wantStatus    int
	}{
		{"percent", `{"video_percent":30,"narration_percent":80}`, 0.3, 0.8, http.StatusOK},
		{"fraction", `{"video_gain":0.25}`, 0.25, 0.5, http.StatusOK},
		{"clamped", `{"video_percent":150,"narration_gain":-1}`, 1, 0, http.StatusOK},
		{"empty", `{}`, 0.5, 0.5, http.StatusBadRequest},
		{"garbage", `{`, 0.5, 0.5, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeSession()
			router := NewRouter(testConfig(svc))

			rr := do(t, router, http.MethodPut, "/mix", strings.NewReader(tt.body))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if svc.mix.VideoGain != tt.wantVideo || svc.mix.NarrationGain != tt.wantNarration {
				t.Errorf("mix = %+v", svc.mix)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	svc := newFakeSession()
	router := NewRouter(testConfig(svc))

	rr := do(t, router, http.MethodPost, "/merge", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}

	svc.mergeErr = &merge.Error{Kind: merge.KindInput, Err: merge.ErrNoNarration}
	rr = do(t, router, http.MethodPost, "/merge", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if body := decodeJSONBody(t, rr); body["code"] != session.CodeInput {
		t.Errorf("code = %v", body["code"])
	}
}

func TestJobs(t *testing.T) {
	svc := newFakeSession()
	job := svc.job(session.JobTypeMerge)
	svc.running[job.ID] = true
	router := NewRouter(testConfig(svc))

	rr := do(t, router, http.MethodGet, "/jobs", nil)
	var list JobsResponse
	json.Unmarshal(rr.Body.Bytes(), &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != job.ID {
		t.Errorf("jobs = %+v", list)
	}

	if rr := do(t, router, http.MethodGet, "/jobs/"+job.ID, nil); rr.Code != http.StatusOK {
		t.Errorf("get status = %d", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/jobs/missing", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/jobs?limit=0", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rr.Code)
	}
	if rr := do(t, router, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil); rr.Code != http.StatusNoContent {
		t.Errorf("cancel status = %d, want 204", rr.Code)
	}
	if rr := do(t, router, http.MethodPost, "/jobs/other/cancel", nil); rr.Code != http.StatusConflict {
		t.Errorf("cancel idle status = %d, want 409", rr.Code)
	}
}

func TestTransport(t *testing.T) {
	svc := newFakeSession()
	svc.playback.Duration = 30
	router := NewRouter(testConfig(svc))

	rr := do(t, router, http.MethodPost, "/transport/click", strings.NewReader(`{"x":150,"width":600}`))
	if rr.Code != http.StatusOK || svc.lastSeek != 7.5 {
		t.Fatalf("click: status %d seek %v", rr.Code, svc.lastSeek)
	}

	do(t, router, http.MethodPost, "/transport/step", strings.NewReader(`{"key":"ArrowRight"}`))
	if svc.lastSeek != 9.5 {
		t.Errorf("step seek = %v, want 9.5", svc.lastSeek)
	}

	do(t, router, http.MethodPost, "/transport/step", strings.NewReader(`{"key":"Space"}`))
	if svc.lastSeek != 9.5 || svc.lastKey != "Space" {
		t.Errorf("ignored key moved the playhead: %v", svc.lastSeek)
	}

	if rr := do(t, router, http.MethodPost, "/transport/seek", strings.NewReader(`{}`)); rr.Code != http.StatusBadRequest {
		t.Errorf("seek without time status = %d", rr.Code)
	}
	do(t, router, http.MethodPost, "/transport/seek", strings.NewReader(`{"time":0}`))
	if svc.lastSeek != 0 {
		t.Errorf("seek = %v, want 0", svc.lastSeek)
	}

	rr = do(t, router, http.MethodPost, "/transport/pause", nil)
	var st session.PlaybackState
	json.Unmarshal(rr.Body.Bytes(), &st)
	if st.Playing {
		t.Error("still playing after pause")
	}
	rr = do(t, router, http.MethodPost, "/transport/play", nil)
	json.Unmarshal(rr.Body.Bytes(), &st)
	if !st.Playing {
		t.Error("not playing after play")
	}

	rr = do(t, router, http.MethodGet, "/transport", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("transport state status = %d", rr.Code)
	}
}

func TestTransport_NoMedia(t *testing.T) {
	svc := newFakeSession()
	svc.seekErr = preview.ErrNoMedia
	router := NewRouter(testConfig(svc))

	rr := do(t, router, http.MethodPost, "/transport/seek", strings.NewReader(`{"time":3}`))
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
}
