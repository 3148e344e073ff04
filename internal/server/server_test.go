package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"matting/internal/config"
	"matting/internal/logging"
	"matting/internal/pipeline"
	"matting/internal/plugin"
	"matting/internal/storage"

	"github.com/gorilla/websocket"
)

// echoProcessor finishes every job; jobs without a trimap fail as calling errors.
type echoProcessor struct{}

func (echoProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	if job.TrimapPath == "" {
		return pipeline.Result{Job: job, Status: plugin.StatusCallingError, Error: plugin.ErrNotTrimap}
	}
	return pipeline.Result{Job: job, Status: plugin.StatusSuccess, Meta: map[string]any{"input": filepath.Base(job.InputPath)}}
}

func newTestServer(t *testing.T) (*Server, *storage.Store, *pipeline.Pipeline) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DefaultOutput = dir

	store, err := storage.New(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := plugin.Setup(cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	pipe := pipeline.NewWithProcessor(context.Background(), cfg, logging.Discard(), store, reg, echoProcessor{})
	t.Cleanup(pipe.Stop)

	return NewServer(":0", cfg, store, pipe, logging.Discard()), store, pipe
}

func multipartBody(t *testing.T, files map[string]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, name := range files {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("not really a png"))
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHealthAndProcedures(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("health: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/procedures", nil))
	var procs []procedureView
	if err := json.NewDecoder(rec.Body).Decode(&procs); err != nil {
		t.Fatalf("decode procedures: %v", err)
	}
	if len(procs) != 1 || procs[0].Name != plugin.DefaultProcedureName || procs[0].Arity != 2 {
		t.Fatalf("unexpected procedures %+v", procs)
	}
	if procs[0].MenuLabel != "_Matting..." || procs[0].ImageTypes != "RGB*, GRAY*" {
		t.Fatalf("unexpected registration %+v", procs[0])
	}
}

func TestDecomposeWaitsForResult(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Handler()

	body, ctype := multipartBody(t,
		map[string]string{"image": "photo.png", "trimap": "photo.trimap.png"},
		map[string]string{"wait": "true"})
	req := httptest.NewRequest("POST", "/decompose", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var view resultView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Status != "success" || view.Meta["input"] != "image.png" {
		t.Fatalf("unexpected result %+v", view)
	}
	if !strings.HasPrefix(view.ID, "decompose-") {
		t.Fatalf("unexpected id %q", view.ID)
	}

	if _, err := os.Stat(filepath.Join(srv.uploadDir, view.ID, "trimap.png")); err != nil {
		t.Fatalf("trimap upload not stored: %v", err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/"+view.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("job lookup: %d", rec.Code)
	}
	var detail struct {
		Job storage.JobRecord `json:"job"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Job.Status != "completed" || detail.Job.HostStatus != "success" {
		t.Fatalf("unexpected record %+v", detail.Job)
	}

	recs, err := store.RecentJobs(10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("recent jobs: %v %v", recs, err)
	}
}

func TestDecomposeRequiresTrimap(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, ctype := multipartBody(t, map[string]string{"image": "photo.png"}, nil)
	req := httptest.NewRequest("POST", "/decompose", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDecomposeQueuesWithoutWait(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, ctype := multipartBody(t, map[string]string{"image": "a.png", "trimap": "b.png"}, nil)
	req := httptest.NewRequest("POST", "/decompose", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestJobAndOutputLookup(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	path := filepath.Join(t.TempDir(), "photo-foreground.png")
	if err := os.WriteFile(path, []byte("layer bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordLayerOutput(storage.LayerOutput{JobID: "job-1", Name: "foreground", Path: path, Width: 1, Height: 1}); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/outputs/job-1/foreground", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "layer bytes" {
		t.Fatalf("output: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/outputs/job-1/background", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing layer, got %d", rec.Code)
	}
}

func TestWebSocketReceivesResults(t *testing.T) {
	srv, _, pipe := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous, so keep submitting until a result arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				pipe.Submit(pipeline.Job{ID: pipeline.NewJobID("ws"), Type: pipeline.JobDecompose, InputPath: "a.png", TrimapPath: "b.png"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var view resultView
	if err := json.Unmarshal(msg, &view); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	if view.Status != "success" || !strings.HasPrefix(view.ID, "ws-") {
		t.Fatalf("unexpected message %+v", view)
	}
}

func TestStreamSendsEvents(t *testing.T) {
	srv, _, pipe := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	// Headers arrive after the subscription exists.
	if err := pipe.Submit(pipeline.Job{ID: "sse-1", Type: pipeline.JobDecompose, InputPath: "a.png"}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 512)
	done := make(chan string, 1)
	go func() {
		var got []byte
		for {
			n, err := resp.Body.Read(buf)
			got = append(got, buf[:n]...)
			if bytes.Contains(got, []byte("\n\n")) || err != nil {
				done <- string(got)
				return
			}
		}
	}()
	select {
	case line := <-done:
		if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"id":"sse-1"`) || !strings.Contains(line, `"status":"calling-error"`) {
			t.Fatalf("unexpected event %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}
