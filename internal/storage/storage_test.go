package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "matting.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInvocationLifecycle(t *testing.T) {
	s := openStore(t)

	rec := JobRecord{
		ID:          "decompose-1",
		JobType:     "decompose",
		Procedure:   "plug-in-matting",
		Status:      "queued",
		InputPath:   "photo.png",
		TrimapPath:  "photo.trimap.png",
		OutputPath:  "out",
		OptionsJSON: `{"format":"png"}`,
	}
	if err := s.RecordJobQueued(rec); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart(rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	meta := map[string]any{"width": 4, "outputs": []string{"a", "b"}}
	if err := s.RecordJobResult(rec.ID, "completed", "success", meta, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	got, err := s.Job(rec.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if got.Status != "completed" || got.HostStatus != "success" || got.TrimapPath != rec.TrimapPath || got.Procedure != rec.Procedure {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps not recorded: %+v", got)
	}

	m, err := s.JobMeta(rec.ID)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if m["width"] != float64(4) {
		t.Fatalf("unexpected meta %v", m)
	}

	if _, err := s.Job("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestRecentJobsAndOutputs(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.RecordJobQueued(JobRecord{ID: id, JobType: "decompose", Status: "queued"}); err != nil {
			t.Fatalf("queue %s: %v", id, err)
		}
	}
	if err := s.RecordJobResult("b", "failed", "calling-error", nil, "1 is not trimap"); err != nil {
		t.Fatalf("result: %v", err)
	}

	recs, err := s.RecentJobs(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "c" || recs[1].ID != "b" {
		t.Fatalf("unexpected order %+v", recs)
	}
	if recs[1].Error != "1 is not trimap" {
		t.Fatalf("error message not stored: %+v", recs[1])
	}

	for _, name := range []string{"foreground", "background"} {
		if err := s.RecordLayerOutput(LayerOutput{JobID: "a", Name: name, Path: name + ".png", Width: 3, Height: 2}); err != nil {
			t.Fatalf("output: %v", err)
		}
	}
	outs, err := s.LayerOutputs("a")
	if err != nil {
		t.Fatalf("outputs: %v", err)
	}
	if len(outs) != 2 || outs[0].Name != "foreground" || outs[1].Width != 3 {
		t.Fatalf("unexpected outputs %+v", outs)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store returned %v", err)
	}
	if _, err := s.RecentJobs(1); err == nil {
		t.Fatalf("expected error reading from nil store")
	}
}
