package report

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"pkt.systems/pslog"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/metrics"
	"pkt.systems/tripd/internal/precedence"
)

func setupFakeS3(t *testing.T) (*s3mem.Backend, ArchiveConfig) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "tripd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return backend, ArchiveConfig{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "test",
		SecretKey: "test",
		Bucket:    bucket,
		Prefix:    "reports",
	}
}

func TestArchiverUpload(t *testing.T) {
	backend, cfg := setupFakeS3(t)
	archiver, err := NewArchiver(cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	rep := Build(sampleArchiveInput())
	if err := archiver.Upload(context.Background(), rep); err != nil {
		t.Fatalf("upload: %v", err)
	}

	obj, err := backend.GetObject(cfg.Bucket, "reports/run-arch.json", nil)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer obj.Contents.Close()
	raw, err := io.ReadAll(obj.Contents)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	var stored api.Report
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode stored report: %v", err)
	}
	if stored.RunID != rep.RunID || stored.TotalRequests != rep.TotalRequests {
		t.Fatalf("stored report diverges: %+v", stored)
	}
}

func TestArchiverSinkSwallowsFailures(t *testing.T) {
	_, cfg := setupFakeS3(t)
	cfg.Bucket = "does-not-exist"
	archiver, err := NewArchiver(cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	// Sink must never propagate upload errors to the run.
	archiver.Sink()(context.Background(), Build(sampleArchiveInput()))
}

func TestNewArchiverValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewArchiver(ArchiveConfig{Bucket: "b"}, nil); err == nil {
		t.Fatal("expected error without endpoint")
	}
	if _, err := NewArchiver(ArchiveConfig{Endpoint: "localhost:9000"}, nil); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func sampleArchiveInput() Input {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Input{
		RunID:         "run-arch",
		Mode:          "burst",
		TerminalPhase: "complete",
		Effective:     precedence.EffectiveConfig{Params: precedence.Defaults()},
		StartedAt:     started,
		FinishedAt:    started.Add(time.Minute),
		Summaries: map[string]metrics.Summary{
			"baseline": {Count: 100, P50MS: 10, P95MS: 30, QPS: 50},
		},
		GeneratedAt: started.Add(time.Minute),
	}
}
