package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/svcfields"
)

// ArchiveConfig configures the S3 report archiver.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseTLS    bool
	// Timeout bounds one upload. Zero means 30 seconds.
	Timeout time.Duration
}

// Archiver uploads finalised reports to an S3-compatible bucket. Archiving is
// best effort; an upload failure is logged and never affects the run.
type Archiver struct {
	client  *minio.Client
	bucket  string
	prefix  string
	timeout time.Duration
	logger  pslog.Logger
}

// NewArchiver connects an archiver to the configured bucket.
func NewArchiver(cfg ArchiveConfig, logger pslog.Logger) (*Archiver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("report: archive endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("report: archive bucket is required")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("report: s3 client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: timeout,
		logger:  svcfields.WithSubsystem(logger, "report.archive"),
	}, nil
}

// Upload stores one report as JSON under <prefix>/<run_id>.json.
func (a *Archiver) Upload(ctx context.Context, rep *api.Report) error {
	raw, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("report: encode %s: %w", rep.RunID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	key := path.Join(a.prefix, rep.RunID+".json")
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("report: upload %s: %w", key, err)
	}
	a.logger.Info("report archived", "run_id", rep.RunID, "bucket", a.bucket, "key", key)
	return nil
}

// Sink adapts the archiver to the controller's report hook.
func (a *Archiver) Sink() func(context.Context, *api.Report) {
	return func(ctx context.Context, rep *api.Report) {
		if err := a.Upload(ctx, rep); err != nil {
			a.logger.Warn("report archive failed", "run_id", rep.RunID, "error", err)
		}
	}
}
