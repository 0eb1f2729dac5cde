package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"compute-generation-service/internal/config"
	"compute-generation-service/internal/models"
)

// Archiver writes a JSON report of every terminal generation attempt to S3
// for long-term inspection. Archiving is strictly best-effort: callers use
// TryArchive and a failure never affects the job outcome.
type Archiver struct {
	client *s3.Client
	bucket string
}

// New returns nil (archiving disabled) when no bucket is configured.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	})
	return &Archiver{client: client, bucket: cfg.ArchiveS3Bucket}, nil
}

// Report is the archived shape of a finished attempt.
type Report struct {
	Instance   models.Instance        `json:"instance"`
	ArchivedAt time.Time              `json:"archived_at"`
	Progress   []models.ProgressEvent `json:"progress,omitempty"`
}

// TryArchive uploads the report. It returns the error for logging but is
// safe to ignore; a nil Archiver is a no-op.
func (a *Archiver) TryArchive(ctx context.Context, report Report) error {
	if a == nil {
		return nil
	}
	report.ArchivedAt = time.Now().UTC()
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := fmt.Sprintf("generations/%s/%s.json",
		report.Instance.MicroserviceID, report.Instance.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put report %s: %w", key, err)
	}
	return nil
}
