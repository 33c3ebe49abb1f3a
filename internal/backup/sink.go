package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ledgerd/ledgerd/internal/config"
	"github.com/sirupsen/logrus"
)

// Sink stores a finished export and reports where it went.
type Sink interface {
	Put(ctx context.Context, table string, data []byte) (string, error)
}

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = (*S3Sink)(nil)
)

// FileSink writes the export to a local file, replacing it atomically.
type FileSink struct {
	Path string
}

func (f *FileSink) Put(_ context.Context, _ string, data []byte) (string, error) {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledgerd-backup-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return "", fmt.Errorf("failed to move backup into place: %w", err)
	}
	return f.Path, nil
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads exports to an S3-compatible bucket.
type S3Sink struct {
	client objectPutter
	bucket string
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

// NewS3Sink builds a sink from the backup.s3 configuration section.
func NewS3Sink(cfg config.S3Config, logger *logrus.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup.s3.bucket is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	awsCfg := aws.Config{
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return newS3Sink(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Sink(client objectPutter, bucket, prefix string, logger *logrus.Logger) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix, logger: logger, now: time.Now}
}

// ObjectKey names the object an export of table taken at t is stored under.
func (s *S3Sink) ObjectKey(table string, t time.Time) string {
	return fmt.Sprintf("%s%s-%s.jsonl", s.prefix, table, t.UTC().Format("20060102T150405Z"))
}

func (s *S3Sink) Put(ctx context.Context, table string, data []byte) (string, error) {
	key := s.ObjectKey(table, s.now())

	s.logger.WithFields(logrus.Fields{
		"bucket": s.bucket,
		"key":    key,
		"size":   len(data),
	}).Debug("Uploading backup to S3")

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/x-ndjson"),
		Metadata:      map[string]string{"ledgerd-table": table},
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.logger.WithField("location", location).Info("Backup uploaded")
	return location, nil
}
