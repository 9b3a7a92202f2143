// Package archive copies the change history of purged resources to S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"inventory-collector/internal/config"
	"inventory-collector/internal/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes one JSON object per purged resource.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// Bundle is the archived document.
type Bundle struct {
	Resource   models.Resource `json:"resource"`
	Records    []models.Record `json:"records"`
	Notes      []models.Note   `json:"notes"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// NewS3Archiver returns nil when no bucket is configured.
func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newArchiver(client, cfg.ArchiveBucket, cfg.ArchivePrefix), nil
}

func newArchiver(client objectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.TrimPrefix(prefix, "/"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveEndpoint)
		}
		o.UsePathStyle = cfg.ArchivePathStyle
	}), nil
}

// Key is the object key of a resource's archive.
func (a *S3Archiver) Key(res models.Resource) string {
	return path.Join(a.prefix, res.DomainID, res.ResourceID+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, res models.Resource, records []models.Record, notes []models.Note) error {
	body, err := json.Marshal(Bundle{Resource: res, Records: records, Notes: notes, ArchivedAt: a.now()})
	if err != nil {
		return fmt.Errorf("encode archive for %s: %w", res.ResourceID, err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(res)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3 object: %w", err)
	}
	return nil
}
