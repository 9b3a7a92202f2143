package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"inventory-collector/internal/config"
	"inventory-collector/internal/models"
)

type fakePutter struct {
	key, bucket, contentType string
	body                     []byte
	err                      error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	f.contentType = aws.ToString(in.ContentType)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveWritesBundle(t *testing.T) {
	fp := &fakePutter{}
	a := newArchiver(fp, "inventory-archive", "records/")
	res := models.Resource{ResourceID: "res-1", DomainID: "d-1", Name: "web-01"}
	records := []models.Record{{RecordID: "rec-1", ResourceID: "res-1", Action: models.ActionCreate}}

	if err := a.Archive(context.Background(), res, records, nil); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if fp.bucket != "inventory-archive" || fp.key != "records/d-1/res-1.json" {
		t.Fatalf("unexpected target %s/%s", fp.bucket, fp.key)
	}
	if fp.contentType != "application/json" {
		t.Fatalf("content type = %q", fp.contentType)
	}
	var got Bundle
	if err := json.Unmarshal(fp.body, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Resource.Name != "web-01" || len(got.Records) != 1 || got.Records[0].RecordID != "rec-1" {
		t.Fatalf("unexpected bundle: %+v", got)
	}
}

func TestArchiveReportsUploadFailure(t *testing.T) {
	a := newArchiver(&fakePutter{err: errors.New("AccessDenied")}, "b", "")
	if err := a.Archive(context.Background(), models.Resource{ResourceID: "res-1"}, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewS3ArchiverDisabledWithoutBucket(t *testing.T) {
	a, err := NewS3Archiver(context.Background(), config.Config{})
	if err != nil || a != nil {
		t.Fatalf("expected nil archiver, got %v, %v", a, err)
	}
}
