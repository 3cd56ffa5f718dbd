// Package archive stores finished request records in object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/installdesk/internal/models"
)

type Archiver interface {
	ArchiveRequest(ctx context.Context, req models.InstallRequest) (string, error)
}

// Nop archives nothing.
type Nop struct{}

func (Nop) ArchiveRequest(context.Context, models.InstallRequest) (string, error) { return "", nil }

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes terminal request records to
//
//	s3://<bucket>/<prefix>/requests/YYYY/MM/DD/<requestID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver picks up region and credentials from the usual AWS
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID...).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ObjectKey is where req is stored. Records are filed under their last
// update so a day's prefix holds the requests that finished that day.
func ObjectKey(prefix string, req models.InstallRequest) string {
	ts := req.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(prefix, "requests",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		req.ID.String()+".json",
	)
}

func (s *S3Archiver) ArchiveRequest(ctx context.Context, req models.InstallRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request record: %w", err)
	}
	key := ObjectKey(s.prefix, req)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"status": string(req.Status),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
