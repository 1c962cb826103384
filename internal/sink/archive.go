package sink

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Uploader is the subset of manager.Uploader the archive needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// ArchiveSink commits the image like FileSink and then mirrors the verified
// image to an S3 bucket. Upload failures are logged; the local image stays
// authoritative.
type ArchiveSink struct {
	*FileSink
	Bucket   string
	Prefix   string
	Timeout  time.Duration
	uploader Uploader
	location string
}

func NewArchiveSink(file *FileSink, uploader Uploader, bucket, prefix string) *ArchiveSink {
	return &ArchiveSink{
		FileSink: file,
		Bucket:   bucket,
		Prefix:   prefix,
		Timeout:  5 * time.Minute,
		uploader: uploader,
	}
}

// NewS3Uploader builds an uploader from the shared AWS config for profile.
func NewS3Uploader(ctx context.Context, profile string) (*manager.Uploader, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode("adaptive")}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return manager.NewUploader(s3.NewFromConfig(cfg)), nil
}

func (s *ArchiveSink) Finalize() error {
	if err := s.FileSink.Finalize(); err != nil {
		return err
	}
	if err := s.upload(); err != nil {
		log.Error().Str("op", "sink/archive").Err(err).Str("bucket", s.Bucket).Msg("Archive upload failed")
	}
	return nil
}

// Location returns the URL of the last archived image, if any.
func (s *ArchiveSink) Location() string {
	return s.location
}

func (s *ArchiveSink) key() string {
	return path.Join(s.Prefix, s.Digest()+"-"+filepath.Base(s.Path))
}

func (s *ArchiveSink) upload() error {
	file, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("error opening image: %v", err)
	}
	defer file.Close()
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.key()),
		Body:        file,
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"digest": s.Digest()},
	})
	if err != nil {
		return err
	}
	s.location = out.Location
	log.Info().Str("op", "sink/archive").Str("location", out.Location).Msg("Image archived")
	return nil
}
