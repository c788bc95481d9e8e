package storage

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// FolderRecordings is the S3 prefix for recording objects.
const FolderRecordings = "recordings"

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// S3 signs playback URLs for recording objects. Media never passes through this service.
type S3 struct {
	presign *s3.PresignClient
	cfg     S3Config
	logger  *zap.Logger
}

// NewS3 creates the presigning client. Static keys from cfg are used when both are set;
// otherwise the SDK's default credential chain applies (instance role, shared profile).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecordingsBucket == "" {
		return nil, fmt.Errorf("recordings bucket is required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	static := cfg.AccessKeyID != "" && cfg.SecretAccessKey != ""
	if static {
		provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(provider))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	logger.Info("recordings presigner ready",
		zap.String("region", cfg.Region),
		zap.String("bucket", cfg.RecordingsBucket),
		zap.Bool("static_credentials", static))

	presign := s3.NewPresignClient(s3.NewFromConfig(awsCfg))
	return &S3{presign: presign, cfg: cfg, logger: logger}, nil
}

// RecordingKey returns the object key for a recording: recordings/{room_id}/{recording_id}.mp4.
func RecordingKey(roomID, recordingID string) string {
	return path.Join(FolderRecordings, path.Base(roomID), recordingID+".mp4")
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// PresignRecording returns a pre-signed GET URL for a recording object.
func (s *S3) PresignRecording(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.RecordingsBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.PresignExpire()
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	s.logger.Debug("presigned recording", zap.String("key", key), zap.Duration("expires", s.PresignExpire()))
	return req.URL, nil
}
