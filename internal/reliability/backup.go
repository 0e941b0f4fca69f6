package reliability

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/database"
)

// BackupService uploads a checkpointed copy of the database to S3.
// Credentials come from the SDK default chain (env, profile, IMDS).
type BackupService struct {
	db       *database.DB
	bucket   string
	prefix   string
	uploader *manager.Uploader
	log      zerolog.Logger
}

// NewBackupService creates a backup service for the given bucket.
func NewBackupService(ctx context.Context, db *database.DB, bucket, prefix string, log zerolog.Logger) (*BackupService, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &BackupService{
		db:       db,
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("component", "backup").Logger(),
	}, nil
}

// Run checkpoints the WAL and uploads the database file. The key is
// date-stamped so one backup per day is retained naturally.
func (b *BackupService) Run(now time.Time) error {
	// Fold the WAL into the main file so the upload is self-contained.
	if err := b.db.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}

	f, err := os.Open(b.db.Path())
	if err != nil {
		return fmt.Errorf("failed to open database file for backup: %w", err)
	}
	defer f.Close()

	key := fmt.Sprintf("%s/kairos-%s.db", b.prefix, now.UTC().Format("2006-01-02"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
		Body:   f,
	}); err != nil {
		return fmt.Errorf("failed to upload backup to s3://%s/%s: %w", b.bucket, key, err)
	}

	b.log.Info().Str("bucket", b.bucket).Str("key", key).Msg("Database backup uploaded")
	return nil
}
