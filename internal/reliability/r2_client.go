// Package reliability archives point-in-time snapshot exports to an
// S3-compatible bucket (Cloudflare R2 in production), so a monthly
// valuation run survives even if the relational rows are later pruned.
// Archival is best-effort: the database remains the source of truth.
package reliability

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// SnapshotArchiver uploads monthly snapshot exports to an R2 bucket. It
// implements internal/snapshot.Archiver.
type SnapshotArchiver struct {
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewSnapshotArchiver builds a client configured for Cloudflare R2's
// S3-compatible endpoint.
func NewSnapshotArchiver(accountID, accessKeyID, secretAccessKey, bucketName string, log zerolog.Logger) (*SnapshotArchiver, error) {
	if accountID == "" || accessKeyID == "" || secretAccessKey == "" || bucketName == "" {
		return nil, fmt.Errorf("reliability: r2 credentials incomplete")
	}

	r2Resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
			HostnameImmutable: true,
			SigningRegion:     "auto",
		}, nil
	})

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithEndpointResolverWithOptions(r2Resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("reliability: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 2
	})

	return &SnapshotArchiver{
		uploader: uploader,
		bucket:   bucketName,
		log:      log.With().Str("component", "snapshot_archiver").Logger(),
	}, nil
}

// ArchiveMonthly uploads a snapshot export under
// snapshots/<userID>/<monthKey>.json.
func (a *SnapshotArchiver) ArchiveMonthly(ctx context.Context, userID, monthKey string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	key := fmt.Sprintf("snapshots/%s/%s.json", userID, monthKey)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
	})
	if err != nil {
		return fmt.Errorf("reliability: upload snapshot archive %s: %w", key, err)
	}

	a.log.Info().Str("key", key).Int("bytes", len(payload)).Msg("snapshot archived")
	return nil
}
