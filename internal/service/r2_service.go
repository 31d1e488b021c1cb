package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/models"
)

// Archiver stores a terminal post before retention deletes it.
type Archiver interface {
	Archive(ctx context.Context, post *models.Post, items []*models.QueueItem) error
}

// ObjectPutter is the part of *s3.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type R2Archiver struct {
	client ObjectPutter
	bucket string
	now    func() time.Time
}

type archivedPost struct {
	Post       *models.Post        `json:"post"`
	QueueItems []*models.QueueItem `json:"queue_items"`
	ArchivedAt time.Time           `json:"archived_at"`
}

func NewR2Archiver(client ObjectPutter, bucket string) *R2Archiver {
	return &R2Archiver{client: client, bucket: bucket, now: time.Now}
}

// NewR2Client builds an S3 client pointed at the Cloudflare R2 account.
func NewR2Client(ctx context.Context, r2 config.R2) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(r2.AccessKey, r2.SecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", r2.AccountID))
	}), nil
}

// ArchiveKey is posts/<yyyy>/<mm>/<id>.json, partitioned by creation month.
func ArchiveKey(post *models.Post) string {
	return fmt.Sprintf("posts/%s/%d.json", post.CreatedAt.UTC().Format("2006/01"), post.ID)
}

func (r *R2Archiver) Archive(ctx context.Context, post *models.Post, items []*models.QueueItem) error {
	body, err := json.Marshal(archivedPost{Post: post, QueueItems: items, ArchivedAt: r.now().UTC()})
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(ArchiveKey(post)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}

	if _, err := r.client.PutObject(ctx, input); err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
