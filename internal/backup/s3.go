// Package backup exports owner trees as gzip-compressed JSON snapshots to
// S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/vfs"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// ObjectStore is the subset of the S3 client used for snapshots.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// TreeSource supplies owner trees.
type TreeSource interface {
	GetTree(ctx context.Context, owner string) (*vfs.Tree, error)
}

// Snapshot is the stored document.
type Snapshot struct {
	Owner   string    `json:"owner"`
	TakenAt time.Time `json:"takenAt"`
	Tree    *vfs.Tree `json:"tree"`
}

// Exporter writes snapshots to a bucket.
type Exporter struct {
	client ObjectStore
	bucket string
	trees  TreeSource
	now    func() time.Time
}

// NewClient creates an S3 client for cfg. Path-style addressing is used so
// MinIO works.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}

// NewExporter creates an exporter and makes sure the bucket exists. A
// bucket check failure is logged, not returned: snapshots then fail
// individually.
func NewExporter(ctx context.Context, client ObjectStore, bucket string, trees TreeSource) *Exporter {
	e := &Exporter{client: client, bucket: bucket, trees: trees, now: time.Now}
	if err := e.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.String("bucket", bucket), zap.Error(err))
	}
	return e
}

func (e *Exporter) ensureBucket(ctx context.Context) error {
	_, err := e.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(e.bucket),
	})
	if err == nil {
		return nil
	}
	_, createErr := e.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(e.bucket),
	})
	if createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", e.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", e.bucket))
	return nil
}

// Key returns the object key for a snapshot of owner taken at t.
func Key(owner string, t time.Time) string {
	return fmt.Sprintf("snapshots/%s/%s.json.gz", url.PathEscape(owner), t.UTC().Format("20060102T150405.000Z"))
}

// Export snapshots owner's tree and returns the object key.
func (e *Exporter) Export(ctx context.Context, owner string) (string, error) {
	tree, err := e.trees.GetTree(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("read tree: %w", err)
	}
	snap := Snapshot{Owner: owner, TakenAt: e.now().UTC(), Tree: tree}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gw).Encode(snap); err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("compress snapshot: %w", err)
	}

	key := Key(owner, snap.TakenAt)
	start := time.Now()
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(e.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentLength:   aws.Int64(int64(buf.Len())),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	metrics.RecordS3Operation("put", time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	logging.WithContext(ctx).Info("snapshot exported",
		logging.Owner(owner), zap.String("key", key),
		zap.Int("nodes", tree.TotalCount), zap.Int("bytes", buf.Len()))
	return key, nil
}

// Load reads the snapshot stored at key.
func (e *Exporter) Load(ctx context.Context, key string) (*Snapshot, error) {
	start := time.Now()
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("get", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	return Decode(out.Body)
}

// Decode reads a gzip-compressed snapshot.
func Decode(r io.Reader) (*Snapshot, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer gr.Close()

	var snap Snapshot
	if err := json.NewDecoder(gr).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Tree == nil {
		return nil, errors.New("decode snapshot: missing tree")
	}
	return &snap, nil
}
