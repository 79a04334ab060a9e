package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata/memory"
	"github.com/fruitsalade/deskfs/internal/vfs"
)

func init() {
	logging.InitNop()
}

type fakeBucket struct {
	mu       sync.Mutex
	exists   bool
	objects  map[string][]byte
	encoding map[string]string
	putErr   error
}

func newFakeBucket(exists bool) *fakeBucket {
	return &fakeBucket{exists: exists, objects: map[string][]byte{}, encoding: map[string]string{}}
}

func (f *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.encoding[aws.ToString(in.Key)] = aws.ToString(in.ContentEncoding)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeBucket) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.exists {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeBucket) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.exists = true
	return &s3.CreateBucketOutput{}, nil
}

func newEngine(t *testing.T) *vfs.Engine {
	t.Helper()
	e := vfs.New(memory.New(), vfs.Options{})
	ctx := context.Background()
	_, err := e.CreateFolder(ctx, "alice", "Documents", "/")
	require.NoError(t, err)
	_, err = e.CreateFile(ctx, "alice", "a.txt", "hello", "/Documents")
	require.NoError(t, err)
	return e
}

func TestExportAndLoad(t *testing.T) {
	bucket := newFakeBucket(false)
	ctx := context.Background()
	exp := NewExporter(ctx, bucket, "snapshots", newEngine(t))
	assert.True(t, bucket.exists, "missing bucket is created")
	exp.now = func() time.Time { return time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC) }

	key, err := exp.Export(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "snapshots/alice/20240501T103000.000Z.json.gz", key)
	assert.Equal(t, "gzip", bucket.encoding[key])

	snap, err := exp.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "alice", snap.Owner)
	assert.Equal(t, 2, snap.Tree.TotalCount)
	require.Contains(t, snap.Tree.Nodes, "/Documents/a.txt")
	assert.Equal(t, "hello", snap.Tree.Nodes["/Documents/a.txt"].Content)
	assert.Equal(t, []string{"/Documents/a.txt"}, snap.Tree.Nodes["/Documents"].Children)
}

func TestExportPutFailure(t *testing.T) {
	bucket := newFakeBucket(true)
	bucket.putErr = errors.New("access denied")
	exp := NewExporter(context.Background(), bucket, "snapshots", newEngine(t))

	_, err := exp.Export(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestExportInvalidOwner(t *testing.T) {
	exp := NewExporter(context.Background(), newFakeBucket(true), "snapshots", newEngine(t))
	_, err := exp.Export(context.Background(), "")
	assert.ErrorIs(t, err, vfs.ErrInvalidInput)
}

func TestLoadMissingKey(t *testing.T) {
	exp := NewExporter(context.Background(), newFakeBucket(true), "snapshots", newEngine(t))
	_, err := exp.Load(context.Background(), "snapshots/nope.json.gz")
	assert.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(strings.NewReader("not gzip"))
	assert.Error(t, err)
}

func TestKeyEscapesOwner(t *testing.T) {
	k := Key("team/alpha", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, "snapshots/team%2Falpha/20240102T030405.000Z.json.gz", k)
}
