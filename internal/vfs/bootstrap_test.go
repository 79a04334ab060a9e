package vfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/deskfs/internal/events"
)

func TestDefaultSkeleton(t *testing.T) {
	sk := DefaultSkeleton()
	assert.Equal(t, []string{"/Documents", "/Downloads", "/Pictures", "/Desktop", "/Videos", "/Music"}, sk.Folders)
	require.Len(t, sk.Files, 4)
	assert.NoError(t, sk.Validate())
}

func TestBootstrapCreatesSkeletonOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := NewBootstrapper(f.engine, nil)

	created, err := b.EnsureDefaultFileSystem(ctx, alice)
	require.NoError(t, err)
	assert.True(t, created)

	count, err := f.store.Count(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	welcome := f.node(t, alice, "/Documents/Welcome.txt")
	assert.NotEmpty(t, welcome.Content)
	assert.Equal(t, "application/javascript", f.node(t, alice, "/Documents/hello.js").MimeType)
	assertConsistent(t, f.store, alice)

	ev := f.events.Last()
	assert.Equal(t, events.EventBootstrap, ev.Type)
	assert.Equal(t, 10, ev.Affected)

	created, err = b.EnsureDefaultFileSystem(ctx, alice)
	require.NoError(t, err)
	assert.False(t, created)
	count, err = f.store.Count(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestBootstrapDoesNotRecreateDeletedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := NewBootstrapper(f.engine, nil)

	_, err := b.EnsureDefaultFileSystem(ctx, alice)
	require.NoError(t, err)
	_, err = f.engine.DeleteItem(ctx, alice, "/Music")
	require.NoError(t, err)

	created, err := b.EnsureDefaultFileSystem(ctx, alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, f.exists(t, alice, "/Music"))
}

func TestBootstrapSkipsOwnerWithNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mkdir(t, alice, "/", "Work")
	published := len(f.events.Types())

	created, err := NewBootstrapper(f.engine, nil).EnsureDefaultFileSystem(ctx, alice)
	require.NoError(t, err)
	assert.False(t, created)

	count, err := f.store.Count(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, f.exists(t, alice, "/Documents"))
	assert.Len(t, f.events.Types(), published)

	// The owner stays initialized even after emptying the tree.
	done, err := f.store.Bootstrapped(ctx, alice)
	require.NoError(t, err)
	assert.True(t, done)
	_, err = f.engine.DeleteItem(ctx, alice, "/Work")
	require.NoError(t, err)
	created, err = NewBootstrapper(f.engine, nil).EnsureDefaultFileSystem(ctx, alice)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestBootstrapConcurrentCallersCreateOneTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := NewBootstrapper(f.engine, nil)
	other := NewBootstrapper(f.engine, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bs := b
			if i%2 == 1 {
				bs = other
			}
			_, err := bs.EnsureDefaultFileSystem(ctx, alice)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	count, err := f.store.Count(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	assertConsistent(t, f.store, alice)
}

func TestBootstrapSurvivesFirstCallerCancellation(t *testing.T) {
	f := newFixture(t)
	b := NewBootstrapper(f.engine, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.store.SetFault(func(op, id string) error {
		if op == "create" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	})
	defer f.store.SetFault(nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := b.EnsureDefaultFileSystem(ctx, alice)
		first <- err
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		_, err := b.EnsureDefaultFileSystem(context.Background(), alice)
		second <- err
	}()
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.NoError(t, <-first)
	assert.NoError(t, <-second)
	count, err := f.store.Count(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestBootstrapFailureLeavesNoMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := NewBootstrapper(f.engine, nil)

	creates := 0
	f.store.SetFault(func(op, id string) error {
		if op == "create" {
			creates++
			if creates == 7 {
				return errors.New("disk full")
			}
		}
		return nil
	})
	_, err := b.EnsureDefaultFileSystem(ctx, alice)
	f.store.SetFault(nil)
	require.ErrorIs(t, err, ErrInternal)

	count, err := f.store.Count(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, count)
	done, err := f.store.Bootstrapped(ctx, alice)
	require.NoError(t, err)
	assert.False(t, done)

	created, err := b.EnsureDefaultFileSystem(ctx, alice)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestBootstrapCustomSkeleton(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "skeleton.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
folders:
  - /Work
  - /Work/Reports
files:
  - path: /Work/Reports/q1.md
    content: "# Q1"
`), 0o644))

	sk, err := LoadSkeleton(file)
	require.NoError(t, err)

	_, err = NewBootstrapper(f.engine, sk).EnsureDefaultFileSystem(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "# Q1", f.node(t, alice, "/Work/Reports/q1.md").Content)
	assert.False(t, f.exists(t, alice, "/Documents"))
}

func TestParseSkeletonRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"relative path", "folders: [Documents]"},
		{"trailing slash", "folders: [/Documents/]"},
		{"root", "folders: [/]"},
		{"duplicate", "folders: [/A, /A]"},
		{"file under unknown folder", "files: [{path: /Nope/a.txt}]"},
		{"folder before parent", "folders: [/A/B, /A]"},
		{"file used as parent", "folders: [/A]\nfiles: [{path: /A/x}, {path: /A/x/y}]"},
		{"not yaml", "folders: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSkeleton([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadSkeletonEmptyPathUsesDefault(t *testing.T) {
	sk, err := LoadSkeleton("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSkeleton(), sk)

	_, err = LoadSkeleton(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
