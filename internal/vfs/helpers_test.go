package vfs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/deskfs/internal/events"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metadata/memory"
	"github.com/fruitsalade/deskfs/internal/models"
	"github.com/fruitsalade/deskfs/internal/tree"
)

func init() {
	logging.InitNop()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) Last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	store  *memory.Store
	engine *Engine
	clock  *clock
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: newClock(), events: &recorder{}}
	f.engine = New(f.store, Options{Now: f.clock.Now, Publisher: f.events})
	return f
}

func (f *fixture) mkdir(t *testing.T, owner, parent, name string) *models.NodeSummary {
	t.Helper()
	s, err := f.engine.CreateFolder(context.Background(), owner, name, parent)
	require.NoError(t, err)
	return s
}

func (f *fixture) touch(t *testing.T, owner, parent, name, content string) *models.NodeSummary {
	t.Helper()
	s, err := f.engine.CreateFile(context.Background(), owner, name, content, parent)
	require.NoError(t, err)
	return s
}

// put writes n straight into the store, bypassing the engine. Used to build
// corrupt trees.
func (f *fixture) put(t *testing.T, n *models.Node) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), n.Owner, func(ctx context.Context, tx metadata.Tx) error {
		return tx.Create(ctx, n)
	}))
}

func (f *fixture) patch(t *testing.T, owner, id string, p metadata.Patch) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), owner, func(ctx context.Context, tx metadata.Tx) error {
		return tx.Update(ctx, owner, id, p)
	}))
}

func (f *fixture) node(t *testing.T, owner, p string) *models.Node {
	t.Helper()
	n, err := f.store.GetByPath(context.Background(), owner, p)
	require.NoError(t, err)
	return n
}

func (f *fixture) exists(t *testing.T, owner, p string) bool {
	t.Helper()
	ok, err := f.store.PathExists(context.Background(), owner, p)
	require.NoError(t, err)
	return ok
}

// assertConsistent checks the structural invariants of owner's tree: unique
// paths, path == parent path + name, and children lists that match parent
// pointers exactly.
func assertConsistent(t *testing.T, store metadata.Store, owner string) {
	t.Helper()
	nodes, err := store.ListAll(context.Background(), owner)
	require.NoError(t, err)

	byID := map[string]*models.Node{}
	paths := map[string]bool{}
	for _, n := range nodes {
		assert.False(t, paths[n.Path], "duplicate path %s", n.Path)
		paths[n.Path] = true
		byID[n.ID] = n
	}

	expected := map[string][]string{}
	for _, n := range nodes {
		if n.Parent == nil {
			assert.Equal(t, tree.BuildChildPath(tree.Root, n.Name), n.Path)
			continue
		}
		parent, ok := byID[*n.Parent]
		if !assert.True(t, ok, "%s references missing parent", n.Path) {
			continue
		}
		assert.True(t, parent.IsFolder(), "%s has a file parent", n.Path)
		assert.Equal(t, tree.BuildChildPath(parent.Path, n.Name), n.Path)
		expected[parent.ID] = append(expected[parent.ID], n.ID)
	}
	for _, n := range nodes {
		if !n.IsFolder() {
			assert.Empty(t, n.Children, "file %s has children", n.Path)
			continue
		}
		assert.ElementsMatch(t, expected[n.ID], n.Children, "children of %s", n.Path)
	}
}
