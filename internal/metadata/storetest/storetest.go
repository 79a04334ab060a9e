// Package storetest holds the behavioral tests every metadata.Store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	pathpkg "path"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/models"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) metadata.Store

// Run executes the contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicatePath", func(t *testing.T) { testDuplicatePath(t, newStore(t)) })
	t.Run("OwnerIsolation", func(t *testing.T) { testOwnerIsolation(t, newStore(t)) })
	t.Run("UpdatePatch", func(t *testing.T) { testUpdatePatch(t, newStore(t)) })
	t.Run("ListChildrenAndDescendants", func(t *testing.T) { testListing(t, newStore(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("TxSeesOwnWrites", func(t *testing.T) { testTxReadYourWrites(t, newStore(t)) })
	t.Run("BootstrapMarker", func(t *testing.T) { testBootstrapMarker(t, newStore(t)) })
	t.Run("Touch", func(t *testing.T) { testTouch(t, newStore(t)) })
}

// NewNode builds a node for tests. parent may be nil.
func NewNode(owner string, typ models.NodeType, path string, parent *models.Node) *models.Node {
	now := time.Now().UTC().Truncate(time.Millisecond)
	n := &models.Node{
		ID:          uuid.NewString(),
		Owner:       owner,
		Type:        typ,
		Name:        pathpkg.Base(path),
		Path:        path,
		Permissions: models.DefaultPermissions(typ),
		Metadata:    models.Metadata{Created: now, Modified: now, Accessed: now},
	}
	if parent != nil {
		id := parent.ID
		n.Parent = &id
	}
	if typ == models.TypeFolder {
		n.Children = []string{}
	} else {
		n.MimeType = "text/plain"
	}
	return n
}

func create(t *testing.T, s metadata.Store, nodes ...*models.Node) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, nodes[0].Owner, func(ctx context.Context, tx metadata.Tx) error {
		for _, n := range nodes {
			if err := tx.Create(ctx, n); err != nil {
				return err
			}
		}
		return nil
	}))
}

func owner() string {
	return "owner-" + uuid.NewString()[:8]
}

func testCreateAndGet(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	o := owner()
	docs := NewNode(o, models.TypeFolder, "/Documents", nil)
	file := NewNode(o, models.TypeFile, "/Documents/a.txt", docs)
	file.Content = "héllo"
	file.Size = int64(len(file.Content))
	create(t, s, docs, file)

	got, err := s.GetByPath(ctx, o, "/Documents/a.txt")
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)
	assert.Equal(t, "a.txt", got.Name)
	assert.Equal(t, "héllo", got.Content)
	assert.Equal(t, int64(6), got.Size)
	require.NotNil(t, got.Parent)
	assert.Equal(t, docs.ID, *got.Parent)

	byID, err := s.GetByID(ctx, docs.ID)
	require.NoError(t, err)
	assert.Equal(t, "/Documents", byID.Path)
	assert.Nil(t, byID.Parent)
	assert.NotNil(t, byID.Children)

	exists, err := s.PathExists(ctx, o, "/Documents")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.GetByPath(ctx, o, "/missing")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	_, err = s.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	n, err := s.Count(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testDuplicatePath(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	o := owner()
	create(t, s, NewNode(o, models.TypeFolder, "/Music", nil))

	err := s.WithTx(ctx, o, func(ctx context.Context, tx metadata.Tx) error {
		return tx.Create(ctx, NewNode(o, models.TypeFile, "/Music", nil))
	})
	assert.ErrorIs(t, err, metadata.ErrDuplicatePath)

	a := NewNode(o, models.TypeFile, "/a.txt", nil)
	b := NewNode(o, models.TypeFile, "/b.txt", nil)
	create(t, s, a, b)
	err = s.WithTx(ctx, o, func(ctx context.Context, tx metadata.Tx) error {
		p := "/a.txt"
		return tx.Update(ctx, o, b.ID, metadata.Patch{Path: &p})
	})
	assert.ErrorIs(t, err, metadata.ErrDuplicatePath)
}

func testOwnerIsolation(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	alice, bob := owner(), owner()
	create(t, s, NewNode(alice, models.TypeFolder, "/Documents", nil))
	create(t, s, NewNode(bob, models.TypeFolder, "/Documents", nil))

	all, err := s.ListAll(ctx, alice)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, alice, all[0].Owner)

	owners, err := s.Owners(ctx)
	require.NoError(t, err)
	assert.Contains(t, owners, alice)
	assert.Contains(t, owners, bob)
}

func testUpdatePatch(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	o := owner()
	folder := NewNode(o, models.TypeFolder, "/Docs", nil)
	create(t, s, folder)

	content := "updated"
	size := int64(len(content))
	children := []string{"x", "y"}
	modified := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.WithTx(ctx, o, func(ctx context.Context, tx metadata.Tx) error {
		return tx.Update(ctx, o, folder.ID, metadata.Patch{
			Children: &children,
			Modified: &modified,
		})
	}))

	got, err := s.GetByID(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got.Children)
	assert.True(t, got.Metadata.Modified.Equal(modified))
	assert.Equal(t, "Docs", got.Name)

	file := NewNode(o, models.TypeFile, "/f.md", nil)
	create(t, s, file)
	require.NoError(t, s.WithTx(ctx, o, func(ctx context.Context, tx metadata.Tx) error {
		return tx.Update(ctx, o, file.ID, metadata.Patch{
			Content: &content,
			Size:    &size,
			Parent:  metadata.ParentPtr(folder.ID),
		})
	}))
	got, err = s.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Content)
	assert.Equal(t, size, got.Size)
	require.NotNil(t, got.Parent)
	assert.Equal(t, folder.ID, *got.Parent)

	err = s.WithTx(ctx, o, func(ctx context.Context, tx metadata.Tx) error {
		return tx.Update(ctx, o, uuid.NewString(), metadata.Patch{Content: &content})
	})
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	err = s.WithTx(ctx, owner(), func(ctx context.Context, tx metadata.Tx) error {
		return tx.Delete(ctx, "someone-else", file.ID)
	})
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func testListing(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	o := owner()
	a := NewNode(o, models.TypeFolder, "/A", nil)
	sub := NewNode(o, models.TypeFolder, "/A/sub", a)
	deep := NewNode(o, models.TypeFile, "/A/sub/deep.txt", sub)
	x := NewNode(o, models.TypeFile, "/A/x.txt", a)
	// Shares the "/A" prefix but is not a descendant.
	ab := NewNode(o, models.TypeFolder, "/AB", nil)
	weird := NewNode(o, models.TypeFolder, "/100%_done", nil)
	weirdChild := NewNode(o, models.TypeFile, "/100%_done/f.txt", weird)
	create(t, s, a, sub, deep, x, ab, weird, weirdChild)

	top, err := s.ListChildren(ctx, o, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/100%_done", "/A", "/AB"}, paths(top))

	kids, err := s.ListChildren(ctx, o, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/A/sub", "/A/x.txt"}, paths(kids))

	desc, err := s.ListDescendants(ctx, o, "/A")
	require.NoError(t, err)
	assert.Equal(t, []string{"/A/sub", "/A/sub/deep.txt", "/A/x.txt"}, paths(desc))

	desc, err = s.ListDescendants(ctx, o, "/100%_done")
	require.NoError(t, err)
	assert.Equal(t, []string{"/100%_done/f.txt"}, paths(desc))
}

func testSearch(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	o := owner()
	docs := NewNode(o, models.TypeFolder, "/Documents", nil)
	readme := NewNode(o, models.TypeFile, "/Documents/readme.md", docs)
	notes := NewNode(o, models.TypeFile, "/notes.txt", nil)
	notes.Content = "remember to DO the dishes"
	other := NewNode(o, models.TypeFile, "/other.txt", nil)
	pct := NewNode(o, models.TypeFile, "/50%.txt", nil)
	create(t, s, docs, readme, notes, other, pct)

	res, err := s.Search(ctx, o, metadata.SearchQuery{Query: "do", Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"/Documents", "/notes.txt"}, paths(res))

	res, err = s.Search(ctx, o, metadata.SearchQuery{Query: "do", Type: models.TypeFile, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"/notes.txt"}, paths(res))

	res, err = s.Search(ctx, o, metadata.SearchQuery{Query: "%", Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"/50%.txt"}, paths(res))

	res, err = s.Search(ctx, o, metadata.SearchQuery{Query: "t", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res, 2)
	assert.Equal(t, models.TypeFolder, res[0].Type)
}

func testRollback(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	o := owner()
	folder := NewNode(o, models.TypeFolder, "/Keep", nil)
	create(t, s, folder)

	boom := errors.New("boom")
	err := s.WithTx(ctx, o, func(ctx context.Context, tx metadata.Tx) error {
		if err := tx.Create(ctx, NewNode(o, models.TypeFile, "/ghost.txt", nil)); err != nil {
			return err
		}
		p := "/Renamed"
		if err := tx.Update(ctx, o, folder.ID, metadata.Patch{Path: &p}); err != nil {
			return err
		}
		if err := tx.MarkBootstrapped(ctx, o, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	exists, err := s.PathExists(ctx, o, "/ghost.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := s.GetByID(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "/Keep", got.Path)

	marked, err := s.Bootstrapped(ctx, o)
	require.NoError(t, err)
	assert.False(t, marked)

	// A failed delete restores the node.
	err = s.WithTx(ctx, o, func(ctx context.Context, tx metadata.Tx) error {
		if err := tx.Delete(ctx, o, folder.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = s.GetByID(ctx, folder.ID)
	assert.NoError(t, err)
}

func testTxReadYourWrites(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	o := owner()
	folder := NewNode(o, models.TypeFolder, "/F", nil)

	require.NoError(t, s.WithTx(ctx, o, func(ctx context.Context, tx metadata.Tx) error {
		if err := tx.Create(ctx, folder); err != nil {
			return err
		}
		got, err := tx.GetByPath(ctx, o, "/F")
		if err != nil {
			return err
		}
		if got.ID != folder.ID {
			return fmt.Errorf("tx read %s, want %s", got.ID, folder.ID)
		}
		exists, err := tx.PathExists(ctx, o, "/F")
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("created path not visible in tx")
		}
		return nil
	}))
}

func testBootstrapMarker(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	o := owner()

	marked, err := s.Bootstrapped(ctx, o)
	require.NoError(t, err)
	assert.False(t, marked)

	require.NoError(t, s.WithTx(ctx, o, func(ctx context.Context, tx metadata.Tx) error {
		return tx.MarkBootstrapped(ctx, o, time.Now())
	}))

	marked, err = s.Bootstrapped(ctx, o)
	require.NoError(t, err)
	assert.True(t, marked)

	owners, err := s.Owners(ctx)
	require.NoError(t, err)
	assert.Contains(t, owners, o)
}

func testTouch(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	o := owner()
	file := NewNode(o, models.TypeFile, "/t.txt", nil)
	create(t, s, file)

	at := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.Touch(ctx, o, file.ID, at))

	got, err := s.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.True(t, got.Metadata.Accessed.Equal(at))

	assert.ErrorIs(t, s.Touch(ctx, o, uuid.NewString(), at), metadata.ErrNotFound)
}

func paths(nodes []*models.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Path
	}
	return out
}
