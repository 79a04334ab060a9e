package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metadata/storetest"
	"github.com/fruitsalade/deskfs/internal/models"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) metadata.Store { return New() })
}

func TestFaultAbortsWholeTransaction(t *testing.T) {
	s := New()
	ctx := context.Background()
	folder := storetest.NewNode("alice", models.TypeFolder, "/A", nil)
	require.NoError(t, s.WithTx(ctx, "alice", func(ctx context.Context, tx metadata.Tx) error {
		return tx.Create(ctx, folder)
	}))

	injected := errors.New("disk on fire")
	s.SetFault(func(op, id string) error {
		if op == "update" {
			return injected
		}
		return nil
	})

	err := s.WithTx(ctx, "alice", func(ctx context.Context, tx metadata.Tx) error {
		if err := tx.Create(ctx, storetest.NewNode("alice", models.TypeFile, "/A/x.txt", folder)); err != nil {
			return err
		}
		children := []string{"x"}
		return tx.Update(ctx, "alice", folder.ID, metadata.Patch{Children: &children})
	})
	require.ErrorIs(t, err, injected)

	exists, err := s.PathExists(ctx, "alice", "/A/x.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	s.SetFault(nil)
	got, err := s.GetByID(ctx, folder.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Children)
}

func TestTouchSurvivesConcurrentTransaction(t *testing.T) {
	s := New()
	ctx := context.Background()
	file := storetest.NewNode("alice", models.TypeFile, "/f.txt", nil)
	other := storetest.NewNode("alice", models.TypeFile, "/g.txt", nil)
	require.NoError(t, s.WithTx(ctx, "alice", func(ctx context.Context, tx metadata.Tx) error {
		if err := tx.Create(ctx, file); err != nil {
			return err
		}
		return tx.Create(ctx, other)
	}))

	accessed := file.Metadata.Accessed.Add(42)
	require.NoError(t, s.WithTx(ctx, "alice", func(ctx context.Context, tx metadata.Tx) error {
		// Touch lands between the tx snapshot and its commit.
		require.NoError(t, s.Touch(ctx, "alice", file.ID, accessed))
		content := "new"
		return tx.Update(ctx, "alice", other.ID, metadata.Patch{Content: &content})
	}))

	got, err := s.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.True(t, got.Metadata.Accessed.Equal(accessed))
}

func TestReturnedNodesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	folder := storetest.NewNode("alice", models.TypeFolder, "/A", nil)
	require.NoError(t, s.WithTx(ctx, "alice", func(ctx context.Context, tx metadata.Tx) error {
		return tx.Create(ctx, folder)
	}))

	got, err := s.GetByPath(ctx, "alice", "/A")
	require.NoError(t, err)
	got.Children = append(got.Children, "bogus")
	got.Name = "mutated"

	again, err := s.GetByPath(ctx, "alice", "/A")
	require.NoError(t, err)
	assert.Equal(t, "A", again.Name)
	assert.Empty(t, again.Children)
}
