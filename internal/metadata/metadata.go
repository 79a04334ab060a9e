// Package metadata defines the node store contract shared by the memory,
// PostgreSQL and MongoDB backends. Stores are dumb persistence: they enforce
// (owner, path) uniqueness and nothing else.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/fruitsalade/deskfs/internal/models"
)

var (
	// ErrNotFound is returned when a node does not exist for the owner.
	ErrNotFound = errors.New("node not found")
	// ErrDuplicatePath is returned when a write would violate (owner, path) uniqueness.
	ErrDuplicatePath = errors.New("duplicate path")
)

// Patch is a partial node update. Nil fields are left unchanged.
type Patch struct {
	Name     *string
	Path     *string
	Parent   **string
	Children *[]string
	Content  *string
	Size     *int64
	MimeType *string
	Modified *time.Time
	Accessed *time.Time
}

// Apply writes the non-nil fields of p into n.
func (p Patch) Apply(n *models.Node) {
	if p.Name != nil {
		n.Name = *p.Name
	}
	if p.Path != nil {
		n.Path = *p.Path
	}
	if p.Parent != nil {
		if *p.Parent == nil {
			n.Parent = nil
		} else {
			id := **p.Parent
			n.Parent = &id
		}
	}
	if p.Children != nil {
		n.Children = append([]string{}, (*p.Children)...)
	}
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.Size != nil {
		n.Size = *p.Size
	}
	if p.MimeType != nil {
		n.MimeType = *p.MimeType
	}
	if p.Modified != nil {
		n.Metadata.Modified = *p.Modified
	}
	if p.Accessed != nil {
		n.Metadata.Accessed = *p.Accessed
	}
}

// SearchQuery selects nodes whose name or content contains Query,
// case-insensitively. Type is "" for any node type.
type SearchQuery struct {
	Query string
	Type  models.NodeType
	Limit int
}

// Reader is the read side of a store.
type Reader interface {
	GetByPath(ctx context.Context, owner, path string) (*models.Node, error)
	// GetByID is not owner-scoped so callers can tell "missing" from
	// "belongs to someone else".
	GetByID(ctx context.Context, id string) (*models.Node, error)
	PathExists(ctx context.Context, owner, path string) (bool, error)
	// ListChildren returns nodes whose parent is parentID, or top-level
	// nodes when parentID is "".
	ListChildren(ctx context.Context, owner, parentID string) ([]*models.Node, error)
	// ListDescendants returns every node whose path starts with path + "/".
	ListDescendants(ctx context.Context, owner, path string) ([]*models.Node, error)
	ListAll(ctx context.Context, owner string) ([]*models.Node, error)
	Count(ctx context.Context, owner string) (int, error)
	Search(ctx context.Context, owner string, q SearchQuery) ([]*models.Node, error)
	Bootstrapped(ctx context.Context, owner string) (bool, error)
}

// Writer is the write side of a store, only reachable inside WithTx.
type Writer interface {
	Create(ctx context.Context, n *models.Node) error
	Update(ctx context.Context, owner, id string, p Patch) error
	Delete(ctx context.Context, owner, id string) error
	MarkBootstrapped(ctx context.Context, owner string, at time.Time) error
}

// Tx is a unit of work. Reads inside a Tx see its own uncommitted writes.
type Tx interface {
	Reader
	Writer
}

// Store is a node store.
type Store interface {
	Reader
	// WithTx runs fn in a transaction scoped to owner. Every write made
	// through the Tx commits together when fn returns nil, and none of
	// them do otherwise.
	WithTx(ctx context.Context, owner string, fn func(ctx context.Context, tx Tx) error) error
	// Touch sets metadata.accessed outside a transaction.
	Touch(ctx context.Context, owner, id string, accessed time.Time) error
	// Owners lists every owner that has nodes or a bootstrap marker.
	Owners(ctx context.Context) ([]string, error)
	Close() error
}

// ParentPtr is a helper for building Patch.Parent values.
func ParentPtr(id string) **string {
	if id == "" {
		var p *string
		return &p
	}
	p := &id
	return &p
}
