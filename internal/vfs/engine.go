// Package vfs implements the per-owner virtual file-system engine. It owns the
// path, parent and children consistency of every owner tree: every mutation
// runs under the owner's write lock inside a single store transaction, and
// change events are published only after commit.
package vfs

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/events"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/models"
	"github.com/fruitsalade/deskfs/internal/tree"
)

const (
	// DefaultSearchLimit caps search results.
	DefaultSearchLimit = 50
	// MaxNameLength is the longest node name in bytes.
	MaxNameLength = 255
	// MinQueryLength is the shortest accepted search query in characters.
	MinQueryLength = 2
)

// Publisher receives change events after a mutation commits.
type Publisher interface {
	Publish(events.Event)
}

// Options configures an Engine.
type Options struct {
	SearchLimit    int
	MaxContentSize int64 // 0 = unlimited
	Publisher      Publisher
	Now            func() time.Time
}

// Engine is the mutation, read and search entry point for owner trees.
type Engine struct {
	store       metadata.Store
	locks       *xsync.Map[string, *ownerLock]
	searchLimit int
	maxContent  int64
	pub         Publisher
	now         func() time.Time
}

// New creates an engine over store.
func New(store metadata.Store, opts Options) *Engine {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultSearchLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:       store,
		locks:       xsync.NewMap[string, *ownerLock](),
		searchLimit: opts.SearchLimit,
		maxContent:  opts.MaxContentSize,
		pub:         opts.Publisher,
		now:         opts.Now,
	}
}

// Store returns the underlying node store.
func (e *Engine) Store() metadata.Store {
	return e.store
}

// ownerLock serializes mutations of one owner. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type ownerLock struct {
	mu   sync.Mutex
	refs int
}

// lock takes the owner's write lock and returns its release func.
func (e *Engine) lock(owner string) func() {
	l, _ := e.locks.Compute(owner, func(old *ownerLock, loaded bool) (*ownerLock, xsync.ComputeOp) {
		if !loaded {
			old = &ownerLock{}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locks.Compute(owner, func(old *ownerLock, loaded bool) (*ownerLock, xsync.ComputeOp) {
			old.refs--
			if old.refs == 0 {
				return old, xsync.DeleteOp
			}
			return old, xsync.UpdateOp
		})
	}
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}

func (e *Engine) publish(ev events.Event) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(ev)
}

func observe(op string, start time.Time, err error) {
	metrics.RecordOperation(op, time.Since(start), err)
}

func checkOwner(owner string) error {
	if owner == "" {
		return invalid("owner is required")
	}
	return nil
}

// validateName rejects names that cannot be a single path segment.
func validateName(name string) error {
	switch {
	case name == "":
		return invalid("name is required")
	case name == "." || name == "..":
		return invalid("name %q is reserved", name)
	case len(name) > MaxNameLength:
		return invalid("name exceeds %d bytes", MaxNameLength)
	case !utf8.ValidString(name):
		return invalid("name must be valid UTF-8")
	}
	for _, r := range name {
		if r == '/' || r == 0 {
			return invalid("name %q must not contain '/' or NUL", name)
		}
	}
	return nil
}

func (e *Engine) checkContent(content string) error {
	if e.maxContent > 0 && int64(len(content)) > e.maxContent {
		return invalid("content exceeds %d bytes", e.maxContent)
	}
	return nil
}

// resolve looks up path for owner, mapping absence to ErrNotFound.
func resolve(ctx context.Context, r metadata.Reader, owner, p string) (*models.Node, error) {
	if p == tree.Root {
		return nil, notFound("%s is the root", p)
	}
	n, err := r.GetByPath(ctx, owner, p)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, notFound("%s does not exist", p)
		}
		return nil, classify(err)
	}
	return n, nil
}

// resolveParent returns the folder at parentPath, or nil for the root.
func resolveParent(ctx context.Context, r metadata.Reader, owner, parentPath string) (*models.Node, error) {
	if parentPath == tree.Root {
		return nil, nil
	}
	parent, err := r.GetByPath(ctx, owner, parentPath)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, notFound("parent folder %s does not exist", parentPath)
		}
		return nil, classify(err)
	}
	if !parent.IsFolder() {
		return nil, notFound("parent %s is not a folder", parentPath)
	}
	return parent, nil
}

// createInTx creates one node under parentPath and links it into the
// parent's children. It is shared by create and bootstrap.
func (e *Engine) createInTx(ctx context.Context, tx metadata.Tx, owner string, typ models.NodeType, name, content, parentPath string, now time.Time) (*models.Node, error) {
	p := tree.BuildChildPath(parentPath, name)
	exists, err := tx.PathExists(ctx, owner, p)
	if err != nil {
		return nil, classify(err)
	}
	if exists {
		return nil, conflict("%s already exists", p)
	}

	parent, err := resolveParent(ctx, tx, owner, parentPath)
	if err != nil {
		return nil, err
	}

	n := &models.Node{
		ID:          uuid.NewString(),
		Owner:       owner,
		Type:        typ,
		Name:        name,
		Path:        p,
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
		n.Content = content
		n.Size = int64(len(content))
		n.MimeType = tree.MimeType(name)
	}

	if err := tx.Create(ctx, n); err != nil {
		return nil, classify(err)
	}
	if parent != nil {
		children := append(append([]string{}, parent.Children...), n.ID)
		if err := tx.Update(ctx, owner, parent.ID, metadata.Patch{Children: &children, Modified: &now}); err != nil {
			return nil, classify(err)
		}
	}
	return n, nil
}

// rewriteDescendants replaces the oldPrefix of every descendant path with
// newPrefix and returns how many nodes it touched.
func rewriteDescendants(ctx context.Context, tx metadata.Tx, owner, oldPrefix, newPrefix string) (int, error) {
	descendants, err := tx.ListDescendants(ctx, owner, oldPrefix)
	if err != nil {
		return 0, classify(err)
	}
	for _, d := range descendants {
		np := tree.RewritePrefix(d.Path, oldPrefix, newPrefix)
		if err := tx.Update(ctx, owner, d.ID, metadata.Patch{Path: &np}); err != nil {
			return 0, classify(err)
		}
	}
	return len(descendants), nil
}

// unlinkChild removes childID from the children of folder parentID. A
// missing parent is tolerated and left for Reconcile.
func unlinkChild(ctx context.Context, tx metadata.Tx, owner, parentID, childID string, now time.Time) error {
	if parentID == "" {
		return nil
	}
	parent, err := tx.GetByID(ctx, parentID)
	if isStoreNotFound(err) {
		logging.WithContext(ctx).Warn("parent missing while unlinking child",
			logging.Owner(owner), zap.String("parent_id", parentID), zap.String("child_id", childID))
		return nil
	}
	if err != nil {
		return classify(err)
	}
	children := make([]string, 0, len(parent.Children))
	for _, id := range parent.Children {
		if id != childID {
			children = append(children, id)
		}
	}
	if err := tx.Update(ctx, owner, parent.ID, metadata.Patch{Children: &children, Modified: &now}); err != nil {
		return classify(err)
	}
	return nil
}
