// Package memory provides an in-process node store. Transactions stage their
// writes against a private copy of the owner's nodes and replay them onto the
// shared state under one lock at commit.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/models"
)

// FaultFunc is called before every transactional write. A non-nil return
// fails the write, which is how tests simulate store failures mid-cascade.
type FaultFunc func(op string, id string) error

// Store is an in-memory metadata.Store.
type Store struct {
	mu     sync.RWMutex
	owners map[string]*ownerState
	byID   map[string]string // id -> owner

	faultMu sync.Mutex
	fault   FaultFunc
}

type ownerState struct {
	nodes        map[string]*models.Node
	paths        map[string]string // path -> id
	bootstrapped *time.Time
}

func newOwnerState() *ownerState {
	return &ownerState{
		nodes: make(map[string]*models.Node),
		paths: make(map[string]string),
	}
}

func (o *ownerState) clone() *ownerState {
	c := newOwnerState()
	for id, n := range o.nodes {
		c.nodes[id] = n.Clone()
	}
	for p, id := range o.paths {
		c.paths[p] = id
	}
	if o.bootstrapped != nil {
		t := *o.bootstrapped
		c.bootstrapped = &t
	}
	return c
}

// New creates an empty store.
func New() *Store {
	return &Store{
		owners: make(map[string]*ownerState),
		byID:   make(map[string]string),
	}
}

// SetFault installs (or clears, with nil) the write fault hook.
func (s *Store) SetFault(f FaultFunc) {
	s.faultMu.Lock()
	s.fault = f
	s.faultMu.Unlock()
}

func (s *Store) checkFault(op, id string) error {
	s.faultMu.Lock()
	f := s.fault
	s.faultMu.Unlock()
	if f == nil {
		return nil
	}
	return f(op, id)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) state(owner string) *ownerState {
	if st, ok := s.owners[owner]; ok {
		return st
	}
	return newOwnerState()
}

// ─── Reads ──────────────────────────────────────────────────────────────────

func (s *Store) GetByPath(ctx context.Context, owner, path string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getByPath(s.state(owner), path)
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.byID[id]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return s.owners[owner].nodes[id].Clone(), nil
}

func (s *Store) PathExists(ctx context.Context, owner, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state(owner).paths[path]
	return ok, nil
}

func (s *Store) ListChildren(ctx context.Context, owner, parentID string) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listChildren(s.state(owner), parentID), nil
}

func (s *Store) ListDescendants(ctx context.Context, owner, path string) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDescendants(s.state(owner), path), nil
}

func (s *Store) ListAll(ctx context.Context, owner string) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAll(s.state(owner)), nil
}

func (s *Store) Count(ctx context.Context, owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state(owner).nodes), nil
}

func (s *Store) Search(ctx context.Context, owner string, q metadata.SearchQuery) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return search(s.state(owner), q), nil
}

func (s *Store) Bootstrapped(ctx context.Context, owner string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state(owner).bootstrapped != nil, nil
}

// Touch sets metadata.accessed on one node.
func (s *Store) Touch(ctx context.Context, owner, id string, accessed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.owners[owner]
	if !ok {
		return metadata.ErrNotFound
	}
	n, ok := st.nodes[id]
	if !ok {
		return metadata.ErrNotFound
	}
	n.Metadata.Accessed = accessed
	return nil
}

// Owners lists owners with nodes or a bootstrap marker.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.owners))
	for o, st := range s.owners {
		if len(st.nodes) > 0 || st.bootstrapped != nil {
			out = append(out, o)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ─── Transactions ───────────────────────────────────────────────────────────

type opKind int

const (
	opCreate opKind = iota
	opUpdate
	opDelete
	opMark
)

type op struct {
	kind  opKind
	node  *models.Node
	id    string
	patch metadata.Patch
	at    time.Time
}

// WithTx runs fn against a private view of owner's nodes and commits the
// staged writes atomically if fn succeeds.
func (s *Store) WithTx(ctx context.Context, owner string, fn func(ctx context.Context, tx metadata.Tx) error) error {
	s.mu.RLock()
	view := s.state(owner).clone()
	s.mu.RUnlock()

	tx := &memTx{store: s, owner: owner, view: view}
	if err := fn(ctx, tx); err != nil {
		if len(tx.ops) > 0 {
			metrics.RecordRollback("memory")
		}
		return err
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordRollback("memory")
		return err
	}
	return s.commit(owner, tx.ops)
}

func (s *Store) commit(owner string, ops []op) error {
	if len(ops) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state(owner).clone()
	var created, deleted []string
	for _, o := range ops {
		var err error
		switch o.kind {
		case opCreate:
			err = create(next, o.node)
			created = append(created, o.node.ID)
		case opUpdate:
			err = update(next, o.id, o.patch)
		case opDelete:
			err = remove(next, o.id)
			deleted = append(deleted, o.id)
		case opMark:
			at := o.at
			next.bootstrapped = &at
		}
		if err != nil {
			metrics.RecordRollback("memory")
			return err
		}
	}

	s.owners[owner] = next
	for _, id := range deleted {
		delete(s.byID, id)
	}
	for _, id := range created {
		if _, ok := next.nodes[id]; ok {
			s.byID[id] = owner
		}
	}
	return nil
}

type memTx struct {
	store *Store
	owner string
	view  *ownerState
	ops   []op
}

func (t *memTx) GetByPath(ctx context.Context, owner, path string) (*models.Node, error) {
	if owner != t.owner {
		return t.store.GetByPath(ctx, owner, path)
	}
	return getByPath(t.view, path)
}

func (t *memTx) GetByID(ctx context.Context, id string) (*models.Node, error) {
	if n, ok := t.view.nodes[id]; ok {
		return n.Clone(), nil
	}
	n, err := t.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Owner == t.owner {
		// Deleted inside this transaction.
		return nil, metadata.ErrNotFound
	}
	return n, nil
}

func (t *memTx) PathExists(ctx context.Context, owner, path string) (bool, error) {
	if owner != t.owner {
		return t.store.PathExists(ctx, owner, path)
	}
	_, ok := t.view.paths[path]
	return ok, nil
}

func (t *memTx) ListChildren(ctx context.Context, owner, parentID string) ([]*models.Node, error) {
	if owner != t.owner {
		return t.store.ListChildren(ctx, owner, parentID)
	}
	return listChildren(t.view, parentID), nil
}

func (t *memTx) ListDescendants(ctx context.Context, owner, path string) ([]*models.Node, error) {
	if owner != t.owner {
		return t.store.ListDescendants(ctx, owner, path)
	}
	return listDescendants(t.view, path), nil
}

func (t *memTx) ListAll(ctx context.Context, owner string) ([]*models.Node, error) {
	if owner != t.owner {
		return t.store.ListAll(ctx, owner)
	}
	return listAll(t.view), nil
}

func (t *memTx) Count(ctx context.Context, owner string) (int, error) {
	if owner != t.owner {
		return t.store.Count(ctx, owner)
	}
	return len(t.view.nodes), nil
}

func (t *memTx) Search(ctx context.Context, owner string, q metadata.SearchQuery) ([]*models.Node, error) {
	if owner != t.owner {
		return t.store.Search(ctx, owner, q)
	}
	return search(t.view, q), nil
}

func (t *memTx) Bootstrapped(ctx context.Context, owner string) (bool, error) {
	if owner != t.owner {
		return t.store.Bootstrapped(ctx, owner)
	}
	return t.view.bootstrapped != nil, nil
}

func (t *memTx) Create(ctx context.Context, n *models.Node) error {
	if err := t.store.checkFault("create", n.ID); err != nil {
		return err
	}
	if n.Owner != t.owner {
		return metadata.ErrNotFound
	}
	c := n.Clone()
	if err := create(t.view, c); err != nil {
		return err
	}
	t.ops = append(t.ops, op{kind: opCreate, node: c.Clone()})
	return nil
}

func (t *memTx) Update(ctx context.Context, owner, id string, p metadata.Patch) error {
	if err := t.store.checkFault("update", id); err != nil {
		return err
	}
	if owner != t.owner {
		return metadata.ErrNotFound
	}
	if err := update(t.view, id, p); err != nil {
		return err
	}
	t.ops = append(t.ops, op{kind: opUpdate, id: id, patch: p})
	return nil
}

func (t *memTx) Delete(ctx context.Context, owner, id string) error {
	if err := t.store.checkFault("delete", id); err != nil {
		return err
	}
	if owner != t.owner {
		return metadata.ErrNotFound
	}
	if err := remove(t.view, id); err != nil {
		return err
	}
	t.ops = append(t.ops, op{kind: opDelete, id: id})
	return nil
}

func (t *memTx) MarkBootstrapped(ctx context.Context, owner string, at time.Time) error {
	if err := t.store.checkFault("mark", owner); err != nil {
		return err
	}
	if owner != t.owner {
		return metadata.ErrNotFound
	}
	t.view.bootstrapped = &at
	t.ops = append(t.ops, op{kind: opMark, at: at})
	return nil
}

// ─── State helpers ──────────────────────────────────────────────────────────

func getByPath(st *ownerState, path string) (*models.Node, error) {
	id, ok := st.paths[path]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return st.nodes[id].Clone(), nil
}

func listChildren(st *ownerState, parentID string) []*models.Node {
	var out []*models.Node
	for _, n := range st.nodes {
		if n.ParentID() == parentID {
			out = append(out, n.Clone())
		}
	}
	sortByPath(out)
	return out
}

func listDescendants(st *ownerState, path string) []*models.Node {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	var out []*models.Node
	for _, n := range st.nodes {
		if strings.HasPrefix(n.Path, prefix) {
			out = append(out, n.Clone())
		}
	}
	sortByPath(out)
	return out
}

func listAll(st *ownerState) []*models.Node {
	out := make([]*models.Node, 0, len(st.nodes))
	for _, n := range st.nodes {
		out = append(out, n.Clone())
	}
	sortByPath(out)
	return out
}

func search(st *ownerState, q metadata.SearchQuery) []*models.Node {
	needle := strings.ToLower(q.Query)
	var out []*models.Node
	for _, n := range st.nodes {
		if q.Type != "" && n.Type != q.Type {
			continue
		}
		if strings.Contains(strings.ToLower(n.Name), needle) ||
			strings.Contains(strings.ToLower(n.Content), needle) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type == models.TypeFolder
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func sortByPath(nodes []*models.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
}

func create(st *ownerState, n *models.Node) error {
	if _, ok := st.paths[n.Path]; ok {
		return metadata.ErrDuplicatePath
	}
	if _, ok := st.nodes[n.ID]; ok {
		return metadata.ErrDuplicatePath
	}
	st.nodes[n.ID] = n.Clone()
	st.paths[n.Path] = n.ID
	return nil
}

func update(st *ownerState, id string, p metadata.Patch) error {
	n, ok := st.nodes[id]
	if !ok {
		return metadata.ErrNotFound
	}
	if p.Path != nil && *p.Path != n.Path {
		if other, ok := st.paths[*p.Path]; ok && other != id {
			return metadata.ErrDuplicatePath
		}
		delete(st.paths, n.Path)
		st.paths[*p.Path] = id
	}
	p.Apply(n)
	return nil
}

func remove(st *ownerState, id string) error {
	n, ok := st.nodes[id]
	if !ok {
		return metadata.ErrNotFound
	}
	if st.paths[n.Path] == id {
		delete(st.paths, n.Path)
	}
	delete(st.nodes, id)
	return nil
}
