// Package mongo provides a MongoDB-backed node store. Each node is one
// document in the "nodes" collection keyed by its id.
//
// With replica-set transactions enabled, WithTx runs inside a session
// transaction. Without them, every write records its inverse in an undo log
// that is replayed in reverse when the transaction function fails.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/models"
)

const backend = "mongo"

// Config holds connection settings.
type Config struct {
	URI          string
	Database     string
	Transactions bool
}

// Store is a MongoDB node store.
type Store struct {
	reader
	client       *mongo.Client
	transactions bool
}

type bootstrapDoc struct {
	Owner       string    `bson:"_id"`
	CompletedAt time.Time `bson:"completed_at"`
}

// New connects, pings and ensures indexes.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		reader:       reader{nodes: db.Collection("nodes"), bootstrap: db.Collection("bootstrap")},
		client:       client,
		transactions: cfg.Transactions,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.nodes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "owner", Value: 1}, {Key: "path", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("owner_path_unique"),
		},
		{
			Keys:    bson.D{{Key: "owner", Value: 1}, {Key: "parent", Value: 1}},
			Options: options.Index().SetName("owner_parent"),
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes both collections. Used by integration tests.
func (s *Store) Drop(ctx context.Context) error {
	if err := s.nodes.Drop(ctx); err != nil {
		return err
	}
	if err := s.bootstrap.Drop(ctx); err != nil {
		return err
	}
	return s.ensureIndexes(ctx)
}

// WithTx runs fn transactionally, using a session transaction or the undo log.
func (s *Store) WithTx(ctx context.Context, owner string, fn func(ctx context.Context, tx metadata.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "tx", time.Since(start)) }()

	if s.transactions {
		return s.withSession(ctx, fn)
	}
	return s.withUndoLog(ctx, owner, fn)
}

func (s *Store) withSession(ctx context.Context, fn func(ctx context.Context, tx metadata.Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc, &mongoTx{reader: s.reader})
	})
	if err != nil {
		metrics.RecordRollback(backend)
		return err
	}
	return nil
}

func (s *Store) withUndoLog(ctx context.Context, owner string, fn func(ctx context.Context, tx metadata.Tx) error) error {
	tx := &mongoTx{reader: s.reader, logUndo: true}
	if err := fn(ctx, tx); err != nil {
		metrics.RecordRollback(backend)
		tx.compensate(context.WithoutCancel(ctx), owner)
		return err
	}
	return nil
}

// Touch sets metadata.accessed outside a transaction.
func (s *Store) Touch(ctx context.Context, owner, id string, accessed time.Time) error {
	res, err := s.nodes.UpdateOne(ctx,
		bson.M{"_id": id, "owner": owner},
		bson.M{"$set": bson.M{"metadata.accessed": accessed}})
	if err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	if res.MatchedCount == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

// Owners lists every owner with nodes or a bootstrap marker.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	ids, err := s.nodes.Distinct(ctx, "owner", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("distinct owners: %w", err)
	}
	for _, v := range ids {
		if o, ok := v.(string); ok {
			seen[o] = struct{}{}
		}
	}

	marked, err := s.bootstrap.Distinct(ctx, "_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("distinct bootstrap owners: %w", err)
	}
	for _, v := range marked {
		if o, ok := v.(string); ok {
			seen[o] = struct{}{}
		}
	}

	owners := make([]string, 0, len(seen))
	for o := range seen {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners, nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

type reader struct {
	nodes     *mongo.Collection
	bootstrap *mongo.Collection
}

func (r reader) GetByPath(ctx context.Context, owner, path string) (*models.Node, error) {
	return r.findOne(ctx, "get_by_path", bson.M{"owner": owner, "path": path})
}

func (r reader) GetByID(ctx context.Context, id string) (*models.Node, error) {
	return r.findOne(ctx, "get_by_id", bson.M{"_id": id})
}

func (r reader) PathExists(ctx context.Context, owner, path string) (bool, error) {
	n, err := r.nodes.CountDocuments(ctx, bson.M{"owner": owner, "path": path}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("path exists: %w", err)
	}
	return n > 0, nil
}

func (r reader) ListChildren(ctx context.Context, owner, parentID string) ([]*models.Node, error) {
	filter := bson.M{"owner": owner, "parent": parentID}
	if parentID == "" {
		filter["parent"] = nil
	}
	return r.find(ctx, "list_children", filter, options.Find().SetSort(bson.D{{Key: "path", Value: 1}}))
}

func (r reader) ListDescendants(ctx context.Context, owner, path string) ([]*models.Node, error) {
	pattern := "^" + regexp.QuoteMeta(path) + "/"
	if path == "/" {
		pattern = "^/"
	}
	return r.find(ctx, "list_descendants",
		bson.M{"owner": owner, "path": bson.M{"$regex": pattern}},
		options.Find().SetSort(bson.D{{Key: "path", Value: 1}}))
}

func (r reader) ListAll(ctx context.Context, owner string) ([]*models.Node, error) {
	return r.find(ctx, "list_all", bson.M{"owner": owner},
		options.Find().SetSort(bson.D{{Key: "path", Value: 1}}))
}

func (r reader) Count(ctx context.Context, owner string) (int, error) {
	n, err := r.nodes.CountDocuments(ctx, bson.M{"owner": owner})
	if err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return int(n), nil
}

// Search matches name or content with a case-insensitive literal regex.
// "folder" sorts after "file", so type descending puts folders first.
func (r reader) Search(ctx context.Context, owner string, q metadata.SearchQuery) ([]*models.Node, error) {
	re := bson.M{"$regex": regexp.QuoteMeta(q.Query), "$options": "i"}
	filter := bson.M{
		"owner": owner,
		"$or":   bson.A{bson.M{"name": re}, bson.M{"content": re}},
	}
	if q.Type != "" {
		filter["type"] = q.Type
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "type", Value: -1},
		{Key: "name", Value: 1},
		{Key: "path", Value: 1},
	})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return r.find(ctx, "search", filter, opts)
}

func (r reader) Bootstrapped(ctx context.Context, owner string) (bool, error) {
	n, err := r.bootstrap.CountDocuments(ctx, bson.M{"_id": owner}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("bootstrap marker: %w", err)
	}
	return n > 0, nil
}

func (r reader) findOne(ctx context.Context, query string, filter bson.M) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, query, time.Since(start)) }()

	var n models.Node
	err := r.nodes.FindOne(ctx, filter).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find node: %w", err)
	}
	normalize(&n)
	return &n, nil
}

func (r reader) find(ctx context.Context, query string, filter bson.M, opts *options.FindOptions) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, query, time.Since(start)) }()

	cur, err := r.nodes.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find nodes: %w", err)
	}
	defer cur.Close(ctx)

	var nodes []*models.Node
	for cur.Next(ctx) {
		var n models.Node
		if err := cur.Decode(&n); err != nil {
			return nil, fmt.Errorf("decode node: %w", err)
		}
		normalize(&n)
		nodes = append(nodes, &n)
	}
	return nodes, cur.Err()
}

func normalize(n *models.Node) {
	if n.IsFolder() && n.Children == nil {
		n.Children = []string{}
	}
	if !n.IsFolder() {
		n.Children = nil
	}
}

// ─── Writes ─────────────────────────────────────────────────────────────────

type undoEntry struct {
	insert   *models.Node // re-insert a deleted node
	replace  *models.Node // restore a node's previous state
	deleteID string       // remove a created node
	unmark   bool         // drop the bootstrap marker
	prevMark *time.Time   // restore a previous marker
}

type mongoTx struct {
	reader
	logUndo bool
	undo    []undoEntry
}

func (t *mongoTx) Create(ctx context.Context, n *models.Node) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "create", time.Since(start)) }()

	doc := n.Clone()
	if doc.IsFolder() && doc.Children == nil {
		doc.Children = []string{}
	}
	if _, err := t.nodes.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return metadata.ErrDuplicatePath
		}
		return fmt.Errorf("insert node: %w", err)
	}
	if t.logUndo {
		t.undo = append(t.undo, undoEntry{deleteID: n.ID})
	}
	return nil
}

func (t *mongoTx) Update(ctx context.Context, owner, id string, p metadata.Patch) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "update", time.Since(start)) }()

	set := bson.M{}
	if p.Name != nil {
		set["name"] = *p.Name
	}
	if p.Path != nil {
		set["path"] = *p.Path
	}
	if p.Parent != nil {
		set["parent"] = *p.Parent
	}
	if p.Children != nil {
		children := *p.Children
		if children == nil {
			children = []string{}
		}
		set["children"] = children
	}
	if p.Content != nil {
		set["content"] = *p.Content
	}
	if p.Size != nil {
		set["size"] = *p.Size
	}
	if p.MimeType != nil {
		set["mime_type"] = *p.MimeType
	}
	if p.Modified != nil {
		set["metadata.modified"] = *p.Modified
	}
	if p.Accessed != nil {
		set["metadata.accessed"] = *p.Accessed
	}
	if len(set) == 0 {
		return nil
	}

	var prev models.Node
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	err := t.nodes.FindOneAndUpdate(ctx, bson.M{"_id": id, "owner": owner}, bson.M{"$set": set}, opts).Decode(&prev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return metadata.ErrNotFound
	}
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return metadata.ErrDuplicatePath
		}
		return fmt.Errorf("update node: %w", err)
	}
	if t.logUndo {
		t.undo = append(t.undo, undoEntry{replace: &prev})
	}
	return nil
}

func (t *mongoTx) Delete(ctx context.Context, owner, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "delete", time.Since(start)) }()

	var prev models.Node
	err := t.nodes.FindOneAndDelete(ctx, bson.M{"_id": id, "owner": owner}).Decode(&prev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return metadata.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if t.logUndo {
		t.undo = append(t.undo, undoEntry{insert: &prev})
	}
	return nil
}

func (t *mongoTx) MarkBootstrapped(ctx context.Context, owner string, at time.Time) error {
	var prev bootstrapDoc
	err := t.bootstrap.FindOneAndReplace(ctx,
		bson.M{"_id": owner},
		bootstrapDoc{Owner: owner, CompletedAt: at},
		options.FindOneAndReplace().SetUpsert(true).SetReturnDocument(options.Before),
	).Decode(&prev)

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		if t.logUndo {
			t.undo = append(t.undo, undoEntry{unmark: true})
		}
	case err != nil:
		return fmt.Errorf("mark bootstrapped: %w", err)
	default:
		if t.logUndo {
			completed := prev.CompletedAt
			t.undo = append(t.undo, undoEntry{prevMark: &completed})
		}
	}
	return nil
}

// compensate replays the undo log newest first. Failures are logged and left
// for the reconciler.
func (t *mongoTx) compensate(ctx context.Context, owner string) {
	for i := len(t.undo) - 1; i >= 0; i-- {
		u := t.undo[i]
		var err error
		switch {
		case u.deleteID != "":
			_, err = t.nodes.DeleteOne(ctx, bson.M{"_id": u.deleteID})
		case u.replace != nil:
			_, err = t.nodes.ReplaceOne(ctx, bson.M{"_id": u.replace.ID}, u.replace)
		case u.insert != nil:
			_, err = t.nodes.InsertOne(ctx, u.insert)
		case u.unmark:
			_, err = t.bootstrap.DeleteOne(ctx, bson.M{"_id": owner})
		case u.prevMark != nil:
			_, err = t.bootstrap.ReplaceOne(ctx, bson.M{"_id": owner},
				bootstrapDoc{Owner: owner, CompletedAt: *u.prevMark})
		}
		if err != nil {
			logging.Error("undo log compensation failed",
				logging.Owner(owner), zap.Int("step", i), logging.Err(err))
		}
	}
	t.undo = nil
}
