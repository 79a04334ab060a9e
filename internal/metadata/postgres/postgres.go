// Package postgres provides a PostgreSQL-backed node store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/models"
)

const backend = "postgres"

//go:embed migrations/*.sql
var migrationsFS embed.FS

const nodeColumns = `id, owner_id, type, name, path, parent_id, children, content, mime_type, size,
	perm_read, perm_write, perm_execute, hidden, created_at, modified_at, accessed_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a PostgreSQL node store.
type Store struct {
	reader
	db *sql.DB
}

// New opens the database and verifies the connection.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{reader: reader{q: db}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs the embedded SQL migrations in name order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", path.Base(f)))
		content, err := migrationsFS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// WithTx runs fn in a database transaction. The owner's advisory lock is
// held until commit so that concurrent server processes serialize writes
// to the same tree.
func (s *Store) WithTx(ctx context.Context, owner string, fn func(ctx context.Context, tx metadata.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "tx", time.Since(start)) }()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, owner); err != nil {
		return fmt.Errorf("lock owner: %w", err)
	}

	if err := fn(ctx, &pgTx{reader: reader{q: sqlTx}}); err != nil {
		metrics.RecordRollback(backend)
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		metrics.RecordRollback(backend)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Touch sets metadata.accessed outside a transaction.
func (s *Store) Touch(ctx context.Context, owner, id string, accessed time.Time) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "touch", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET accessed_at = $1 WHERE owner_id = $2 AND id = $3`,
		accessed.UTC(), owner, id)
	if err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	return requireRow(res)
}

// Owners lists every owner with nodes or a bootstrap marker.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id FROM nodes UNION SELECT owner_id FROM owner_bootstrap ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// ─── Reads ──────────────────────────────────────────────────────────────────

type reader struct {
	q querier
}

func (r reader) GetByPath(ctx context.Context, owner, p string) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "get_by_path", time.Since(start)) }()

	row := r.q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND path = $2`, owner, p)
	return scanNode(row)
}

func (r reader) GetByID(ctx context.Context, id string) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "get_by_id", time.Since(start)) }()

	row := r.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	return scanNode(row)
}

func (r reader) PathExists(ctx context.Context, owner, p string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM nodes WHERE owner_id = $1 AND path = $2)`, owner, p).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("path exists: %w", err)
	}
	return exists, nil
}

func (r reader) ListChildren(ctx context.Context, owner, parentID string) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "list_children", time.Since(start)) }()

	if parentID == "" {
		return r.queryNodes(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND parent_id IS NULL ORDER BY path COLLATE "C"`, owner)
	}
	return r.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND parent_id = $2 ORDER BY path COLLATE "C"`, owner, parentID)
}

func (r reader) ListDescendants(ctx context.Context, owner, p string) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "list_descendants", time.Since(start)) }()

	prefix := escapeLike(p) + "/%"
	if p == "/" {
		prefix = "/%"
	}
	return r.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND path LIKE $2 ORDER BY path COLLATE "C"`, owner, prefix)
}

func (r reader) ListAll(ctx context.Context, owner string) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "list_all", time.Since(start)) }()

	return r.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 ORDER BY path COLLATE "C"`, owner)
}

func (r reader) Count(ctx context.Context, owner string) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE owner_id = $1`, owner).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

// Search matches name or content with ILIKE. The query is escaped so that
// "%" and "_" match literally.
func (r reader) Search(ctx context.Context, owner string, q metadata.SearchQuery) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "search", time.Since(start)) }()

	query := `SELECT ` + nodeColumns + ` FROM nodes
	          WHERE owner_id = $1
	          AND (name ILIKE '%' || $2 || '%' OR content ILIKE '%' || $2 || '%')`
	args := []any{owner, escapeLike(q.Query)}

	if q.Type != "" {
		args = append(args, string(q.Type))
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	query += ` ORDER BY (type = 'folder') DESC, name COLLATE "C", path COLLATE "C"`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	return r.queryNodes(ctx, query, args...)
}

func (r reader) Bootstrapped(ctx context.Context, owner string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM owner_bootstrap WHERE owner_id = $1)`, owner).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("bootstrap marker: %w", err)
	}
	return exists, nil
}

func (r reader) queryNodes(ctx context.Context, query string, args ...any) ([]*models.Node, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ─── Writes ─────────────────────────────────────────────────────────────────

type pgTx struct {
	reader
}

func (t *pgTx) Create(ctx context.Context, n *models.Node) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "create", time.Since(start)) }()

	children := n.Children
	if children == nil {
		children = []string{}
	}
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		n.ID, n.Owner, string(n.Type), n.Name, n.Path, n.Parent, pq.Array(children),
		n.Content, n.MimeType, n.Size,
		n.Permissions.Read, n.Permissions.Write, n.Permissions.Execute, n.Metadata.Hidden,
		n.Metadata.Created.UTC(), n.Metadata.Modified.UTC(), n.Metadata.Accessed.UTC())
	if err != nil {
		return mapWriteErr("insert node", err)
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, owner, id string, p metadata.Patch) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "update", time.Since(start)) }()

	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Path != nil {
		set("path", *p.Path)
	}
	if p.Parent != nil {
		set("parent_id", *p.Parent)
	}
	if p.Children != nil {
		set("children", pq.Array(*p.Children))
	}
	if p.Content != nil {
		set("content", *p.Content)
	}
	if p.Size != nil {
		set("size", *p.Size)
	}
	if p.MimeType != nil {
		set("mime_type", *p.MimeType)
	}
	if p.Modified != nil {
		set("modified_at", p.Modified.UTC())
	}
	if p.Accessed != nil {
		set("accessed_at", p.Accessed.UTC())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, owner, id)
	query := fmt.Sprintf(`UPDATE nodes SET %s WHERE owner_id = $%d AND id = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteErr("update node", err)
	}
	return requireRow(res)
}

func (t *pgTx) Delete(ctx context.Context, owner, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(backend, "delete", time.Since(start)) }()

	res, err := t.q.ExecContext(ctx, `DELETE FROM nodes WHERE owner_id = $1 AND id = $2`, owner, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return requireRow(res)
}

func (t *pgTx) MarkBootstrapped(ctx context.Context, owner string, at time.Time) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO owner_bootstrap (owner_id, completed_at) VALUES ($1, $2)
		 ON CONFLICT (owner_id) DO UPDATE SET completed_at = EXCLUDED.completed_at`,
		owner, at.UTC())
	if err != nil {
		return fmt.Errorf("mark bootstrapped: %w", err)
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*models.Node, error) {
	var (
		n        models.Node
		typ      string
		parent   sql.NullString
		children []string
	)
	err := s.Scan(&n.ID, &n.Owner, &typ, &n.Name, &n.Path, &parent, pq.Array(&children),
		&n.Content, &n.MimeType, &n.Size,
		&n.Permissions.Read, &n.Permissions.Write, &n.Permissions.Execute, &n.Metadata.Hidden,
		&n.Metadata.Created, &n.Metadata.Modified, &n.Metadata.Accessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}

	n.Type = models.NodeType(typ)
	if parent.Valid {
		p := parent.String
		n.Parent = &p
	}
	if n.IsFolder() {
		if children == nil {
			children = []string{}
		}
		n.Children = children
	}
	return &n, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

func mapWriteErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return metadata.ErrDuplicatePath
	}
	return fmt.Errorf("%s: %w", op, err)
}

// escapeLike escapes LIKE wildcards using the default backslash escape.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
