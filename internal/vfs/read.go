package vfs

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/models"
	"github.com/fruitsalade/deskfs/internal/tree"
)

// Reads do not take the owner lock. They see whatever the store has
// committed.

// GetTree returns every node of owner keyed by path.
func (e *Engine) GetTree(ctx context.Context, owner string) (_ *Tree, err error) {
	start := time.Now()
	defer func() { observe("get_tree", start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	nodes, err := e.store.ListAll(ctx, owner)
	if err != nil {
		return nil, classify(err)
	}
	metrics.SetTreeSize(len(nodes))
	return &Tree{Nodes: tree.Build(nodes), TotalCount: len(nodes)}, nil
}

// GetDirectory returns the folder at p and its direct children, folders
// first. "/" lists the owner's top-level nodes.
func (e *Engine) GetDirectory(ctx context.Context, owner, p string) (_ *Directory, err error) {
	start := time.Now()
	defer func() { observe("get_directory", start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	p = tree.Normalize(p)

	var (
		dir      models.NodeSummary
		parentID string
	)
	if p != tree.Root {
		n, err := resolve(ctx, e.store, owner, p)
		if err != nil {
			return nil, err
		}
		if !n.IsFolder() {
			return nil, invalid("%s is not a folder", p)
		}
		dir = tree.Summarize(n)
		parentID = n.ID
	}

	children, err := e.store.ListChildren(ctx, owner, parentID)
	if err != nil {
		return nil, classify(err)
	}
	if p == tree.Root {
		dir = rootSummary(len(children))
	}

	contents := make([]models.NodeSummary, 0, len(children))
	for _, c := range children {
		contents = append(contents, tree.Summarize(c))
	}
	tree.SortSummaries(contents)
	return &Directory{Directory: dir, Contents: contents}, nil
}

// GetFileContent returns a file's content and records the access time.
func (e *Engine) GetFileContent(ctx context.Context, owner, p string) (_ *models.FileContent, err error) {
	start := time.Now()
	defer func() { observe("get_content", start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	p = tree.Normalize(p)

	n, err := resolve(ctx, e.store, owner, p)
	if err != nil {
		return nil, err
	}
	if n.IsFolder() {
		return nil, invalid("%s is a folder", p)
	}
	if !n.Permissions.Read {
		return nil, forbidden("%s is not readable", p)
	}

	accessed := e.timestamp()
	if err := e.store.Touch(ctx, owner, n.ID, accessed); err != nil {
		if isStoreNotFound(err) {
			return nil, notFound("%s does not exist", p)
		}
		logging.WithContext(ctx).Warn("failed to record access time",
			logging.Owner(owner), logging.Path(p), logging.Err(err))
		accessed = n.Metadata.Accessed
	}

	return &models.FileContent{
		Path:     n.Path,
		Content:  n.Content,
		Size:     n.Size,
		MimeType: n.MimeType,
		Created:  n.Metadata.Created,
		Modified: n.Metadata.Modified,
		Accessed: accessed,
	}, nil
}

// GetNode returns the node with id. Nodes of other owners are reported as
// forbidden rather than missing.
func (e *Engine) GetNode(ctx context.Context, owner, id string) (_ *models.NodeSummary, err error) {
	start := time.Now()
	defer func() { observe("get_node", start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	n, err := e.store.GetByID(ctx, id)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, notFound("node %s does not exist", id)
		}
		return nil, classify(err)
	}
	if n.Owner != owner {
		return nil, forbidden("node %s belongs to another owner", id)
	}
	s := tree.Summarize(n)
	return &s, nil
}

// SearchItems finds nodes whose name or content contains query,
// case-insensitively. typeFilter is "", "file" or "folder".
func (e *Engine) SearchItems(ctx context.Context, owner, query, typeFilter string) (_ *SearchResult, err error) {
	start := time.Now()
	defer func() { observe("search", start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(query) < MinQueryLength {
		return nil, invalid("query must be at least %d characters", MinQueryLength)
	}
	typ := models.NodeType(strings.ToLower(typeFilter))
	if typ != "" && !typ.Valid() {
		return nil, invalid("type must be %q or %q", models.TypeFile, models.TypeFolder)
	}

	nodes, err := e.store.Search(ctx, owner, metadata.SearchQuery{
		Query: query,
		Type:  typ,
		Limit: e.searchLimit,
	})
	if err != nil {
		return nil, classify(err)
	}
	tree.SortNodes(nodes)

	results := make([]models.NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		results = append(results, tree.Summarize(n))
	}
	return &SearchResult{Results: results, Total: len(results), Query: query}, nil
}
