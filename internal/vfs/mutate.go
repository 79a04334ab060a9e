package vfs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/events"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/models"
	"github.com/fruitsalade/deskfs/internal/tree"
)

// CreateFolder creates an empty folder named name under parentPath.
func (e *Engine) CreateFolder(ctx context.Context, owner, name, parentPath string) (*models.NodeSummary, error) {
	return e.create(ctx, "create_folder", owner, models.TypeFolder, name, "", parentPath)
}

// CreateFile creates a file named name with content under parentPath.
func (e *Engine) CreateFile(ctx context.Context, owner, name, content, parentPath string) (*models.NodeSummary, error) {
	if err := e.checkContent(content); err != nil {
		return nil, err
	}
	return e.create(ctx, "create_file", owner, models.TypeFile, name, content, parentPath)
}

func (e *Engine) create(ctx context.Context, op, owner string, typ models.NodeType, name, content, parentPath string) (_ *models.NodeSummary, err error) {
	start := time.Now()
	defer func() { observe(op, start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	parentPath = tree.Normalize(parentPath)

	unlock := e.lock(owner)
	defer unlock()

	var created *models.Node
	err = e.store.WithTx(ctx, owner, func(ctx context.Context, tx metadata.Tx) error {
		n, err := e.createInTx(ctx, tx, owner, typ, name, content, parentPath, e.timestamp())
		if err != nil {
			return err
		}
		created = n
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	logging.WithContext(ctx).Debug("node created",
		logging.Owner(owner), logging.Path(created.Path), zap.String("type", string(typ)))
	e.publish(events.Event{
		Type:     events.EventCreate,
		Owner:    owner,
		Path:     created.Path,
		NodeID:   created.ID,
		NodeType: string(typ),
		Size:     created.Size,
	})

	s := tree.Summarize(created)
	return &s, nil
}

// UpdateFileContent replaces a file's content. A nil content means the
// caller supplied none and is rejected.
func (e *Engine) UpdateFileContent(ctx context.Context, owner, p string, content *string) (_ *models.NodeSummary, err error) {
	start := time.Now()
	defer func() { observe("update_content", start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	p = tree.Normalize(p)

	unlock := e.lock(owner)
	defer unlock()

	var updated *models.Node
	err = e.store.WithTx(ctx, owner, func(ctx context.Context, tx metadata.Tx) error {
		n, err := resolve(ctx, tx, owner, p)
		if err != nil {
			return err
		}
		if n.IsFolder() {
			return invalid("%s is a folder", p)
		}
		if !n.Permissions.Write {
			return forbidden("%s is not writable", p)
		}
		if content == nil {
			return invalid("content is required")
		}
		if err := e.checkContent(*content); err != nil {
			return err
		}

		now := e.timestamp()
		size := int64(len(*content))
		patch := metadata.Patch{Content: content, Size: &size, Modified: &now}
		if err := tx.Update(ctx, owner, n.ID, patch); err != nil {
			return classify(err)
		}
		patch.Apply(n)
		updated = n
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	logging.WithContext(ctx).Debug("content updated",
		logging.Owner(owner), logging.Path(p), zap.Int64("size", updated.Size))
	e.publish(events.Event{
		Type:     events.EventModify,
		Owner:    owner,
		Path:     updated.Path,
		NodeID:   updated.ID,
		NodeType: string(updated.Type),
		Size:     updated.Size,
	})

	s := tree.Summarize(updated)
	return &s, nil
}

// RenameItem renames the node at p within its parent. Renaming a folder
// rewrites the path of every descendant in the same transaction.
func (e *Engine) RenameItem(ctx context.Context, owner, p, newName string) (_ *models.NodeSummary, err error) {
	start := time.Now()
	defer func() { observe("rename", start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	p = tree.Normalize(p)
	if p == tree.Root {
		return nil, invalid("cannot rename the root")
	}
	if err := validateName(newName); err != nil {
		return nil, err
	}

	unlock := e.lock(owner)
	defer unlock()

	var (
		renamed  *models.Node
		oldPath  string
		cascaded int
		noop     bool
	)
	err = e.store.WithTx(ctx, owner, func(ctx context.Context, tx metadata.Tx) error {
		n, err := resolve(ctx, tx, owner, p)
		if err != nil {
			return err
		}
		oldPath = n.Path
		if n.Name == newName {
			renamed, noop = n, true
			return nil
		}

		newPath := tree.BuildChildPath(tree.ParentOf(n.Path), newName)
		exists, err := tx.PathExists(ctx, owner, newPath)
		if err != nil {
			return classify(err)
		}
		if exists {
			return conflict("%s already exists", newPath)
		}

		now := e.timestamp()
		patch := metadata.Patch{Name: &newName, Path: &newPath, Modified: &now}
		if !n.IsFolder() {
			mime := tree.MimeType(newName)
			patch.MimeType = &mime
		}
		if err := tx.Update(ctx, owner, n.ID, patch); err != nil {
			return classify(err)
		}
		if n.IsFolder() {
			if cascaded, err = rewriteDescendants(ctx, tx, owner, oldPath, newPath); err != nil {
				return err
			}
		}
		patch.Apply(n)
		renamed = n
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if !noop {
		if renamed.IsFolder() {
			metrics.RecordCascade("rename", cascaded)
			logging.WithContext(ctx).Info("folder renamed",
				logging.Owner(owner), zap.String("from", oldPath), zap.String("to", renamed.Path),
				zap.Int("descendants", cascaded))
		}
		e.publish(events.Event{
			Type:     events.EventRename,
			Owner:    owner,
			Path:     renamed.Path,
			OldPath:  oldPath,
			NodeID:   renamed.ID,
			NodeType: string(renamed.Type),
			Affected: cascaded + 1,
		})
	}

	s := tree.Summarize(renamed)
	return &s, nil
}

// MoveItem moves the node at p into the folder at newParentPath, keeping
// its name. Moving a folder rewrites every descendant path.
func (e *Engine) MoveItem(ctx context.Context, owner, p, newParentPath string) (_ *models.NodeSummary, err error) {
	start := time.Now()
	defer func() { observe("move", start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	p = tree.Normalize(p)
	newParentPath = tree.Normalize(newParentPath)
	if p == tree.Root {
		return nil, invalid("cannot move the root")
	}

	unlock := e.lock(owner)
	defer unlock()

	var (
		moved    *models.Node
		oldPath  string
		cascaded int
		noop     bool
	)
	err = e.store.WithTx(ctx, owner, func(ctx context.Context, tx metadata.Tx) error {
		n, err := resolve(ctx, tx, owner, p)
		if err != nil {
			return err
		}
		oldPath = n.Path
		if tree.IsWithin(newParentPath, n.Path) {
			return invalid("cannot move %s into itself", p)
		}
		if tree.ParentOf(n.Path) == newParentPath {
			moved, noop = n, true
			return nil
		}

		newParent, err := resolveParent(ctx, tx, owner, newParentPath)
		if err != nil {
			return err
		}
		newPath := tree.BuildChildPath(newParentPath, n.Name)
		exists, err := tx.PathExists(ctx, owner, newPath)
		if err != nil {
			return classify(err)
		}
		if exists {
			return conflict("%s already exists", newPath)
		}

		now := e.timestamp()
		newParentID := ""
		if newParent != nil {
			newParentID = newParent.ID
		}
		patch := metadata.Patch{Path: &newPath, Parent: metadata.ParentPtr(newParentID), Modified: &now}
		if err := tx.Update(ctx, owner, n.ID, patch); err != nil {
			return classify(err)
		}
		if err := unlinkChild(ctx, tx, owner, n.ParentID(), n.ID, now); err != nil {
			return err
		}
		if newParent != nil {
			children := append(append([]string{}, newParent.Children...), n.ID)
			if err := tx.Update(ctx, owner, newParent.ID, metadata.Patch{Children: &children, Modified: &now}); err != nil {
				return classify(err)
			}
		}
		if n.IsFolder() {
			if cascaded, err = rewriteDescendants(ctx, tx, owner, oldPath, newPath); err != nil {
				return err
			}
		}
		patch.Apply(n)
		moved = n
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if !noop {
		if moved.IsFolder() {
			metrics.RecordCascade("move", cascaded)
		}
		logging.WithContext(ctx).Info("node moved",
			logging.Owner(owner), zap.String("from", oldPath), zap.String("to", moved.Path),
			zap.Int("descendants", cascaded))
		e.publish(events.Event{
			Type:     events.EventMove,
			Owner:    owner,
			Path:     moved.Path,
			OldPath:  oldPath,
			NodeID:   moved.ID,
			NodeType: string(moved.Type),
			Affected: cascaded + 1,
		})
	}

	s := tree.Summarize(moved)
	return &s, nil
}

// DeleteItem removes the node at p and, for folders, every descendant. It
// returns the number of nodes removed.
func (e *Engine) DeleteItem(ctx context.Context, owner, p string) (_ int, err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	if err := checkOwner(owner); err != nil {
		return 0, err
	}
	p = tree.Normalize(p)
	if p == tree.Root {
		return 0, invalid("cannot delete the root")
	}

	unlock := e.lock(owner)
	defer unlock()

	var (
		target  *models.Node
		removed int
	)
	err = e.store.WithTx(ctx, owner, func(ctx context.Context, tx metadata.Tx) error {
		n, err := resolve(ctx, tx, owner, p)
		if err != nil {
			return err
		}
		target = n

		subtree, err := collectSubtree(ctx, tx, owner, n)
		if err != nil {
			return err
		}
		// Parents precede their children in subtree, so walking it backwards
		// deletes children first.
		for i := len(subtree) - 1; i >= 0; i-- {
			if err := tx.Delete(ctx, owner, subtree[i].ID); err != nil {
				return classify(err)
			}
		}
		removed = len(subtree)
		return unlinkChild(ctx, tx, owner, n.ParentID(), n.ID, e.timestamp())
	})
	if err != nil {
		return 0, classify(err)
	}

	if target.IsFolder() {
		metrics.RecordCascade("delete", removed)
		logging.WithContext(ctx).Info("folder deleted",
			logging.Owner(owner), logging.Path(p), zap.Int("removed", removed))
	}
	e.publish(events.Event{
		Type:     events.EventDelete,
		Owner:    owner,
		Path:     p,
		NodeID:   target.ID,
		NodeType: string(target.Type),
		Affected: removed,
	})
	return removed, nil
}

// collectSubtree returns root and its transitive children, parents before
// children. The walk uses an explicit stack and never revisits a node.
func collectSubtree(ctx context.Context, r metadata.Reader, owner string, root *models.Node) ([]*models.Node, error) {
	visited := map[string]bool{}
	stack := []*models.Node{root}
	var out []*models.Node

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n.ID] {
			continue
		}
		visited[n.ID] = true
		out = append(out, n)

		if !n.IsFolder() {
			continue
		}
		children, err := r.ListChildren(ctx, owner, n.ID)
		if err != nil {
			return nil, classify(err)
		}
		for _, c := range children {
			if !visited[c.ID] {
				stack = append(stack, c)
			}
		}
	}
	return out, nil
}
