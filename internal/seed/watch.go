package seed

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/tree"
	"github.com/fruitsalade/deskfs/internal/vfs"
)

// debounce is how long the source must be quiet before changes are applied.
var debounce = 250 * time.Millisecond

// Watch mirrors changes under src into owner's tree until ctx is done.
// Created and written files are imported with overwrite, removed entries are
// deleted. Call ImportDir first for the initial copy.
func Watch(ctx context.Context, engine *vfs.Engine, owner, src string, opts Options) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirs(w, src); err != nil {
		return err
	}
	m := &mirror{engine: engine, owner: owner, src: src, target: tree.Normalize(opts.Target), watcher: w}
	logging.Info("watching for changes", zap.String("source", src), logging.Path(m.target))

	pending := map[string]struct{}{}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Warn("watch error", zap.Error(err))
		case <-timer.C:
			m.apply(ctx, pending)
			pending = map[string]struct{}{}
		}
	}
}

type mirror struct {
	engine  *vfs.Engine
	owner   string
	src     string
	target  string
	watcher *fsnotify.Watcher
}

func (m *mirror) apply(ctx context.Context, pending map[string]struct{}) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	// Parents before children.
	sort.Strings(paths)

	for _, p := range paths {
		if err := m.sync(ctx, p); err != nil {
			logging.Warn("sync failed", zap.String("source", p), logging.Err(err))
		}
	}
}

func (m *mirror) sync(ctx context.Context, p string) error {
	rel, err := filepath.Rel(m.src, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return err
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return nil
		}
	}
	virtualPath := tree.Normalize(m.target + "/" + filepath.ToSlash(rel))
	parent, name := tree.ParentOf(virtualPath), tree.BaseName(virtualPath)

	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		n, err := m.engine.DeleteItem(ctx, m.owner, virtualPath)
		if errors.Is(err, vfs.ErrNotFound) {
			return nil
		}
		if err == nil {
			logging.Debug("mirrored delete", logging.Path(virtualPath), zap.Int("nodes", n))
		}
		return err
	}
	if err != nil {
		return err
	}

	if info.IsDir() {
		if err := addDirs(m.watcher, p); err != nil {
			return err
		}
		_, err := m.engine.CreateFolder(ctx, m.owner, name, parent)
		switch {
		case errors.Is(err, vfs.ErrConflict):
			existing, err := m.engine.Store().GetByPath(ctx, m.owner, virtualPath)
			if err != nil {
				return err
			}
			if !existing.IsFolder() {
				logging.Warn("skipping directory, a file has its path", logging.Path(virtualPath))
				return nil
			}
		case err != nil:
			return err
		}
		_, err = ImportDir(ctx, m.engine, m.owner, p, Options{Target: virtualPath, Overwrite: true})
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return importFile(ctx, m.engine, m.owner, p, parent, name, virtualPath, true, &Stats{})
}

// addDirs watches root and every non-hidden directory below it.
func addDirs(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
