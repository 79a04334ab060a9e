// Package seed imports local directories into an owner's tree.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/tree"
	"github.com/fruitsalade/deskfs/internal/vfs"
)

// Stats counts the outcome of an import.
type Stats struct {
	Folders int `json:"folders"`
	Files   int `json:"files"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Options controls ImportDir.
type Options struct {
	// Target is the folder the source directory's contents land in.
	Target string
	// Overwrite replaces the content of files that already exist.
	Overwrite bool
}

// ImportDir walks src and recreates it under opts.Target in owner's tree.
// Existing folders are reused. Binary files, files over the engine's
// content limit, and hidden entries are skipped.
func ImportDir(ctx context.Context, engine *vfs.Engine, owner, src string, opts Options) (*Stats, error) {
	target := tree.Normalize(opts.Target)
	stats := &Stats{}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.Name()[0] == '.' {
			stats.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		virtualPath := tree.Normalize(target + "/" + filepath.ToSlash(rel))
		parent, name := tree.ParentOf(virtualPath), tree.BaseName(virtualPath)

		if d.IsDir() {
			_, err := engine.CreateFolder(ctx, owner, name, parent)
			switch {
			case err == nil:
				stats.Folders++
			case errors.Is(err, vfs.ErrConflict):
				existing, err := engine.Store().GetByPath(ctx, owner, virtualPath)
				if err != nil {
					return fmt.Errorf("lookup %s: %w", virtualPath, err)
				}
				if !existing.IsFolder() {
					logging.Warn("skipping directory, a file has its path", logging.Path(virtualPath))
					stats.Skipped++
					return filepath.SkipDir
				}
			default:
				return fmt.Errorf("create folder %s: %w", virtualPath, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			stats.Skipped++
			return nil
		}
		return importFile(ctx, engine, owner, path, parent, name, virtualPath, opts.Overwrite, stats)
	})
	if err != nil {
		return stats, err
	}

	logging.WithContext(ctx).Info("import complete",
		logging.Owner(owner), zap.String("source", src), logging.Path(target),
		zap.Int("folders", stats.Folders), zap.Int("files", stats.Files),
		zap.Int("updated", stats.Updated), zap.Int("skipped", stats.Skipped))
	return stats, nil
}

func importFile(ctx context.Context, engine *vfs.Engine, owner, path, parent, name, virtualPath string, overwrite bool, stats *Stats) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		logging.Debug("skipping binary file", logging.Path(path))
		stats.Skipped++
		return nil
	}
	content := string(data)

	_, err = engine.CreateFile(ctx, owner, name, content, parent)
	switch {
	case err == nil:
		stats.Files++
		return nil
	case errors.Is(err, vfs.ErrConflict) && overwrite:
		if _, err := engine.UpdateFileContent(ctx, owner, virtualPath, &content); err != nil {
			if errors.Is(err, vfs.ErrInvalidInput) || errors.Is(err, vfs.ErrForbidden) {
				logging.Warn("skipping file", logging.Path(virtualPath), logging.Err(err))
				stats.Skipped++
				return nil
			}
			return fmt.Errorf("update %s: %w", virtualPath, err)
		}
		stats.Updated++
		return nil
	case errors.Is(err, vfs.ErrConflict), errors.Is(err, vfs.ErrInvalidInput):
		logging.Warn("skipping file", logging.Path(virtualPath), logging.Err(err))
		stats.Skipped++
		return nil
	default:
		return fmt.Errorf("create file %s: %w", virtualPath, err)
	}
}
