package vfs

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/deskfs/internal/events"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/models"
	"github.com/fruitsalade/deskfs/internal/tree"
)

//go:embed skeleton.yaml
var defaultSkeleton []byte

// Skeleton is the folder and file set created for a new owner.
type Skeleton struct {
	Folders []string       `yaml:"folders"`
	Files   []SkeletonFile `yaml:"files"`
}

// SkeletonFile is one seed file with literal content.
type SkeletonFile struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

// DefaultSkeleton returns the built-in skeleton.
func DefaultSkeleton() *Skeleton {
	sk, err := ParseSkeleton(defaultSkeleton)
	if err != nil {
		panic(fmt.Sprintf("embedded skeleton: %v", err))
	}
	return sk
}

// LoadSkeleton reads a skeleton from a YAML file, or returns the built-in
// one when path is empty.
func LoadSkeleton(path string) (*Skeleton, error) {
	if path == "" {
		return DefaultSkeleton(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skeleton: %w", err)
	}
	return ParseSkeleton(data)
}

// ParseSkeleton decodes and validates a YAML skeleton.
func ParseSkeleton(data []byte) (*Skeleton, error) {
	var sk Skeleton
	if err := yaml.Unmarshal(data, &sk); err != nil {
		return nil, fmt.Errorf("parse skeleton: %w", err)
	}
	if err := sk.Validate(); err != nil {
		return nil, err
	}
	return &sk, nil
}

// Validate checks that every entry is a clean absolute path whose parent is
// the root or an earlier folder, and that no path repeats.
func (sk *Skeleton) Validate() error {
	folders := map[string]bool{tree.Root: true}
	seen := map[string]bool{}

	check := func(p string) error {
		if p != tree.Normalize(p) || p == tree.Root {
			return fmt.Errorf("skeleton path %q is not a clean absolute path", p)
		}
		if seen[p] {
			return fmt.Errorf("skeleton path %q is listed twice", p)
		}
		seen[p] = true
		if err := validateName(tree.BaseName(p)); err != nil {
			return fmt.Errorf("skeleton path %q: %w", p, err)
		}
		if !folders[tree.ParentOf(p)] {
			return fmt.Errorf("skeleton path %q: parent is not a skeleton folder", p)
		}
		return nil
	}

	for _, f := range sk.Folders {
		if err := check(f); err != nil {
			return err
		}
		folders[f] = true
	}
	for _, f := range sk.Files {
		if err := check(f.Path); err != nil {
			return err
		}
	}
	return nil
}

// Bootstrapper seeds new owners with the skeleton exactly once per owner.
type Bootstrapper struct {
	engine   *Engine
	skeleton *Skeleton
	group    singleflight.Group
}

// NewBootstrapper creates a bootstrapper. A nil skeleton uses the default.
func NewBootstrapper(engine *Engine, skeleton *Skeleton) *Bootstrapper {
	if skeleton == nil {
		skeleton = DefaultSkeleton()
	}
	return &Bootstrapper{engine: engine, skeleton: skeleton}
}

// EnsureDefaultFileSystem creates the skeleton for an owner with no nodes.
// An owner that already has nodes is marked initialized and left as is. It
// reports whether the skeleton was created.
func (b *Bootstrapper) EnsureDefaultFileSystem(ctx context.Context, owner string) (bool, error) {
	if err := checkOwner(owner); err != nil {
		return false, err
	}
	// Shared by every caller for owner, so one caller's cancellation must not
	// fail the rest.
	shared := context.WithoutCancel(ctx)
	v, err, _ := b.group.Do(owner, func() (any, error) {
		return b.ensure(shared, owner)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *Bootstrapper) ensure(ctx context.Context, owner string) (created bool, err error) {
	start := time.Now()
	defer func() {
		observe("bootstrap", start, err)
		switch {
		case err != nil:
			metrics.RecordBootstrap("error")
		case created:
			metrics.RecordBootstrap("created")
		default:
			metrics.RecordBootstrap("skipped")
		}
	}()

	e := b.engine
	done, err := e.store.Bootstrapped(ctx, owner)
	if err != nil {
		return false, classify(err)
	}
	if done {
		return false, nil
	}

	unlock := e.lock(owner)
	defer unlock()

	var count int
	err = e.store.WithTx(ctx, owner, func(ctx context.Context, tx metadata.Tx) error {
		count = 0
		// Re-check under the lock: another process may have finished first.
		done, err := tx.Bootstrapped(ctx, owner)
		if err != nil {
			return classify(err)
		}
		if done {
			return nil
		}

		now := e.timestamp()
		existing, err := tx.Count(ctx, owner)
		if err != nil {
			return classify(err)
		}
		if existing > 0 {
			logging.WithContext(ctx).Info("owner already initialized",
				logging.Owner(owner), zap.Int("nodes", existing))
			return tx.MarkBootstrapped(ctx, owner, now)
		}

		for _, p := range b.skeleton.Folders {
			if err := b.seed(ctx, tx, owner, models.TypeFolder, p, "", now); err != nil {
				return err
			}
			count++
		}
		for _, f := range b.skeleton.Files {
			if err := b.seed(ctx, tx, owner, models.TypeFile, f.Path, f.Content, now); err != nil {
				return err
			}
			count++
		}
		return tx.MarkBootstrapped(ctx, owner, now)
	})
	if err != nil {
		logging.WithContext(ctx).Error("bootstrap failed", logging.Owner(owner), logging.Err(err))
		return false, classify(err)
	}

	if count > 0 {
		logging.WithContext(ctx).Info("default file system created",
			logging.Owner(owner), zap.Int("created", count))
		e.publish(events.Event{Type: events.EventBootstrap, Owner: owner, Path: tree.Root, Affected: count})
	}
	return count > 0, nil
}

// seed creates one skeleton entry in an empty tree.
func (b *Bootstrapper) seed(ctx context.Context, tx metadata.Tx, owner string, typ models.NodeType, p, content string, now time.Time) error {
	if _, err := b.engine.createInTx(ctx, tx, owner, typ, tree.BaseName(p), content, tree.ParentOf(p), now); err != nil {
		return fmt.Errorf("seed %s: %w", p, err)
	}
	return nil
}
