package vfs

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/events"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/models"
	"github.com/fruitsalade/deskfs/internal/tree"
)

// Reconcile scans owner's tree for broken structure and, unless dryRun is
// set, repairs it in one transaction:
//   - nodes not reachable from the root through parent pointers are removed
//   - children lists are rebuilt from parent pointers, keeping existing order
//   - paths are recomputed top-down from parent path and name
func (e *Engine) Reconcile(ctx context.Context, owner string, dryRun bool) (_ *ReconcileReport, err error) {
	start := time.Now()
	defer func() { observe("reconcile", start, err) }()

	if err := checkOwner(owner); err != nil {
		return nil, err
	}

	unlock := e.lock(owner)
	defer unlock()

	var report ReconcileReport
	err = e.store.WithTx(ctx, owner, func(ctx context.Context, tx metadata.Tx) error {
		report = ReconcileReport{Owner: owner, DryRun: dryRun}
		nodes, err := tx.ListAll(ctx, owner)
		if err != nil {
			return classify(err)
		}
		plan := planRepairs(nodes, &report)
		if dryRun {
			return nil
		}
		return plan.apply(ctx, tx, owner, e.timestamp())
	})
	if err != nil {
		return nil, classify(err)
	}

	metrics.RecordReconcileFixes("orphan", report.RemovedNodes)
	metrics.RecordReconcileFixes("dangling_child", report.DanglingChildren)
	metrics.RecordReconcileFixes("missing_child", report.MissingChildren)
	metrics.RecordReconcileFixes("path_drift", len(report.PathFixes))

	if !report.Clean() {
		logging.WithContext(ctx).Info("reconcile found inconsistencies",
			logging.Owner(owner),
			zap.Bool("dry_run", dryRun),
			zap.Int("removed", report.RemovedNodes),
			zap.Int("dangling_children", report.DanglingChildren),
			zap.Int("missing_children", report.MissingChildren),
			zap.Int("path_fixes", len(report.PathFixes)),
			zap.Strings("unresolved", report.Unresolved))
		if !dryRun {
			e.publish(events.Event{Type: events.EventReconcile, Owner: owner, Path: tree.Root})
		}
	}
	return &report, nil
}

type repairPlan struct {
	remove   []*models.Node
	children map[string][]string
	paths    map[string]string
	order    []string // path fix order, parents first
}

// planRepairs computes the repairs for nodes and fills report.
func planRepairs(nodes []*models.Node, report *ReconcileReport) *repairPlan {
	report.Scanned = len(nodes)
	plan := &repairPlan{children: map[string][]string{}, paths: map[string]string{}}

	byID := make(map[string]*models.Node, len(nodes))
	kids := map[string][]*models.Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		kids[n.ParentID()] = append(kids[n.ParentID()], n)
	}
	for _, list := range kids {
		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	}

	// Walk from the root. Only folders contribute children.
	reachable := map[string]bool{}
	var bfs []*models.Node
	queue := append([]*models.Node{}, kids[""]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if reachable[n.ID] {
			continue
		}
		reachable[n.ID] = true
		bfs = append(bfs, n)
		if n.IsFolder() {
			queue = append(queue, kids[n.ID]...)
		}
	}

	// Unreachable nodes: report those whose parent is missing or not a
	// folder, remove all of them.
	for _, n := range nodes {
		if reachable[n.ID] {
			continue
		}
		plan.remove = append(plan.remove, n)
		parent, ok := byID[n.ParentID()]
		if !ok || !parent.IsFolder() {
			report.Orphans = append(report.Orphans, n.Path)
		}
	}
	report.RemovedNodes = len(plan.remove)

	// Children lists.
	for _, n := range bfs {
		if !n.IsFolder() {
			continue
		}
		expected := map[string]bool{}
		for _, c := range kids[n.ID] {
			expected[c.ID] = true
		}
		fixed := make([]string, 0, len(expected))
		seen := map[string]bool{}
		dangling, missing := 0, 0
		for _, id := range n.Children {
			if expected[id] && !seen[id] {
				fixed = append(fixed, id)
				seen[id] = true
			} else {
				dangling++
			}
		}
		for _, c := range kids[n.ID] {
			if !seen[c.ID] {
				fixed = append(fixed, c.ID)
				missing++
			}
		}
		if dangling+missing > 0 {
			report.DanglingChildren += dangling
			report.MissingChildren += missing
			plan.children[n.ID] = fixed
		}
	}

	// Paths, top-down. occupied tracks the path each reachable node will
	// hold once earlier fixes are applied.
	occupied := map[string]string{}
	for _, n := range bfs {
		occupied[n.Path] = n.ID
	}
	final := map[string]string{} // id -> path after repair
	for _, n := range bfs {
		parentPath := tree.Root
		if pid := n.ParentID(); pid != "" {
			parentPath = final[pid]
		}
		want := tree.BuildChildPath(parentPath, n.Name)
		final[n.ID] = n.Path
		if want == n.Path {
			continue
		}
		if other, ok := occupied[want]; ok && other != n.ID {
			report.Unresolved = append(report.Unresolved, n.Path)
			continue
		}
		delete(occupied, n.Path)
		occupied[want] = n.ID
		final[n.ID] = want
		plan.paths[n.ID] = want
		plan.order = append(plan.order, n.ID)
		report.PathFixes = append(report.PathFixes, PathFix{ID: n.ID, From: n.Path, To: want})
	}
	return plan
}

func (p *repairPlan) apply(ctx context.Context, tx metadata.Tx, owner string, now time.Time) error {
	// Deepest first.
	sort.Slice(p.remove, func(i, j int) bool {
		return tree.Depth(p.remove[i].Path) > tree.Depth(p.remove[j].Path)
	})
	for _, n := range p.remove {
		if err := tx.Delete(ctx, owner, n.ID); err != nil {
			return classify(err)
		}
	}
	for _, id := range p.order {
		np := p.paths[id]
		if err := tx.Update(ctx, owner, id, metadata.Patch{Path: &np}); err != nil {
			return classify(err)
		}
	}
	ids := make([]string, 0, len(p.children))
	for id := range p.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		children := p.children[id]
		if err := tx.Update(ctx, owner, id, metadata.Patch{Children: &children, Modified: &now}); err != nil {
			return classify(err)
		}
	}
	return nil
}
