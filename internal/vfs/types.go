package vfs

import (
	"errors"

	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/models"
)

// Tree is an owner's full tree keyed by path.
type Tree struct {
	Nodes      map[string]*models.NodeView `json:"nodes"`
	TotalCount int                         `json:"totalCount"`
}

// Directory is a folder summary with its direct children.
type Directory struct {
	Directory models.NodeSummary   `json:"directory"`
	Contents  []models.NodeSummary `json:"contents"`
}

// SearchResult is the result of SearchItems.
type SearchResult struct {
	Results []models.NodeSummary `json:"results"`
	Total   int                  `json:"total"`
	Query   string               `json:"query"`
}

// PathFix records one recomputed path.
type PathFix struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// ReconcileReport lists the inconsistencies found in one owner's tree and,
// unless DryRun is set, repaired.
type ReconcileReport struct {
	Owner            string    `json:"owner"`
	DryRun           bool      `json:"dryRun"`
	Scanned          int       `json:"scanned"`
	Orphans          []string  `json:"orphans"`
	RemovedNodes     int       `json:"removedNodes"`
	DanglingChildren int       `json:"danglingChildren"`
	MissingChildren  int       `json:"missingChildren"`
	PathFixes        []PathFix `json:"pathFixes"`
	Unresolved       []string  `json:"unresolved,omitempty"`
}

// Clean reports whether the scan found nothing to repair.
func (r *ReconcileReport) Clean() bool {
	return len(r.Orphans) == 0 && r.DanglingChildren == 0 &&
		r.MissingChildren == 0 && len(r.PathFixes) == 0 && len(r.Unresolved) == 0
}

func isStoreNotFound(err error) bool {
	return errors.Is(err, metadata.ErrNotFound)
}

func rootSummary(childCount int) models.NodeSummary {
	return models.NodeSummary{
		Name:        "/",
		Type:        models.TypeFolder,
		Path:        "/",
		ChildCount:  childCount,
		Permissions: models.DefaultPermissions(models.TypeFolder),
	}
}
