package tree

import (
	"sort"

	"github.com/fruitsalade/deskfs/internal/models"
)

// Build assembles a flat path-keyed view of an owner's nodes. The first pass
// creates one view per node, the second appends each node's path to its
// parent's children. Nodes whose parent is missing from nodes stay in the map
// but are not linked anywhere.
func Build(nodes []*models.Node) map[string]*models.NodeView {
	views := make(map[string]*models.NodeView, len(nodes))
	byID := make(map[string]*models.NodeView, len(nodes))

	for _, n := range nodes {
		v := &models.NodeView{
			ID:          n.ID,
			Name:        n.Name,
			Type:        n.Type,
			Path:        n.Path,
			Size:        n.Size,
			MimeType:    n.MimeType,
			Permissions: n.Permissions,
			Metadata:    n.Metadata,
			Children:    []string{},
		}
		if !n.IsFolder() {
			v.Content = n.Content
			v.Extension = Extension(n.Name)
		}
		views[n.Path] = v
		byID[n.ID] = v
	}

	for _, n := range nodes {
		if n.Parent == nil {
			continue
		}
		if parent, ok := byID[*n.Parent]; ok {
			parent.Children = append(parent.Children, n.Path)
		}
	}
	for _, v := range views {
		sort.Strings(v.Children)
	}

	return views
}

// Summarize converts a node into its content-free summary.
func Summarize(n *models.Node) models.NodeSummary {
	s := models.NodeSummary{
		ID:          n.ID,
		Name:        n.Name,
		Type:        n.Type,
		Path:        n.Path,
		Parent:      n.Parent,
		Size:        n.Size,
		MimeType:    n.MimeType,
		Permissions: n.Permissions,
		Metadata:    n.Metadata,
	}
	if n.IsFolder() {
		s.ChildCount = len(n.Children)
	} else {
		s.Extension = Extension(n.Name)
	}
	return s
}

// SortSummaries orders summaries folders first, then by name.
func SortSummaries(items []models.NodeSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Type != items[j].Type {
			return items[i].Type == models.TypeFolder
		}
		return items[i].Name < items[j].Name
	})
}

// SortNodes orders nodes folders first, then by name.
func SortNodes(nodes []*models.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == models.TypeFolder
		}
		return nodes[i].Name < nodes[j].Name
	})
}
