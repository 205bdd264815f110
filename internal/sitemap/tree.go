package sitemap

import (
	"github.com/google/uuid"

	"folio/api/internal/store"
)

// TreeNode is the serialised form of a sitemap node used for archives and
// the history mirror.
type TreeNode struct {
	ID           uuid.UUID  `json:"id"`
	Title        string     `json:"title"`
	URL          string     `json:"url,omitempty"`
	PageID       *uuid.UUID `json:"page_id,omitempty"`
	DisplayOrder int        `json:"display_order"`
	Children     []TreeNode `json:"children,omitempty"`
}

type Snapshot struct {
	Title   string     `json:"title"`
	Version int        `json:"version"`
	Nodes   []TreeNode `json:"nodes"`
}

// BuildTree nests a flat node list. Input order is kept among siblings.
// Nodes whose parent is not in the list become roots.
func BuildTree(nodes []store.SitemapNode) []TreeNode {
	present := make(map[uuid.UUID]bool, len(nodes))
	for _, node := range nodes {
		present[node.ID] = true
	}
	children := make(map[uuid.UUID][]store.SitemapNode)
	roots := make([]store.SitemapNode, 0)
	for _, node := range nodes {
		if node.ParentID != nil && present[*node.ParentID] {
			children[*node.ParentID] = append(children[*node.ParentID], node)
			continue
		}
		roots = append(roots, node)
	}

	var build func([]store.SitemapNode) []TreeNode
	build = func(items []store.SitemapNode) []TreeNode {
		out := make([]TreeNode, 0, len(items))
		for _, item := range items {
			out = append(out, TreeNode{
				ID:           item.ID,
				Title:        item.Title,
				URL:          item.URL,
				PageID:       item.PageID,
				DisplayOrder: item.DisplayOrder,
				Children:     build(children[item.ID]),
			})
		}
		return out
	}
	return build(roots)
}
