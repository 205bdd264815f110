package sitemap

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"folio/api/internal/events"
	"folio/api/internal/logging"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

type Store interface {
	ListNodesByPage(ctx context.Context, pageID uuid.UUID) ([]store.SitemapNode, error)
	ListSitemapNodes(ctx context.Context, sitemapID uuid.UUID) ([]store.SitemapNode, error)
	GetSitemap(ctx context.Context, sitemapID uuid.UUID) (store.Sitemap, error)
	InTx(ctx context.Context, fn func(store.Tx) error) error
}

type Service struct {
	store     Store
	access    rbac.AccessControl
	publisher events.Publisher
	logger    *zap.Logger
}

func NewService(st Store, access rbac.AccessControl, publisher events.Publisher, logger *zap.Logger) *Service {
	return &Service{store: st, access: access, publisher: publisher, logger: logging.OrNop(logger).Named("sitemap")}
}

// GetNodesByPage returns the live nodes of live sitemaps that link to the
// page.
func (s *Service) GetNodesByPage(ctx context.Context, pageID uuid.UUID) ([]store.SitemapNode, error) {
	return s.store.ListNodesByPage(ctx, pageID)
}

func (s *Service) GetSitemap(ctx context.Context, sitemapID uuid.UUID) (store.Sitemap, error) {
	return s.store.GetSitemap(ctx, sitemapID)
}

// GetTree returns the live node tree of a sitemap.
func (s *Service) GetTree(ctx context.Context, sitemapID uuid.UUID) ([]TreeNode, error) {
	nodes, err := s.store.ListSitemapNodes(ctx, sitemapID)
	if err != nil {
		return nil, err
	}
	return BuildTree(nodes), nil
}

// ArchiveSitemap stores a JSON snapshot of the sitemap's current tree
// inside tx.
func (s *Service) ArchiveSitemap(ctx context.Context, tx store.Tx, sitemap store.Sitemap, archivedBy string) error {
	nodes, err := tx.ListSitemapNodes(ctx, sitemap.ID)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(Snapshot{Title: sitemap.Title, Version: sitemap.Version, Nodes: BuildTree(nodes)})
	if err != nil {
		return fmt.Errorf("marshal sitemap snapshot: %w", err)
	}
	return tx.InsertSitemapArchive(ctx, store.SitemapArchive{
		ID:              uuid.New(),
		SitemapID:       sitemap.ID,
		Title:           sitemap.Title,
		ArchivedVersion: snapshot,
		ArchivedBy:      archivedBy,
	})
}

// DeleteNode soft deletes node and its whole subtree, children first, and
// appends every removed node to deleted.
func (s *Service) DeleteNode(ctx context.Context, tx store.Tx, node store.SitemapNode, deleted *[]store.SitemapNode) error {
	children, err := tx.ListChildNodes(ctx, node.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.DeleteNode(ctx, tx, child, deleted); err != nil {
			return err
		}
	}
	if err := tx.SoftDeleteSitemapNode(ctx, node.ID); err != nil {
		return err
	}
	node.IsDeleted = true
	*deleted = append(*deleted, node)
	return nil
}

// DeleteSitemap archives the sitemap, removes all of its nodes and marks it
// deleted. version guards against concurrent edits when positive.
func (s *Service) DeleteSitemap(ctx context.Context, sitemapID uuid.UUID, version int, principal rbac.Principal) error {
	sitemap, err := s.store.GetSitemap(ctx, sitemapID)
	if err != nil {
		return err
	}
	if sitemap.IsDeleted {
		return sql.ErrNoRows
	}
	if version > 0 && version != sitemap.Version {
		return store.ErrConcurrentModification
	}
	if err := s.access.DemandAccess(principal, rbac.CapabilityEditContent); err != nil {
		return err
	}
	if s.access.GetAccessLevel(sitemap.AccessRules, principal) != rbac.AccessReadWrite {
		return rbac.ErrForbidden
	}

	var deleted []store.SitemapNode
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := s.ArchiveSitemap(ctx, tx, sitemap, principal.Name); err != nil {
			return err
		}
		nodes, err := tx.ListSitemapNodes(ctx, sitemap.ID)
		if err != nil {
			return err
		}
		live := make(map[uuid.UUID]bool, len(nodes))
		for _, node := range nodes {
			live[node.ID] = true
		}
		for _, node := range nodes {
			if node.ParentID != nil && live[*node.ParentID] {
				continue
			}
			if err := s.DeleteNode(ctx, tx, node, &deleted); err != nil {
				return err
			}
		}
		ok, err := tx.SoftDeleteSitemap(ctx, sitemap.ID, sitemap.Version)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrConcurrentModification
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, node := range deleted {
		s.publisher.Publish(ctx, events.SitemapNodeDeleted(node).WithActor(principal.Name))
	}
	s.publisher.Publish(ctx, events.SitemapDeleted(sitemap.ID).WithActor(principal.Name))
	s.logger.Info("sitemap deleted",
		zap.String("sitemap_id", sitemap.ID.String()),
		zap.Int("nodes", len(deleted)),
		zap.String("actor", principal.Name),
	)
	return nil
}
