package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const nodeColumns = `
	n.id, n.sitemap_id, n.parent_id, n.page_id, n.title, n.url, n.url_hash,
	n.display_order, n.use_page_title_as_node_title, n.is_deleted, n.version,
	(SELECT COUNT(*) FROM sitemap_nodes c WHERE c.parent_id = n.id AND NOT c.is_deleted)
`

func listNodes(ctx context.Context, q queryer, where string, args ...any) ([]SitemapNode, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+nodeColumns+` FROM sitemap_nodes n `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list sitemap nodes: %w", err)
	}
	defer rows.Close()

	items := make([]SitemapNode, 0)
	for rows.Next() {
		var item SitemapNode
		var parentID, pageID uuid.NullUUID
		if err := rows.Scan(
			&item.ID,
			&item.SitemapID,
			&parentID,
			&pageID,
			&item.Title,
			&item.URL,
			&item.URLHash,
			&item.DisplayOrder,
			&item.UsePageTitleAsNodeTitle,
			&item.IsDeleted,
			&item.Version,
			&item.ChildCount,
		); err != nil {
			return nil, fmt.Errorf("scan sitemap node: %w", err)
		}
		item.ParentID = fromNullUUID(parentID)
		item.PageID = fromNullUUID(pageID)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sitemap nodes: %w", err)
	}
	return items, nil
}

// ListNodesByPage returns the live nodes of live sitemaps that reference
// the page.
func (s *PostgresStore) ListNodesByPage(ctx context.Context, pageID uuid.UUID) ([]SitemapNode, error) {
	return listNodes(ctx, s.db, `
		JOIN sitemaps sm ON sm.id = n.sitemap_id
		WHERE n.page_id=$1 AND NOT n.is_deleted AND NOT sm.is_deleted
		ORDER BY n.sitemap_id, n.display_order, n.id
	`, pageID)
}

func (s *PostgresStore) ListSitemapNodes(ctx context.Context, sitemapID uuid.UUID) ([]SitemapNode, error) {
	return listSitemapNodes(ctx, s.db, sitemapID)
}

func listSitemapNodes(ctx context.Context, q queryer, sitemapID uuid.UUID) ([]SitemapNode, error) {
	return listNodes(ctx, q, `
		WHERE n.sitemap_id=$1 AND NOT n.is_deleted
		ORDER BY n.display_order, n.id
	`, sitemapID)
}

func (s *PostgresStore) GetSitemap(ctx context.Context, sitemapID uuid.UUID) (Sitemap, error) {
	var item Sitemap
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, version, is_deleted FROM sitemaps WHERE id=$1
	`, sitemapID).Scan(&item.ID, &item.Title, &item.Version, &item.IsDeleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Sitemap{}, err
		}
		return Sitemap{}, fmt.Errorf("get sitemap: %w", err)
	}
	item.AccessRules, err = listAccessRules(ctx, s.db, `
		SELECT id, identity, is_for_role, access_level
		FROM sitemap_access_rules
		WHERE sitemap_id=$1
		ORDER BY identity
	`, sitemapID)
	if err != nil {
		return Sitemap{}, err
	}
	return item, nil
}

// GetRedirectBySourceHash returns the live redirect for a source URL hash,
// or nil when there is none.
func (s *PostgresStore) GetRedirectBySourceHash(ctx context.Context, urlHash string) (*Redirect, error) {
	var item Redirect
	err := s.db.QueryRowContext(ctx, `
		SELECT id, page_url, page_url_hash, redirect_url, version, created_at, updated_at
		FROM redirects
		WHERE page_url_hash=$1 AND NOT is_deleted
	`, urlHash).Scan(&item.ID, &item.PageURL, &item.PageURLHash, &item.RedirectURL, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get redirect: %w", err)
	}
	return &item, nil
}
