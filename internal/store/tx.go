package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUniqueViolation is returned (wrapped) when a write collides with a
// unique index.
var ErrUniqueViolation = errors.New("unique violation")

// ErrConcurrentModification reports that a row no longer carries the
// version the caller read.
var ErrConcurrentModification = errors.New("concurrent modification")

const pgUniqueViolation = "23505"

// Tx is the set of writes available inside a store transaction.
type Tx interface {
	ListSitemapNodes(ctx context.Context, sitemapID uuid.UUID) ([]SitemapNode, error)
	ListChildNodes(ctx context.Context, parentID uuid.UUID) ([]SitemapNode, error)
	InsertSitemapArchive(ctx context.Context, archive SitemapArchive) error
	UpdateSitemapNode(ctx context.Context, node SitemapNode) error
	SoftDeleteSitemapNode(ctx context.Context, nodeID uuid.UUID) error
	SoftDeleteSitemap(ctx context.Context, sitemapID uuid.UUID, version int) (bool, error)
	InsertRedirect(ctx context.Context, redirect Redirect) error
	UpdateRedirect(ctx context.Context, redirect Redirect) error
	DeletePageTags(ctx context.Context, pageID uuid.UUID) error
	DeletePageContents(ctx context.Context, pageID uuid.UUID) error
	DeletePageOptions(ctx context.Context, pageID uuid.UUID) error
	DeletePageAccessRules(ctx context.Context, pageID uuid.UUID) error
	DeleteMasterPageLinks(ctx context.Context, pageID uuid.UUID) error
	DeletePage(ctx context.Context, pageID uuid.UUID, version int) (bool, error)
}

// InTx runs fn inside a single database transaction. The transaction is
// committed only when fn returns nil; any error or panic rolls it back.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) ListSitemapNodes(ctx context.Context, sitemapID uuid.UUID) ([]SitemapNode, error) {
	return listSitemapNodes(ctx, t.tx, sitemapID)
}

func (t *pgTx) ListChildNodes(ctx context.Context, parentID uuid.UUID) ([]SitemapNode, error) {
	return listNodes(ctx, t.tx, `
		WHERE n.parent_id=$1 AND NOT n.is_deleted
		ORDER BY n.display_order, n.id
	`, parentID)
}

func (t *pgTx) InsertSitemapArchive(ctx context.Context, archive SitemapArchive) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sitemap_archives (id, sitemap_id, title, archived_version, archived_by_name)
		VALUES ($1, $2, $3, $4, $5)
	`, archive.ID, archive.SitemapID, archive.Title, []byte(archive.ArchivedVersion), archive.ArchivedBy)
	if err != nil {
		return fmt.Errorf("insert sitemap archive: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateSitemapNode(ctx context.Context, node SitemapNode) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sitemap_nodes
		SET page_id=$2, title=$3, url=$4, url_hash=$5, version=version+1
		WHERE id=$1
	`, node.ID, nullUUID(node.PageID), node.Title, node.URL, node.URLHash)
	if err != nil {
		return fmt.Errorf("update sitemap node: %w", err)
	}
	return nil
}

func (t *pgTx) SoftDeleteSitemapNode(ctx context.Context, nodeID uuid.UUID) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sitemap_nodes SET is_deleted=TRUE, version=version+1 WHERE id=$1 AND NOT is_deleted
	`, nodeID)
	if err != nil {
		return fmt.Errorf("delete sitemap node: %w", err)
	}
	return nil
}

func (t *pgTx) SoftDeleteSitemap(ctx context.Context, sitemapID uuid.UUID, version int) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE sitemaps SET is_deleted=TRUE, version=version+1
		WHERE id=$1 AND version=$2 AND NOT is_deleted
	`, sitemapID, version)
	if err != nil {
		return false, fmt.Errorf("delete sitemap: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete sitemap rows: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) InsertRedirect(ctx context.Context, redirect Redirect) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO redirects (id, page_url, page_url_hash, redirect_url)
		VALUES ($1, $2, $3, $4)
	`, redirect.ID, redirect.PageURL, redirect.PageURLHash, redirect.RedirectURL)
	if err != nil {
		return fmt.Errorf("insert redirect: %w", classify(err))
	}
	return nil
}

// UpdateRedirect retargets a live redirect at the version it was read with.
// A redirect deleted or changed since then is ErrConcurrentModification.
func (t *pgTx) UpdateRedirect(ctx context.Context, redirect Redirect) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE redirects
		SET redirect_url=$2, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$3 AND NOT is_deleted
	`, redirect.ID, redirect.RedirectURL, redirect.Version)
	if err != nil {
		return fmt.Errorf("update redirect: %w", classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update redirect rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update redirect %s: %w", redirect.ID, ErrConcurrentModification)
	}
	return nil
}

func (t *pgTx) DeletePageTags(ctx context.Context, pageID uuid.UUID) error {
	return t.deleteOwned(ctx, "page_tags", pageID)
}

func (t *pgTx) DeletePageContents(ctx context.Context, pageID uuid.UUID) error {
	return t.deleteOwned(ctx, "page_contents", pageID)
}

func (t *pgTx) DeletePageOptions(ctx context.Context, pageID uuid.UUID) error {
	return t.deleteOwned(ctx, "page_options", pageID)
}

func (t *pgTx) DeletePageAccessRules(ctx context.Context, pageID uuid.UUID) error {
	return t.deleteOwned(ctx, "page_access_rules", pageID)
}

func (t *pgTx) DeleteMasterPageLinks(ctx context.Context, pageID uuid.UUID) error {
	return t.deleteOwned(ctx, "master_pages", pageID)
}

// table is always one of the fixed owned-collection names above.
func (t *pgTx) deleteOwned(ctx context.Context, table string, pageID uuid.UUID) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE page_id=$1`, pageID); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

// DeletePage removes the page row only if it still carries version. It
// reports false when no row matched.
func (t *pgTx) DeletePage(ctx context.Context, pageID uuid.UUID, version int) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM pages WHERE id=$1 AND version=$2`, pageID, version)
	if err != nil {
		return false, fmt.Errorf("delete page: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete page rows: %w", err)
	}
	return affected > 0, nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.ConstraintName)
	}
	return err
}
