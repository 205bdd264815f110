package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queryer is satisfied by both *sql.DB and *sql.Tx so reads can be shared
// between the read phase and the write transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const pageColumns = `
	id, title, page_url, page_url_hash, version, is_master_page,
	meta_description, meta_keywords, use_no_follow, use_no_index, use_canonical_url,
	language_id, language_group_identifier, updated_by_name, updated_at
`

func scanPage(row interface{ Scan(...any) error }) (Page, error) {
	var item Page
	var languageID, languageGroup uuid.NullUUID
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.PageURL,
		&item.PageURLHash,
		&item.Version,
		&item.IsMasterPage,
		&item.MetaDescription,
		&item.MetaKeywords,
		&item.UseNoFollow,
		&item.UseNoIndex,
		&item.UseCanonicalURL,
		&languageID,
		&languageGroup,
		&item.UpdatedBy,
		&item.UpdatedAt,
	)
	if err != nil {
		return Page{}, err
	}
	item.LanguageID = fromNullUUID(languageID)
	item.LanguageGroupIdentifier = fromNullUUID(languageGroup)
	return item, nil
}

// GetPage loads a page together with every collection it owns.
func (s *PostgresStore) GetPage(ctx context.Context, pageID uuid.UUID) (Page, error) {
	item, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1`, pageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Page{}, err
		}
		return Page{}, fmt.Errorf("get page: %w", err)
	}

	if item.Tags, err = s.listPageTags(ctx, pageID); err != nil {
		return Page{}, err
	}
	if item.Contents, err = s.listPageContents(ctx, pageID); err != nil {
		return Page{}, err
	}
	if item.Options, err = s.listPageOptions(ctx, pageID); err != nil {
		return Page{}, err
	}
	if item.AccessRules, err = listAccessRules(ctx, s.db, `SELECT id, identity, is_for_role, access_level FROM page_access_rules WHERE page_id=$1 ORDER BY identity`, pageID); err != nil {
		return Page{}, err
	}
	if item.MasterPages, err = s.listMasterPages(ctx, pageID); err != nil {
		return Page{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetPageByURLHash(ctx context.Context, urlHash string) (Page, error) {
	item, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE page_url_hash=$1`, urlHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Page{}, err
		}
		return Page{}, fmt.Errorf("get page by url: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) PageURLExists(ctx context.Context, urlHash string, excludePageID *uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pages
			WHERE page_url_hash=$1 AND ($2::uuid IS NULL OR id <> $2::uuid)
		)
	`, urlHash, nullUUID(excludePageID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check page url: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) HasMasterPageChildren(ctx context.Context, masterID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM master_pages WHERE master_id=$1 AND page_id <> $1)
	`, masterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check master page children: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) IsPageInSitemap(ctx context.Context, pageID uuid.UUID, urlHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM sitemap_nodes n
			JOIN sitemaps sm ON sm.id = n.sitemap_id
			WHERE (n.page_id=$1 OR n.url_hash=$2)
				AND NOT n.is_deleted
				AND NOT sm.is_deleted
		)
	`, pageID, urlHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check page in sitemap: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListPageTranslations(ctx context.Context, languageGroup uuid.UUID) ([]PageTranslation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, page_url, language_id
		FROM pages
		WHERE language_group_identifier=$1
		ORDER BY title
	`, languageGroup)
	if err != nil {
		return nil, fmt.Errorf("list page translations: %w", err)
	}
	defer rows.Close()

	items := make([]PageTranslation, 0)
	for rows.Next() {
		var item PageTranslation
		var languageID uuid.NullUUID
		if err := rows.Scan(&item.ID, &item.Title, &item.PageURL, &languageID); err != nil {
			return nil, fmt.Errorf("scan page translation: %w", err)
		}
		item.LanguageID = fromNullUUID(languageID)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page translations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListPagesForIndex(ctx context.Context) ([]IndexedPage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, page_url, meta_description FROM pages ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list pages for index: %w", err)
	}
	defer rows.Close()

	items := make([]IndexedPage, 0)
	for rows.Next() {
		var item IndexedPage
		if err := rows.Scan(&item.ID, &item.Title, &item.PageURL, &item.Description); err != nil {
			return nil, fmt.Errorf("scan indexed page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexed pages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) listPageTags(ctx context.Context, pageID uuid.UUID) ([]PageTag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, page_id, tag_name FROM page_tags WHERE page_id=$1 ORDER BY tag_name`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list page tags: %w", err)
	}
	defer rows.Close()

	items := make([]PageTag, 0)
	for rows.Next() {
		var item PageTag
		if err := rows.Scan(&item.ID, &item.PageID, &item.Name); err != nil {
			return nil, fmt.Errorf("scan page tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) listPageContents(ctx context.Context, pageID uuid.UUID) ([]PageContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, content_id, region_id, sort_order
		FROM page_contents
		WHERE page_id=$1
		ORDER BY sort_order, id
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list page contents: %w", err)
	}
	defer rows.Close()

	items := make([]PageContent, 0)
	for rows.Next() {
		var item PageContent
		if err := rows.Scan(&item.ID, &item.PageID, &item.ContentID, &item.RegionID, &item.SortOrder); err != nil {
			return nil, fmt.Errorf("scan page content: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page contents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) listPageOptions(ctx context.Context, pageID uuid.UUID) ([]PageOption, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, page_id, option_key, option_value FROM page_options WHERE page_id=$1 ORDER BY option_key`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list page options: %w", err)
	}
	defer rows.Close()

	items := make([]PageOption, 0)
	for rows.Next() {
		var item PageOption
		if err := rows.Scan(&item.ID, &item.PageID, &item.Key, &item.Value); err != nil {
			return nil, fmt.Errorf("scan page option: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page options: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) listMasterPages(ctx context.Context, pageID uuid.UUID) ([]MasterPage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, page_id, master_id FROM master_pages WHERE page_id=$1`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list master pages: %w", err)
	}
	defer rows.Close()

	items := make([]MasterPage, 0)
	for rows.Next() {
		var item MasterPage
		if err := rows.Scan(&item.ID, &item.PageID, &item.MasterID); err != nil {
			return nil, fmt.Errorf("scan master page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate master pages: %w", err)
	}
	return items, nil
}

func listAccessRules(ctx context.Context, q queryer, query string, ownerID uuid.UUID) ([]AccessRule, error) {
	rows, err := q.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list access rules: %w", err)
	}
	defer rows.Close()

	items := make([]AccessRule, 0)
	for rows.Next() {
		var item AccessRule
		if err := rows.Scan(&item.ID, &item.Identity, &item.IsForRole, &item.AccessLevel); err != nil {
			return nil, fmt.Errorf("scan access rule: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access rules: %w", err)
	}
	return items, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func fromNullUUID(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	value := id.UUID
	return &value
}
