package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"folio/api/internal/auth"
	"folio/api/internal/authpw"
	"folio/api/internal/cache"
	"folio/api/internal/config"
	"folio/api/internal/events"
	"folio/api/internal/history"
	"folio/api/internal/logging"
	"folio/api/internal/rbac"
	"folio/api/internal/redirect"
	"folio/api/internal/search"
	"folio/api/internal/sitemap"
	"folio/api/internal/store"
	"folio/api/internal/urls"
)

// Store is the persistence the page service reads from. Writes go through
// InTx.
type Store interface {
	Ping(ctx context.Context) error
	GetPage(ctx context.Context, pageID uuid.UUID) (store.Page, error)
	GetPageByURLHash(ctx context.Context, urlHash string) (store.Page, error)
	PageURLExists(ctx context.Context, urlHash string, excludePageID *uuid.UUID) (bool, error)
	HasMasterPageChildren(ctx context.Context, masterID uuid.UUID) (bool, error)
	IsPageInSitemap(ctx context.Context, pageID uuid.UUID, urlHash string) (bool, error)
	ListPageTranslations(ctx context.Context, languageGroup uuid.UUID) ([]store.PageTranslation, error)
	ListPagesForIndex(ctx context.Context) ([]store.IndexedPage, error)
	sitemap.Store
	redirect.Store
}

type PageCache interface {
	Get(ctx context.Context, urlHash string) (store.Page, error)
	Put(ctx context.Context, page store.Page) error
	Invalidate(ctx context.Context, urlHash string) error
}

type PageSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type SitemapHistory interface {
	History(sitemapID uuid.UUID, limit int) ([]history.Commit, error)
	SnapshotAt(sitemapID uuid.UUID, hash string) (sitemap.Snapshot, error)
}

type Accounts interface {
	SignIn(ctx context.Context, username, password string) (*authpw.SignInResponse, error)
	ChangePassword(ctx context.Context, username, current, next string) error
}

// Dependencies are the collaborators of the page service. Cache, Search,
// History and Accounts are optional.
type Dependencies struct {
	Store     Store
	Publisher events.Publisher
	Cache     PageCache
	Search    PageSearcher
	History   SitemapHistory
	Accounts  Accounts
	Logger    *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     Store
	access    rbac.AccessControl
	urls      *urls.Service
	sitemaps  *sitemap.Service
	redirects *redirect.Service
	publisher events.Publisher
	cache     PageCache
	search    PageSearcher
	history   SitemapHistory
	accounts  Accounts
	logger    *zap.Logger
}

func New(cfg config.Config, deps Dependencies) (*Service, error) {
	patterns, err := urls.CompilePatterns(cfg.URLPatterns)
	if err != nil {
		return nil, err
	}
	logger := logging.OrNop(deps.Logger)
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NewBus(logger, events.BreakerOptions{})
	}
	access := rbac.AccessControl{Enabled: cfg.AccessControlEnabled}
	urlService := urls.NewService(patterns)

	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		access:    access,
		urls:      urlService,
		sitemaps:  sitemap.NewService(deps.Store, access, publisher, logger),
		redirects: redirect.NewService(deps.Store, urlService),
		publisher: publisher,
		cache:     deps.Cache,
		search:    deps.Search,
		history:   deps.History,
		accounts:  deps.Accounts,
		logger:    logger.Named("pages"),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PrincipalFromToken verifies a bearer token and maps its roles.
func (s *Service) PrincipalFromToken(token string) (rbac.Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return rbac.Principal{}, err
	}
	principal := rbac.Principal{UserID: claims.Sub, Name: claims.Name}
	for _, role := range claims.Roles {
		principal.Roles = append(principal.Roles, rbac.Normalize(role))
	}
	return principal, nil
}

// SignIn exchanges operator credentials for a bearer token.
func (s *Service) SignIn(ctx context.Context, username, password string) (*authpw.SignInResponse, error) {
	if s.accounts == nil {
		return nil, sql.ErrNoRows
	}
	resp, err := s.accounts.SignIn(ctx, username, password)
	if err != nil {
		return nil, accountError(err)
	}
	return resp, nil
}

// ChangePassword replaces an operator's password after checking the
// current one.
func (s *Service) ChangePassword(ctx context.Context, username, current, next string) error {
	if s.accounts == nil {
		return sql.ErrNoRows
	}
	if err := s.accounts.ChangePassword(ctx, username, current, next); err != nil {
		return accountError(err)
	}
	return nil
}

func accountError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrMissingCredentials), errors.Is(err, authpw.ErrWeakPassword):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	return err
}

// Sitemaps exposes the sitemap service for subscribers that need the live
// tree.
func (s *Service) Sitemaps() *sitemap.Service {
	return s.sitemaps
}

// SubscribeCache drops a deleted page from the page cache.
func (s *Service) SubscribeCache(bus *events.Bus) {
	if s.cache == nil {
		return
	}
	bus.Subscribe(events.KindPageDeleted, func(ctx context.Context, event events.Event) {
		hash := event.Attributes[events.AttrURLHash]
		if hash == "" {
			return
		}
		if err := s.cache.Invalidate(ctx, hash); err != nil {
			s.logger.Warn("invalidate cached page", zap.String("page_id", event.AggregateID.String()), zap.Error(err))
		}
	})
}

// PageView is a page as served to readers.
type PageView struct {
	Page        store.Page
	IsInSitemap bool
}

// GetPageByVirtualPath resolves a request path to a page. The path may be
// URL-encoded.
func (s *Service) GetPageByVirtualPath(ctx context.Context, virtualPath string) (PageView, error) {
	decoded, err := url.PathUnescape(virtualPath)
	if err != nil {
		decoded = virtualPath
	}
	hash := urls.UrlHash(decoded)

	page, err := s.cachedPage(ctx, hash)
	if err != nil {
		return PageView{}, err
	}
	inSitemap, err := s.store.IsPageInSitemap(ctx, page.ID, hash)
	if err != nil {
		return PageView{}, fmt.Errorf("check sitemap membership: %w", err)
	}
	return PageView{Page: page, IsInSitemap: inSitemap}, nil
}

func (s *Service) cachedPage(ctx context.Context, hash string) (store.Page, error) {
	if s.cache != nil {
		page, err := s.cache.Get(ctx, hash)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("read page cache", zap.String("url_hash", hash), zap.Error(err))
		}
	}

	page, err := s.store.GetPageByURLHash(ctx, hash)
	if err != nil {
		return store.Page{}, err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, page); err != nil {
			s.logger.Warn("write page cache", zap.String("url_hash", hash), zap.Error(err))
		}
	}
	return page, nil
}

// ValidatePageUrl checks that pageURL is a well formed internal URL, passes
// the configured patterns and is not used by another page.
func (s *Service) ValidatePageUrl(ctx context.Context, pageURL string, excludePageID *uuid.UUID) error {
	if !s.urls.ValidateInternalUrl(pageURL) {
		s.logger.Warn("invalid page url", zap.String("url", pageURL))
		return errInvalidURL(pageURL)
	}
	if message, ok := s.urls.ValidateUrlPatterns(pageURL, "Page URL"); !ok {
		s.logger.Warn("page url rejected by pattern", zap.String("url", pageURL), zap.String("reason", message))
		return errURLPattern(message)
	}
	if excludePageID != nil && *excludePageID == uuid.Nil {
		excludePageID = nil
	}
	exists, err := s.store.PageURLExists(ctx, urls.UrlHash(pageURL), excludePageID)
	if err != nil {
		return fmt.Errorf("check page url: %w", err)
	}
	if exists {
		s.logger.Warn("page url already exists", zap.String("url", pageURL))
		return errURLAlreadyExists(pageURL)
	}
	return nil
}

// CreatePagePermalink builds a free URL for a new page from its title,
// nested under parentPageURL when one is given.
func (s *Service) CreatePagePermalink(ctx context.Context, title, parentPageURL string) (string, error) {
	prefixPattern := "%s"
	if parent := strings.Trim(strings.TrimSpace(parentPageURL), "/"); parent != "" {
		prefixPattern = strings.ReplaceAll(parent, "%", "%%") + "/%s"
	}
	return s.urls.AddPageUrlPostfix(ctx, urls.Transliterate(title, true), prefixPattern, func(ctx context.Context, hash string) (bool, error) {
		return s.store.PageURLExists(ctx, hash, nil)
	})
}

// MetaItem is a <meta name> or <link rel> entry rendered into the page head.
type MetaItem struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// GetPageMetaData returns the head entries of a page.
func (s *Service) GetPageMetaData(page store.Page) []MetaItem {
	items := make([]MetaItem, 0, 4)
	if strings.TrimSpace(page.MetaDescription) != "" {
		items = append(items, MetaItem{Kind: "meta", Name: "description", Content: page.MetaDescription})
	}
	if strings.TrimSpace(page.MetaKeywords) != "" {
		items = append(items, MetaItem{Kind: "meta", Name: "keywords", Content: page.MetaKeywords})
	}
	if page.UseNoIndex || page.UseNoFollow {
		var robots []string
		if page.UseNoIndex {
			robots = append(robots, "noindex")
		}
		if page.UseNoFollow {
			robots = append(robots, "nofollow")
		}
		items = append(items, MetaItem{Kind: "meta", Name: "robots", Content: strings.Join(robots, ",")})
	}
	if page.UseCanonicalURL {
		items = append(items, MetaItem{Kind: "link", Name: "canonical", Content: page.PageURL})
	}
	return items
}

func (s *Service) GetPage(ctx context.Context, pageID uuid.UUID) (store.Page, error) {
	return s.store.GetPage(ctx, pageID)
}

// GetPageTranslations lists the pages sharing the page's language group.
// A page outside any group has no translations.
func (s *Service) GetPageTranslations(ctx context.Context, pageID uuid.UUID) ([]store.PageTranslation, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if page.LanguageGroupIdentifier == nil {
		return []store.PageTranslation{}, nil
	}
	return s.store.ListPageTranslations(ctx, *page.LanguageGroupIdentifier)
}

func (s *Service) SearchPages(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// GetRedirect returns the redirect target for virtualPath, or "".
func (s *Service) GetRedirect(ctx context.Context, virtualPath string) (string, error) {
	return s.redirects.GetRedirect(ctx, virtualPath)
}

func (s *Service) DeleteSitemap(ctx context.Context, sitemapID uuid.UUID, version int, principal rbac.Principal) error {
	err := s.sitemaps.DeleteSitemap(ctx, sitemapID, version, principal)
	switch {
	case errors.Is(err, store.ErrConcurrentModification):
		return concurrentModificationError("sitemap")
	case errors.Is(err, rbac.ErrForbidden):
		return forbiddenError()
	}
	return err
}

// SitemapHistory lists the recorded revisions of a sitemap, newest first.
func (s *Service) SitemapHistory(ctx context.Context, sitemapID uuid.UUID, limit int) ([]history.Commit, error) {
	if _, err := s.sitemaps.GetSitemap(ctx, sitemapID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []history.Commit{}, nil
	}
	return s.history.History(sitemapID, limit)
}

// SitemapSnapshot returns the sitemap tree as recorded at commit hash.
func (s *Service) SitemapSnapshot(ctx context.Context, sitemapID uuid.UUID, hash string) (sitemap.Snapshot, error) {
	if _, err := s.sitemaps.GetSitemap(ctx, sitemapID); err != nil {
		return sitemap.Snapshot{}, err
	}
	if s.history == nil {
		return sitemap.Snapshot{}, sql.ErrNoRows
	}
	snapshot, err := s.history.SnapshotAt(sitemapID, hash)
	if errors.Is(err, history.ErrRevisionNotFound) {
		return sitemap.Snapshot{}, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	return snapshot, err
}
