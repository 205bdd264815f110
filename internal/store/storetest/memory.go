// Package storetest provides an in-memory, transactional stand-in for the
// Postgres store. Writes made inside InTx are applied to a copy of the
// state and only become visible when the callback returns nil.
package storetest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"folio/api/internal/store"
)

type state struct {
	pages     map[uuid.UUID]store.Page
	sitemaps  map[uuid.UUID]store.Sitemap
	nodes     map[uuid.UUID]store.SitemapNode
	archives  []store.SitemapArchive
	redirects map[uuid.UUID]store.Redirect
}

func (s state) clone() state {
	next := state{
		pages:     make(map[uuid.UUID]store.Page, len(s.pages)),
		sitemaps:  make(map[uuid.UUID]store.Sitemap, len(s.sitemaps)),
		nodes:     make(map[uuid.UUID]store.SitemapNode, len(s.nodes)),
		archives:  append([]store.SitemapArchive(nil), s.archives...),
		redirects: make(map[uuid.UUID]store.Redirect, len(s.redirects)),
	}
	for id, page := range s.pages {
		page.Tags = append([]store.PageTag(nil), page.Tags...)
		page.Contents = append([]store.PageContent(nil), page.Contents...)
		page.Options = append([]store.PageOption(nil), page.Options...)
		page.AccessRules = append([]store.AccessRule(nil), page.AccessRules...)
		page.MasterPages = append([]store.MasterPage(nil), page.MasterPages...)
		next.pages[id] = page
	}
	for id, sitemap := range s.sitemaps {
		sitemap.AccessRules = append([]store.AccessRule(nil), sitemap.AccessRules...)
		next.sitemaps[id] = sitemap
	}
	for id, node := range s.nodes {
		next.nodes[id] = node
	}
	for id, redirect := range s.redirects {
		next.redirects[id] = redirect
	}
	return next
}

// Memory is safe for concurrent use. Transactions are serialised.
type Memory struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	current state

	// FailOn makes the named Tx method return an error, e.g. "DeletePage".
	FailOn string

	writes    []string
	operators map[string]store.Operator
}

func NewMemory() *Memory {
	return &Memory{
		current: state{
			pages:     map[uuid.UUID]store.Page{},
			sitemaps:  map[uuid.UUID]store.Sitemap{},
			nodes:     map[uuid.UUID]store.SitemapNode{},
			redirects: map[uuid.UUID]store.Redirect{},
		},
		operators: map[string]store.Operator{},
	}
}

// Writes lists the committed write operations in the order they ran.
func (m *Memory) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}

func (m *Memory) PutPage(page store.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page.Version == 0 {
		page.Version = 1
	}
	m.current.pages[page.ID] = page
}

func (m *Memory) PutSitemap(sitemap store.Sitemap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sitemap.Version == 0 {
		sitemap.Version = 1
	}
	m.current.sitemaps[sitemap.ID] = sitemap
}

func (m *Memory) PutNode(node store.SitemapNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.Version == 0 {
		node.Version = 1
	}
	m.current.nodes[node.ID] = node
}

func (m *Memory) PutRedirect(redirect store.Redirect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if redirect.Version == 0 {
		redirect.Version = 1
	}
	m.current.redirects[redirect.ID] = redirect
}

// RemoveRedirect drops a redirect as if another request deleted it.
func (m *Memory) RemoveRedirect(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.current.redirects, id)
}

// Node returns the stored node regardless of its deleted flag.
func (m *Memory) Node(id uuid.UUID) (store.SitemapNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.current.nodes[id]
	return node, ok
}

func (m *Memory) HasPage(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.current.pages[id]
	return ok
}

func (m *Memory) Archives() []store.SitemapArchive {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.SitemapArchive(nil), m.current.archives...)
}

func (m *Memory) Redirects() []store.Redirect {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Redirect, 0, len(m.current.redirects))
	for _, redirect := range m.current.redirects {
		items = append(items, redirect)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].PageURL < items[j].PageURL })
	return items
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) GetPage(_ context.Context, pageID uuid.UUID) (store.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.current.pages[pageID]; !ok {
		return store.Page{}, sql.ErrNoRows
	}
	return m.current.clone().pages[pageID], nil
}

func (m *Memory) GetPageByURLHash(_ context.Context, urlHash string) (store.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, page := range m.current.pages {
		if page.PageURLHash == urlHash {
			return page, nil
		}
	}
	return store.Page{}, sql.ErrNoRows
}

func (m *Memory) PageURLExists(_ context.Context, urlHash string, excludePageID *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, page := range m.current.pages {
		if page.PageURLHash != urlHash {
			continue
		}
		if excludePageID != nil && page.ID == *excludePageID {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (m *Memory) HasMasterPageChildren(_ context.Context, masterID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, page := range m.current.pages {
		if page.ID == masterID {
			continue
		}
		for _, link := range page.MasterPages {
			if link.MasterID == masterID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *Memory) IsPageInSitemap(_ context.Context, pageID uuid.UUID, urlHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, node := range m.current.nodes {
		if node.IsDeleted || m.current.sitemaps[node.SitemapID].IsDeleted {
			continue
		}
		if (node.PageID != nil && *node.PageID == pageID) || node.URLHash == urlHash {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListPageTranslations(_ context.Context, languageGroup uuid.UUID) ([]store.PageTranslation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.PageTranslation, 0)
	for _, page := range m.current.pages {
		if page.LanguageGroupIdentifier == nil || *page.LanguageGroupIdentifier != languageGroup {
			continue
		}
		items = append(items, store.PageTranslation{ID: page.ID, Title: page.Title, PageURL: page.PageURL, LanguageID: page.LanguageID})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Title < items[j].Title })
	return items, nil
}

func (m *Memory) ListPagesForIndex(context.Context) ([]store.IndexedPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.IndexedPage, 0, len(m.current.pages))
	for _, page := range m.current.pages {
		items = append(items, store.IndexedPage{ID: page.ID, Title: page.Title, PageURL: page.PageURL, Description: page.MetaDescription})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].PageURL < items[j].PageURL })
	return items, nil
}

func (m *Memory) ListNodesByPage(_ context.Context, pageID uuid.UUID) ([]store.SitemapNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterNodes(m.current, func(node store.SitemapNode) bool {
		return node.PageID != nil && *node.PageID == pageID && !m.current.sitemaps[node.SitemapID].IsDeleted
	}), nil
}

func (m *Memory) ListSitemapNodes(_ context.Context, sitemapID uuid.UUID) ([]store.SitemapNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterNodes(m.current, func(node store.SitemapNode) bool { return node.SitemapID == sitemapID }), nil
}

func (m *Memory) GetSitemap(_ context.Context, sitemapID uuid.UUID) (store.Sitemap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sitemap, ok := m.current.sitemaps[sitemapID]
	if !ok {
		return store.Sitemap{}, sql.ErrNoRows
	}
	return sitemap, nil
}

func (m *Memory) GetRedirectBySourceHash(_ context.Context, urlHash string) (*store.Redirect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, redirect := range m.current.redirects {
		if redirect.PageURLHash == urlHash {
			item := redirect
			return &item, nil
		}
	}
	return nil, nil
}

func (m *Memory) InTx(ctx context.Context, fn func(store.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	tx := &memoryTx{state: m.current.clone(), failOn: m.FailOn}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = tx.state
	m.writes = append(m.writes, tx.writes...)
	return nil
}

// filterNodes returns live nodes matching keep, with ChildCount filled in,
// ordered by display order.
func filterNodes(s state, keep func(store.SitemapNode) bool) []store.SitemapNode {
	items := make([]store.SitemapNode, 0)
	for _, node := range s.nodes {
		if node.IsDeleted || !keep(node) {
			continue
		}
		node.ChildCount = 0
		for _, child := range s.nodes {
			if !child.IsDeleted && child.ParentID != nil && *child.ParentID == node.ID {
				node.ChildCount++
			}
		}
		items = append(items, node)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].DisplayOrder != items[j].DisplayOrder {
			return items[i].DisplayOrder < items[j].DisplayOrder
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return items
}

type memoryTx struct {
	state  state
	failOn string
	writes []string
}

func (t *memoryTx) record(op string, id uuid.UUID) error {
	name, _, _ := strings.Cut(op, ":")
	if t.failOn != "" && t.failOn == name {
		return fmt.Errorf("%s: injected failure", name)
	}
	t.writes = append(t.writes, op+":"+id.String())
	return nil
}

func (t *memoryTx) ListSitemapNodes(_ context.Context, sitemapID uuid.UUID) ([]store.SitemapNode, error) {
	return filterNodes(t.state, func(node store.SitemapNode) bool { return node.SitemapID == sitemapID }), nil
}

func (t *memoryTx) ListChildNodes(_ context.Context, parentID uuid.UUID) ([]store.SitemapNode, error) {
	return filterNodes(t.state, func(node store.SitemapNode) bool {
		return node.ParentID != nil && *node.ParentID == parentID
	}), nil
}

func (t *memoryTx) InsertSitemapArchive(_ context.Context, archive store.SitemapArchive) error {
	if err := t.record("InsertSitemapArchive", archive.SitemapID); err != nil {
		return err
	}
	archive.CreatedAt = time.Now()
	t.state.archives = append(t.state.archives, archive)
	return nil
}

func (t *memoryTx) UpdateSitemapNode(_ context.Context, node store.SitemapNode) error {
	if err := t.record("UpdateSitemapNode", node.ID); err != nil {
		return err
	}
	stored, ok := t.state.nodes[node.ID]
	if !ok {
		return sql.ErrNoRows
	}
	stored.PageID = node.PageID
	stored.Title = node.Title
	stored.URL = node.URL
	stored.URLHash = node.URLHash
	stored.Version++
	t.state.nodes[node.ID] = stored
	return nil
}

func (t *memoryTx) SoftDeleteSitemapNode(_ context.Context, nodeID uuid.UUID) error {
	if err := t.record("SoftDeleteSitemapNode", nodeID); err != nil {
		return err
	}
	stored, ok := t.state.nodes[nodeID]
	if !ok || stored.IsDeleted {
		return nil
	}
	stored.IsDeleted = true
	stored.Version++
	t.state.nodes[nodeID] = stored
	return nil
}

func (t *memoryTx) SoftDeleteSitemap(_ context.Context, sitemapID uuid.UUID, version int) (bool, error) {
	if err := t.record("SoftDeleteSitemap", sitemapID); err != nil {
		return false, err
	}
	stored, ok := t.state.sitemaps[sitemapID]
	if !ok || stored.IsDeleted || stored.Version != version {
		return false, nil
	}
	stored.IsDeleted = true
	stored.Version++
	t.state.sitemaps[sitemapID] = stored
	return true, nil
}

func (t *memoryTx) InsertRedirect(_ context.Context, redirect store.Redirect) error {
	if err := t.record("InsertRedirect", redirect.ID); err != nil {
		return err
	}
	for _, existing := range t.state.redirects {
		if existing.PageURLHash == redirect.PageURLHash {
			return fmt.Errorf("insert redirect: %w: idx_redirects_source", store.ErrUniqueViolation)
		}
	}
	redirect.Version = 1
	redirect.CreatedAt = time.Now()
	redirect.UpdatedAt = redirect.CreatedAt
	t.state.redirects[redirect.ID] = redirect
	return nil
}

func (t *memoryTx) UpdateRedirect(_ context.Context, redirect store.Redirect) error {
	if err := t.record("UpdateRedirect", redirect.ID); err != nil {
		return err
	}
	stored, ok := t.state.redirects[redirect.ID]
	if !ok || stored.Version != redirect.Version {
		return fmt.Errorf("update redirect %s: %w", redirect.ID, store.ErrConcurrentModification)
	}
	stored.RedirectURL = redirect.RedirectURL
	stored.Version++
	stored.UpdatedAt = time.Now()
	t.state.redirects[redirect.ID] = stored
	return nil
}

func (t *memoryTx) DeletePageTags(_ context.Context, pageID uuid.UUID) error {
	return t.updatePage("DeletePageTags", pageID, func(page *store.Page) { page.Tags = nil })
}

func (t *memoryTx) DeletePageContents(_ context.Context, pageID uuid.UUID) error {
	return t.updatePage("DeletePageContents", pageID, func(page *store.Page) { page.Contents = nil })
}

func (t *memoryTx) DeletePageOptions(_ context.Context, pageID uuid.UUID) error {
	return t.updatePage("DeletePageOptions", pageID, func(page *store.Page) { page.Options = nil })
}

func (t *memoryTx) DeletePageAccessRules(_ context.Context, pageID uuid.UUID) error {
	return t.updatePage("DeletePageAccessRules", pageID, func(page *store.Page) { page.AccessRules = nil })
}

func (t *memoryTx) DeleteMasterPageLinks(_ context.Context, pageID uuid.UUID) error {
	return t.updatePage("DeleteMasterPageLinks", pageID, func(page *store.Page) { page.MasterPages = nil })
}

func (t *memoryTx) updatePage(op string, pageID uuid.UUID, apply func(*store.Page)) error {
	if err := t.record(op, pageID); err != nil {
		return err
	}
	page, ok := t.state.pages[pageID]
	if !ok {
		return nil
	}
	apply(&page)
	t.state.pages[pageID] = page
	return nil
}

func (t *memoryTx) DeletePage(_ context.Context, pageID uuid.UUID, version int) (bool, error) {
	if err := t.record("DeletePage", pageID); err != nil {
		return false, err
	}
	page, ok := t.state.pages[pageID]
	if !ok || page.Version != version {
		return false, nil
	}
	if len(page.Tags)+len(page.Contents)+len(page.Options)+len(page.AccessRules)+len(page.MasterPages) > 0 {
		return false, errors.New("delete page: owned rows still reference the page")
	}
	delete(t.state.pages, pageID)
	for id, node := range t.state.nodes {
		if node.PageID != nil && *node.PageID == pageID {
			node.PageID = nil
			t.state.nodes[id] = node
		}
	}
	return true, nil
}

func (m *Memory) CreateOperator(_ context.Context, operator store.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(operator.Username)
	if _, taken := m.operators[key]; taken {
		return fmt.Errorf("create operator: %w: idx_operators_username", store.ErrUniqueViolation)
	}
	operator.Roles = append([]string(nil), operator.Roles...)
	if operator.CreatedAt.IsZero() {
		operator.CreatedAt = time.Now().UTC()
	}
	m.operators[key] = operator
	return nil
}

func (m *Memory) GetOperatorByUsername(_ context.Context, username string) (store.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	operator, ok := m.operators[strings.ToLower(username)]
	if !ok {
		return store.Operator{}, sql.ErrNoRows
	}
	return operator, nil
}

func (m *Memory) UpdateOperatorPassword(_ context.Context, operatorID uuid.UUID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, operator := range m.operators {
		if operator.ID == operatorID {
			operator.PasswordHash = passwordHash
			m.operators[key] = operator
			return nil
		}
	}
	return sql.ErrNoRows
}
