package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/api/internal/auth"
	"folio/api/internal/authpw"
	"folio/api/internal/config"
	"folio/api/internal/events"
	"folio/api/internal/history"
	"folio/api/internal/sitemap"
	"folio/api/internal/store"
	"folio/api/internal/store/storetest"
	"folio/api/internal/urls"
)

const testSecret = "test-secret"

// pingStore lets a test fail the readiness check.
type pingStore struct {
	*storetest.Memory
	pingFn func(context.Context) error
}

func (p *pingStore) Ping(ctx context.Context) error {
	if p.pingFn != nil {
		return p.pingFn(ctx)
	}
	return nil
}

type fakeHistory struct {
	historyFn func(uuid.UUID, int) ([]history.Commit, error)
}

func (f *fakeHistory) History(sitemapID uuid.UUID, limit int) ([]history.Commit, error) {
	return f.historyFn(sitemapID, limit)
}

func (f *fakeHistory) SnapshotAt(uuid.UUID, string) (sitemap.Snapshot, error) {
	return sitemap.Snapshot{}, history.ErrRevisionNotFound
}

type httpFixture struct {
	mem    *storetest.Memory
	store  *pingStore
	rec    *events.Recorder
	hist   *fakeHistory
	server http.Handler
	page   store.Page
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	mem := storetest.NewMemory()
	f := &httpFixture{
		mem:   mem,
		store: &pingStore{Memory: mem},
		rec:   &events.Recorder{},
		hist: &fakeHistory{historyFn: func(uuid.UUID, int) ([]history.Commit, error) {
			return []history.Commit{}, nil
		}},
	}
	svc, err := New(config.Config{JWTSecret: testSecret, AccessControlEnabled: true}, Dependencies{
		Store:     f.store,
		Publisher: f.rec,
		History:   f.hist,
		Accounts:  authpw.NewService(mem, testSecret, time.Hour),
	})
	require.NoError(t, err)
	f.server = NewHTTPServer(svc, "*", nil).Handler()

	f.page = store.Page{
		ID:              uuid.New(),
		Title:           "Contact",
		PageURL:         "/contact/",
		PageURLHash:     urls.UrlHash("/contact/"),
		MetaDescription: "Reach us",
		UseNoIndex:      true,
		UseNoFollow:     true,
		UseCanonicalURL: true,
	}
	mem.PutPage(f.page)
	return f
}

func (f *httpFixture) do(t *testing.T, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.server.ServeHTTP(rr, req)
	return rr
}

func issueToken(t *testing.T, name string, roles ...string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   "user-" + name,
		Name:  name,
		Roles: roles,
		JTI:   uuid.NewString(),
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	f := newHTTPFixture(t)

	rr := f.do(t, http.MethodGet, "/api/health", "", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyEndpoint(t *testing.T) {
	f := newHTTPFixture(t)

	rr := f.do(t, http.MethodGet, "/api/ready", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", decode(t, rr)["status"])

	f.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr = f.do(t, http.MethodGet, "/api/ready", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	payload := decode(t, rr)
	assert.Equal(t, "not_ready", payload["status"])
	assert.Equal(t, false, payload["ok"])
	checks := payload["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	assert.Equal(t, "error", database["status"])
	assert.Equal(t, "connection refused", database["error"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newHTTPFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()

	f.server.ServeHTTP(rr, req)

	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	f.do(t, http.MethodGet, "/api/health", "", "")

	rr := f.do(t, http.MethodGet, "/metrics", "", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "folio_http_request_duration_seconds")
}

func TestGetPageByURL(t *testing.T) {
	f := newHTTPFixture(t)

	rr := f.do(t, http.MethodGet, "/api/pages?url=%2FContact%2F", "", "")

	require.Equal(t, http.StatusOK, rr.Code)
	payload := decode(t, rr)
	assert.Equal(t, f.page.ID.String(), payload["id"])
	assert.Equal(t, "/contact/", payload["pageUrl"])
	assert.Equal(t, false, payload["isInSitemap"])

	rr = f.do(t, http.MethodGet, "/api/pages?url=/missing/", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeletePageRequiresAuthentication(t *testing.T) {
	f := newHTTPFixture(t)

	rr := f.do(t, http.MethodDelete, "/api/pages/"+f.page.ID.String(), `{}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/pages/"+f.page.ID.String(), `{}`, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/pages/"+f.page.ID.String(), `{}`, issueToken(t, "ben", "viewer"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.True(t, f.mem.HasPage(f.page.ID))
}

func TestDeletePageEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	sitemap := store.Sitemap{ID: uuid.New(), Title: "Main"}
	f.mem.PutSitemap(sitemap)
	node := store.SitemapNode{ID: uuid.New(), SitemapID: sitemap.ID, PageID: &f.page.ID, Title: "Contact", URL: "/contact/"}
	f.mem.PutNode(node)

	rr := f.do(t, http.MethodDelete, "/api/pages/"+f.page.ID.String(),
		`{"version":1,"redirectUrl":"/about/","updateSitemap":true}`,
		issueToken(t, "ana", "Editor"))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	payload := decode(t, rr)
	assert.Equal(t, true, payload["deleted"])
	assert.Equal(t, []any{node.ID.String()}, payload["deletedNodes"])
	assert.Equal(t, []any{}, payload["unlinkedNodes"])
	redirect := payload["redirect"].(map[string]any)
	assert.Equal(t, "/contact/", redirect["pageUrl"])
	assert.Equal(t, "/about/", redirect["redirectUrl"])
	assert.False(t, f.mem.HasPage(f.page.ID))

	for _, event := range f.rec.Events() {
		assert.Equal(t, "ana", event.Actor)
	}
}

func TestDeletePageEndpointMapsErrors(t *testing.T) {
	f := newHTTPFixture(t)
	token := issueToken(t, "ana", "editor")

	rr := f.do(t, http.MethodDelete, "/api/pages/"+f.page.ID.String(), `{"version":9}`, token)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "CONCURRENT_MODIFICATION", decode(t, rr)["code"])

	rr = f.do(t, http.MethodDelete, "/api/pages/"+f.page.ID.String(), `{"redirectUrl":"/contact/"}`, token)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	payload := decode(t, rr)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
	assert.Equal(t, map[string]any{"rule": RuleCircularRedirect}, payload["details"])

	rr = f.do(t, http.MethodDelete, "/api/pages/"+uuid.NewString(), `{}`, token)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/pages/not-a-uuid", `{}`, token)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/pages/"+f.page.ID.String(), `{"version":`, token)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", decode(t, rr)["code"])

	assert.True(t, f.mem.HasPage(f.page.ID))
}

func TestPageMetaEndpoint(t *testing.T) {
	f := newHTTPFixture(t)

	rr := f.do(t, http.MethodGet, "/api/pages/"+f.page.ID.String()+"/meta", "", "")

	require.Equal(t, http.StatusOK, rr.Code)
	var payload struct {
		Items []MetaItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, []MetaItem{
		{Kind: "meta", Name: "description", Content: "Reach us"},
		{Kind: "meta", Name: "robots", Content: "noindex,nofollow"},
		{Kind: "link", Name: "canonical", Content: "/contact/"},
	}, payload.Items)
}

func TestPageTranslationsEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	group := uuid.New()
	english, german := uuid.New(), uuid.New()
	page := f.page
	page.LanguageGroupIdentifier = &group
	page.LanguageID = &english
	f.mem.PutPage(page)
	f.mem.PutPage(store.Page{
		ID:                      uuid.New(),
		Title:                   "Kontakt",
		PageURL:                 "/de/kontakt/",
		PageURLHash:             urls.UrlHash("/de/kontakt/"),
		LanguageID:              &german,
		LanguageGroupIdentifier: &group,
	})

	rr := f.do(t, http.MethodGet, "/api/pages/"+f.page.ID.String()+"/translations", "", "")

	require.Equal(t, http.StatusOK, rr.Code)
	items := decode(t, rr)["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "Contact", items[0].(map[string]any)["title"])
	assert.Equal(t, "/de/kontakt/", items[1].(map[string]any)["pageUrl"])
}

func TestValidateURLEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	token := issueToken(t, "ana", "editor")

	rr := f.do(t, http.MethodPost, "/api/pages/validate-url", `{"url":"/new-page/"}`, token)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["valid"])

	rr = f.do(t, http.MethodPost, "/api/pages/validate-url", `{"url":"/contact/"}`, token)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, map[string]any{"rule": RuleURLAlreadyExists}, decode(t, rr)["details"])

	rr = f.do(t, http.MethodPost, "/api/pages/validate-url", `{"url":"/contact/","pageId":"`+f.page.ID.String()+`"}`, token)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/pages/validate-url", `{"url":"no-slashes"}`, token)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, map[string]any{"rule": RuleInvalidURL}, decode(t, rr)["details"])

	rr = f.do(t, http.MethodPost, "/api/pages/validate-url", `{"url":"/x/"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPermalinkEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	token := issueToken(t, "ana", "editor")
	f.mem.PutPage(store.Page{ID: uuid.New(), Title: "Team", PageURL: "/contact/our-team/", PageURLHash: urls.UrlHash("/contact/our-team/")})

	rr := f.do(t, http.MethodPost, "/api/pages/permalink", `{"title":"Our Team","parentPageUrl":"/contact/"}`, token)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/contact/our-team-1/", decode(t, rr)["url"])

	rr = f.do(t, http.MethodPost, "/api/pages/permalink", `{"title":"  "}`, token)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestPermalinkForNonLatinTitles(t *testing.T) {
	f := newHTTPFixture(t)
	token := issueToken(t, "ana", "editor")
	f.mem.PutPage(store.Page{ID: uuid.New(), Title: "Home", PageURL: "/", PageURLHash: urls.UrlHash("/")})
	f.mem.PutPage(store.Page{ID: uuid.New(), Title: "News", PageURL: "/news/", PageURLHash: urls.UrlHash("/news/")})
	f.mem.PutPage(store.Page{ID: uuid.New(), Title: "Page", PageURL: "/page/", PageURLHash: urls.UrlHash("/page/")})

	cases := []struct {
		body string
		want string
	}{
		{`{"title":"Привет мир"}`, "/privet-mir/"},
		{`{"title":"Привет","parentPageUrl":"/news/"}`, "/news/privet/"},
		{`{"title":"日本語"}`, "/page-1/"},
		{`{"title":"日本語","parentPageUrl":"/news/"}`, "/news/page/"},
	}
	for _, tc := range cases {
		rr := f.do(t, http.MethodPost, "/api/pages/permalink", tc.body, token)
		require.Equal(t, http.StatusOK, rr.Code, tc.body)
		assert.Equal(t, tc.want, decode(t, rr)["url"], tc.body)
	}
}

func TestRedirectLookupEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	f.mem.PutRedirect(store.Redirect{ID: uuid.New(), PageURL: "/old/", PageURLHash: urls.UrlHash("/old/"), RedirectURL: "/new/"})

	rr := f.do(t, http.MethodGet, "/api/redirects?url=old", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/new/", decode(t, rr)["redirectUrl"])

	rr = f.do(t, http.MethodGet, "/api/redirects?url=/nowhere/", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSearchEndpointWithoutBackend(t *testing.T) {
	f := newHTTPFixture(t)

	rr := f.do(t, http.MethodGet, "/api/pages/search?q=contact", "", "")

	require.Equal(t, http.StatusOK, rr.Code)
	payload := decode(t, rr)
	assert.Equal(t, "contact", payload["query"])
	assert.Equal(t, []any{}, payload["results"])
}

func TestDeleteSitemapEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	sitemap := store.Sitemap{ID: uuid.New(), Title: "Main", Version: 2}
	f.mem.PutSitemap(sitemap)
	f.mem.PutNode(store.SitemapNode{ID: uuid.New(), SitemapID: sitemap.ID, Title: "Home", URL: "/"})
	token := issueToken(t, "ana", "editor")

	rr := f.do(t, http.MethodDelete, "/api/sitemaps/"+sitemap.ID.String()+"?version=1", "", token)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/sitemaps/"+sitemap.ID.String()+"?version=2", "", issueToken(t, "ben", "viewer"))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/sitemaps/"+sitemap.ID.String()+"?version=x", "", token)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/sitemaps/"+sitemap.ID.String()+"?version=2", "", token)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, events.KindSitemapDeleted, f.rec.Kinds()[len(f.rec.Kinds())-1])

	rr = f.do(t, http.MethodDelete, "/api/sitemaps/"+sitemap.ID.String(), "", token)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSitemapHistoryEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	main := store.Sitemap{ID: uuid.New(), Title: "Main"}
	f.mem.PutSitemap(main)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.hist.historyFn = func(id uuid.UUID, limit int) ([]history.Commit, error) {
		assert.Equal(t, main.ID, id)
		assert.Equal(t, 5, limit)
		return []history.Commit{{Hash: "abc1234", Message: "Update sitemap", Author: "ana", CreatedAt: created}}, nil
	}
	token := issueToken(t, "ana", "editor")

	rr := f.do(t, http.MethodGet, "/api/sitemaps/"+main.ID.String()+"/history?limit=5", "", token)

	require.Equal(t, http.StatusOK, rr.Code)
	payload := decode(t, rr)
	commits := payload["commits"].([]any)
	require.Len(t, commits, 1)
	commit := commits[0].(map[string]any)
	assert.Equal(t, "abc1234", commit["hash"])
	assert.Equal(t, "ana", commit["author"])

	rr = f.do(t, http.MethodGet, "/api/sitemaps/"+uuid.NewString()+"/history", "", token)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	f := newHTTPFixture(t)

	rr := f.do(t, http.MethodGet, "/api/unknown", "", "")

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, rr)["code"])
}

func TestSignInEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	accounts := authpw.NewService(f.mem, testSecret, time.Hour)
	_, err := accounts.CreateOperator(context.Background(), authpw.CreateOperatorRequest{
		Username:    "ana",
		DisplayName: "Ana",
		Password:    "password1",
		Roles:       []string{"editor"},
	})
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/api/auth/token", `{"username":"ana","password":"password1"}`, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	payload := decode(t, rr)
	token, _ := payload["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "Ana", payload["user"].(map[string]any)["name"])

	// the issued token authorizes editor routes
	rr = f.do(t, http.MethodPost, "/api/pages/validate-url", `{"url":"/fresh/"}`, token)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/auth/token", `{"username":"ana","password":"nope-nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", decode(t, rr)["code"])

	rr = f.do(t, http.MethodPost, "/api/auth/token", `{"username":"ana"}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/auth/token", `{"username":`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSitemapSnapshotEndpoint(t *testing.T) {
	mem := storetest.NewMemory()
	main := store.Sitemap{ID: uuid.New(), Title: "Main"}
	mem.PutSitemap(main)
	hist := history.New(t.TempDir())
	commit, _, err := hist.Record(main.ID, sitemap.Snapshot{
		Title:   "Main",
		Version: 1,
		Nodes:   []sitemap.TreeNode{{ID: uuid.New(), Title: "Home", URL: "/"}},
	}, "ana", "Update sitemap")
	require.NoError(t, err)

	svc, err := New(config.Config{JWTSecret: testSecret, AccessControlEnabled: true}, Dependencies{Store: mem, History: hist})
	require.NoError(t, err)
	f := &httpFixture{mem: mem, server: NewHTTPServer(svc, "*", nil).Handler()}
	token := issueToken(t, "ana", "editor")

	rr := f.do(t, http.MethodGet, "/api/sitemaps/"+main.ID.String()+"/history/"+commit.Hash, "", token)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	payload := decode(t, rr)
	snapshot := payload["snapshot"].(map[string]any)
	nodes := snapshot["nodes"].([]any)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Home", nodes[0].(map[string]any)["title"])

	rr = f.do(t, http.MethodGet, "/api/sitemaps/"+main.ID.String()+"/history/0000000000000000000000000000000000000000", "", token)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/sitemaps/"+main.ID.String()+"/history/"+commit.Hash, "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestChangePasswordEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	accounts := authpw.NewService(f.mem, testSecret, time.Hour)
	_, err := accounts.CreateOperator(context.Background(), authpw.CreateOperatorRequest{Username: "ana", Password: "password1"})
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/api/auth/password", `{"username":"ana","currentPassword":"wrong-one","newPassword":"password2"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/auth/password", `{"username":"ana","currentPassword":"password1","newPassword":"short"}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/auth/password", `{"username":"ana","currentPassword":"password1","newPassword":"password2"}`, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, decode(t, rr)["changed"])

	rr = f.do(t, http.MethodPost, "/api/auth/token", `{"username":"ana","password":"password2"}`, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(t, http.MethodPost, "/api/auth/token", `{"username":"ana","password":"password1"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
