package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"folio/api/internal/auth"
	"folio/api/internal/history"
	"folio/api/internal/logging"
	"folio/api/internal/metrics"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logging.OrNop(logger).Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", s.withMiddleware(http.HandlerFunc(s.handle)))
	return mux
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/pages" {
		view, err := s.service.GetPageByVirtualPath(r.Context(), r.URL.Query().Get("url"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPageResponse(view.Page, view.IsInSitemap))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/pages/search" {
		query := search.Query{Text: r.URL.Query().Get("q")}
		query.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
		query.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
		writeJSON(w, http.StatusOK, s.service.SearchPages(r.Context(), query))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/token" {
		var body signInRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resp, err := s.service.SignIn(r.Context(), body.Username, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, signInResponse{
			Token:     resp.Token,
			ExpiresAt: resp.ExpiresAt,
			User: signInUser{
				ID:    resp.Operator.ID,
				Name:  resp.Operator.DisplayName,
				Roles: resp.Operator.Roles,
			},
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/password" {
		var body changePasswordRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), body.Username, body.CurrentPassword, body.NewPassword); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changed": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/pages/validate-url" {
		if _, ok := s.requirePrincipal(w, r); !ok {
			return
		}
		var body validateURLRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ValidatePageUrl(r.Context(), strings.TrimSpace(body.URL), body.PageID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/pages/permalink" {
		if _, ok := s.requirePrincipal(w, r); !ok {
			return
		}
		var body permalinkRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Title) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
			return
		}
		permalink, err := s.service.CreatePagePermalink(r.Context(), body.Title, body.ParentPageURL)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": permalink})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/redirects" {
		target, err := s.service.GetRedirect(r.Context(), r.URL.Query().Get("url"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if target == "" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": r.URL.Query().Get("url"), "redirectUrl": target})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "pages" {
		pageID, err := uuid.Parse(parts[2])
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handlePages(w, r, pageID, parts[3:])
		return
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "sitemaps" {
		sitemapID, err := uuid.Parse(parts[2])
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handleSitemaps(w, r, sitemapID, parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePages(w http.ResponseWriter, r *http.Request, pageID uuid.UUID, parts []string) {
	if r.Method == http.MethodDelete && len(parts) == 0 {
		principal, ok := s.requirePrincipal(w, r)
		if !ok {
			return
		}
		if !principal.Can(rbac.CapabilityDeleteContent) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body deletePageRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.DeletePage(r.Context(), DeletePageInput{
			PageID:        pageID,
			Version:       body.Version,
			RedirectURL:   body.RedirectURL,
			UpdateSitemap: body.UpdateSitemap,
		}, principal)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeletePageResponse(result))
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "meta" {
		page, err := s.service.GetPage(r.Context(), pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": s.service.GetPageMetaData(page)})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "translations" {
		translations, err := s.service.GetPageTranslations(r.Context(), pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]translationResponse, 0, len(translations))
		for _, translation := range translations {
			items = append(items, translationResponse{
				ID:         translation.ID,
				Title:      translation.Title,
				PageURL:    translation.PageURL,
				LanguageID: translation.LanguageID,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSitemaps(w http.ResponseWriter, r *http.Request, sitemapID uuid.UUID, parts []string) {
	if r.Method == http.MethodDelete && len(parts) == 0 {
		principal, ok := s.requirePrincipal(w, r)
		if !ok {
			return
		}
		version := 0
		if raw := r.URL.Query().Get("version"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_QUERY", "version must be a number", nil)
				return
			}
			version = parsed
		}
		if err := s.service.DeleteSitemap(r.Context(), sitemapID, version, principal); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "history" {
		if _, ok := s.requirePrincipal(w, r); !ok {
			return
		}
		limit := 50
		if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
			if parsedLimit, err := strconv.Atoi(rawLimit); err == nil && parsedLimit > 0 {
				limit = parsedLimit
			}
		}
		commits, err := s.service.SitemapHistory(r.Context(), sitemapID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sitemapId": sitemapID, "commits": toCommitResponses(commits)})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "history" {
		if _, ok := s.requirePrincipal(w, r); !ok {
			return
		}
		snapshot, err := s.service.SitemapSnapshot(r.Context(), sitemapID, parts[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sitemapId": sitemapID, "hash": parts[1], "snapshot": snapshot})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (rbac.Principal, bool) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return rbac.Principal{}, false
	}
	principal, err := s.service.PrincipalFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return rbac.Principal{}, false
	}
	return principal, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Observe(elapsed.Seconds())
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, ErrConcurrentModification) {
		return http.StatusConflict, "CONCURRENT_MODIFICATION", "Concurrent modification", nil
	}
	if errors.Is(err, ErrForbidden) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

type deletePageRequest struct {
	Version       int    `json:"version"`
	RedirectURL   string `json:"redirectUrl"`
	UpdateSitemap bool   `json:"updateSitemap"`
}

type signInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	Username        string `json:"username"`
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type signInUser struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Roles []string  `json:"roles"`
}

type signInResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      signInUser `json:"user"`
}

type validateURLRequest struct {
	URL    string     `json:"url"`
	PageID *uuid.UUID `json:"pageId"`
}

type permalinkRequest struct {
	Title         string `json:"title"`
	ParentPageURL string `json:"parentPageUrl"`
}

type pageResponse struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	PageURL         string     `json:"pageUrl"`
	Version         int        `json:"version"`
	IsMasterPage    bool       `json:"isMasterPage"`
	IsInSitemap     bool       `json:"isInSitemap"`
	MetaDescription string     `json:"metaDescription,omitempty"`
	LanguageID      *uuid.UUID `json:"languageId,omitempty"`
	UpdatedBy       string     `json:"updatedBy,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func toPageResponse(page store.Page, inSitemap bool) pageResponse {
	return pageResponse{
		ID:              page.ID,
		Title:           page.Title,
		PageURL:         page.PageURL,
		Version:         page.Version,
		IsMasterPage:    page.IsMasterPage,
		IsInSitemap:     inSitemap,
		MetaDescription: page.MetaDescription,
		LanguageID:      page.LanguageID,
		UpdatedBy:       page.UpdatedBy,
		UpdatedAt:       page.UpdatedAt,
	}
}

type redirectResponse struct {
	ID          uuid.UUID `json:"id"`
	PageURL     string    `json:"pageUrl"`
	RedirectURL string    `json:"redirectUrl"`
	Version     int       `json:"version"`
}

type deletePageResponse struct {
	Deleted         bool              `json:"deleted"`
	Messages        []string          `json:"messages"`
	UnlinkedNodes   []uuid.UUID       `json:"unlinkedNodes"`
	DeletedNodes    []uuid.UUID       `json:"deletedNodes"`
	SkippedSitemaps []uuid.UUID       `json:"skippedSitemaps"`
	Redirect        *redirectResponse `json:"redirect,omitempty"`
}

func toDeletePageResponse(result DeletePageResult) deletePageResponse {
	response := deletePageResponse{
		Deleted:         result.Deleted,
		Messages:        result.Messages,
		UnlinkedNodes:   result.UnlinkedNodes,
		DeletedNodes:    result.DeletedNodes,
		SkippedSitemaps: result.SkippedSitemaps,
	}
	if result.Redirect != nil {
		response.Redirect = &redirectResponse{
			ID:          result.Redirect.ID,
			PageURL:     result.Redirect.PageURL,
			RedirectURL: result.Redirect.RedirectURL,
			Version:     result.Redirect.Version,
		}
	}
	return response
}

type translationResponse struct {
	ID         uuid.UUID  `json:"id"`
	Title      string     `json:"title"`
	PageURL    string     `json:"pageUrl"`
	LanguageID *uuid.UUID `json:"languageId,omitempty"`
}

type commitResponse struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func toCommitResponses(commits []history.Commit) []commitResponse {
	items := make([]commitResponse, 0, len(commits))
	for _, commit := range commits {
		items = append(items, commitResponse{
			Hash:      commit.Hash,
			Message:   commit.Message,
			Author:    commit.Author,
			CreatedAt: commit.CreatedAt,
		})
	}
	return items
}
