package redirect

import (
	"context"

	"github.com/google/uuid"

	"folio/api/internal/store"
	"folio/api/internal/urls"
)

type Store interface {
	GetRedirectBySourceHash(ctx context.Context, urlHash string) (*store.Redirect, error)
}

type Service struct {
	store Store
	urls  *urls.Service
}

func NewService(st Store, urlService *urls.Service) *Service {
	return &Service{store: st, urls: urlService}
}

// GetPageRedirect returns the live redirect whose source is pageURL, or nil.
func (s *Service) GetPageRedirect(ctx context.Context, pageURL string) (*store.Redirect, error) {
	return s.store.GetRedirectBySourceHash(ctx, urls.UrlHash(pageURL))
}

// CreateRedirectEntity builds an unsaved redirect from one URL to another.
func (s *Service) CreateRedirectEntity(from, to string) store.Redirect {
	return store.Redirect{
		ID:          uuid.New(),
		PageURL:     from,
		PageURLHash: urls.UrlHash(from),
		RedirectURL: to,
	}
}

// GetRedirect resolves a requested path to its redirect target. It returns
// "" when the path is not redirected.
func (s *Service) GetRedirect(ctx context.Context, virtualPath string) (string, error) {
	redirect, err := s.GetPageRedirect(ctx, s.urls.FixUrl(virtualPath))
	if err != nil || redirect == nil {
		return "", err
	}
	return redirect.RedirectURL, nil
}
