package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"folio/api/internal/events"
	"folio/api/internal/metrics"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

const sitemapSkippedMessage = "The page was removed, but some sitemaps were left unchanged because you cannot edit them. Their nodes now point at the old page URL."

type DeletePageInput struct {
	PageID        uuid.UUID
	Version       int
	RedirectURL   string
	UpdateSitemap bool
}

type DeletePageResult struct {
	Deleted         bool
	Messages        []string
	UnlinkedNodes   []uuid.UUID
	DeletedNodes    []uuid.UUID
	SkippedSitemaps []uuid.UUID
	Redirect        *store.Redirect
}

// deletionPlan is everything decided before the write transaction opens.
type deletionPlan struct {
	page        store.Page
	redirectURL string
	existing    *store.Redirect

	// archive holds the writable sitemaps, in first-seen order.
	archive  []store.Sitemap
	remove   []store.SitemapNode
	unlink   []store.SitemapNode
	skipped  []uuid.UUID
	writable map[uuid.UUID]bool
}

// deletionOutcome is what the write transaction changed.
type deletionOutcome struct {
	unlinked []store.SitemapNode
	deleted  []store.SitemapNode
	redirect *store.Redirect
}

// DeletePage removes a page and everything it owns, detaches or removes the
// sitemap nodes that link to it and optionally leaves a redirect behind.
// All checks run before any write; the writes share one transaction.
func (s *Service) DeletePage(ctx context.Context, input DeletePageInput, principal rbac.Principal) (result DeletePageResult, err error) {
	started := time.Now()
	defer func() {
		outcome := deletionOutcomeLabel(err)
		metrics.PageDeletionsTotal.WithLabelValues(outcome).Inc()
		metrics.PageDeletionDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	}()

	plan, err := s.planDeletion(ctx, input, principal)
	if err != nil {
		return DeletePageResult{}, err
	}

	var done deletionOutcome
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		done = deletionOutcome{}
		return s.applyDeletion(ctx, tx, plan, principal, &done)
	})
	if err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			s.logger.Warn("redirect source already exists", zap.String("url", plan.page.PageURL), zap.Error(err))
			return DeletePageResult{}, errURLAlreadyExists(plan.page.PageURL)
		}
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return DeletePageResult{}, domainErr
		}
		if errors.Is(err, store.ErrConcurrentModification) {
			return DeletePageResult{}, concurrentModificationError("page")
		}
		return DeletePageResult{}, err
	}

	s.notifyDeletion(ctx, plan, done, principal)

	result = DeletePageResult{
		Deleted:         true,
		Messages:        []string{},
		UnlinkedNodes:   nodeIDs(done.unlinked),
		DeletedNodes:    nodeIDs(done.deleted),
		SkippedSitemaps: append([]uuid.UUID{}, plan.skipped...),
		Redirect:        done.redirect,
	}
	if len(plan.skipped) > 0 {
		result.Messages = append(result.Messages, sitemapSkippedMessage)
		metrics.SkippedSitemapsTotal.Add(float64(len(plan.skipped)))
	}
	metrics.SitemapNodesTotal.WithLabelValues("unlinked").Add(float64(len(done.unlinked)))
	metrics.SitemapNodesTotal.WithLabelValues("deleted").Add(float64(len(done.deleted)))

	s.logger.Info("page deleted",
		zap.String("page_id", plan.page.ID.String()),
		zap.String("url", plan.page.PageURL),
		zap.Int("unlinked_nodes", len(done.unlinked)),
		zap.Int("deleted_nodes", len(done.deleted)),
		zap.Int("skipped_sitemaps", len(plan.skipped)),
		zap.Bool("redirect", done.redirect != nil),
		zap.String("actor", principal.Name),
	)
	return result, nil
}

func (s *Service) planDeletion(ctx context.Context, input DeletePageInput, principal rbac.Principal) (deletionPlan, error) {
	page, err := s.store.GetPage(ctx, input.PageID)
	if err != nil {
		return deletionPlan{}, err
	}
	if input.Version > 0 && input.Version != page.Version {
		s.logger.Warn("stale page version",
			zap.String("page_id", page.ID.String()),
			zap.Int("expected", input.Version),
			zap.Int("stored", page.Version),
		)
		return deletionPlan{}, concurrentModificationError("page")
	}

	if page.IsMasterPage {
		hasChildren, err := s.store.HasMasterPageChildren(ctx, page.ID)
		if err != nil {
			return deletionPlan{}, fmt.Errorf("check master page children: %w", err)
		}
		if hasChildren {
			s.logger.Warn("page is used as master page", zap.String("page_id", page.ID.String()), zap.String("url", page.PageURL))
			return deletionPlan{}, errMasterPageHasChildren()
		}
	}

	redirectURL, internal := s.classifyRedirect(input.RedirectURL)

	if input.UpdateSitemap {
		if err := s.access.DemandAccess(principal, rbac.CapabilityEditContent); err != nil {
			s.logger.Warn("sitemap update denied", zap.String("page_id", page.ID.String()), zap.String("actor", principal.Name))
			return deletionPlan{}, forbiddenError()
		}
	}

	plan := deletionPlan{page: page, redirectURL: redirectURL, writable: map[uuid.UUID]bool{}}
	if err := s.planSitemaps(ctx, &plan, input.UpdateSitemap, principal); err != nil {
		return deletionPlan{}, err
	}
	for _, node := range plan.remove {
		if node.ChildCount > 0 {
			s.logger.Warn("sitemap node has child nodes",
				zap.String("sitemap_id", node.SitemapID.String()),
				zap.String("node_id", node.ID.String()),
				zap.Int("children", node.ChildCount),
			)
			return deletionPlan{}, errSitemapNodeHasChildren(node.Title)
		}
	}

	if redirectURL != "" {
		if err := s.validateRedirect(page, redirectURL, internal); err != nil {
			return deletionPlan{}, err
		}
		plan.existing, err = s.redirects.GetPageRedirect(ctx, page.PageURL)
		if err != nil {
			return deletionPlan{}, fmt.Errorf("load page redirect: %w", err)
		}
	}
	return plan, nil
}

// classifyRedirect trims raw and reports whether it is an internal URL.
// Internal URLs come back in their fixed form.
func (s *Service) classifyRedirect(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	internal := s.urls.ValidateInternalUrl(raw)
	if !internal && s.urls.ValidateInternalUrl(s.urls.FixUrl(raw)) {
		internal = true
	}
	if internal {
		raw = s.urls.FixUrl(raw)
	}
	return raw, internal
}

// planSitemaps splits the page's nodes into ones to remove and ones to
// unlink. Without updateSitemap every node is unlinked and no sitemap is
// archived.
func (s *Service) planSitemaps(ctx context.Context, plan *deletionPlan, updateSitemap bool, principal rbac.Principal) error {
	nodes, err := s.sitemaps.GetNodesByPage(ctx, plan.page.ID)
	if err != nil {
		return fmt.Errorf("load sitemap nodes: %w", err)
	}
	if !updateSitemap {
		plan.unlink = nodes
		return nil
	}

	seen := map[uuid.UUID]bool{}
	for _, node := range nodes {
		if seen[node.SitemapID] {
			continue
		}
		seen[node.SitemapID] = true

		sitemap, err := s.sitemaps.GetSitemap(ctx, node.SitemapID)
		if err != nil {
			return fmt.Errorf("load sitemap %s: %w", node.SitemapID, err)
		}
		if s.access.GetAccessLevel(sitemap.AccessRules, principal) == rbac.AccessReadWrite {
			plan.writable[sitemap.ID] = true
			plan.archive = append(plan.archive, sitemap)
		} else {
			plan.skipped = append(plan.skipped, sitemap.ID)
		}
	}

	for _, node := range nodes {
		if plan.writable[node.SitemapID] {
			plan.remove = append(plan.remove, node)
		} else {
			plan.unlink = append(plan.unlink, node)
		}
	}
	return nil
}

func (s *Service) validateRedirect(page store.Page, redirectURL string, internal bool) error {
	if strings.EqualFold(page.PageURL, redirectURL) {
		s.logger.Warn("circular redirect", zap.String("url", redirectURL))
		return errCircularRedirect()
	}
	if !s.urls.ValidateExternalUrl(redirectURL) {
		s.logger.Warn("invalid redirect url", zap.String("url", redirectURL))
		return errInvalidURL(redirectURL)
	}
	if internal {
		if message, ok := s.urls.ValidateUrlPatterns(redirectURL, "Redirect URL"); !ok {
			s.logger.Warn("redirect url rejected by pattern", zap.String("url", redirectURL), zap.String("reason", message))
			return errURLPattern(message)
		}
	}
	return nil
}

func (s *Service) applyDeletion(ctx context.Context, tx store.Tx, plan deletionPlan, principal rbac.Principal, done *deletionOutcome) error {
	page := plan.page

	for _, sitemap := range plan.archive {
		if err := s.sitemaps.ArchiveSitemap(ctx, tx, sitemap, principal.Name); err != nil {
			return err
		}
	}

	for _, node := range plan.remove {
		if err := s.sitemaps.DeleteNode(ctx, tx, node, &done.deleted); err != nil {
			return err
		}
	}
	for _, node := range plan.unlink {
		if node.PageID == nil || *node.PageID != page.ID {
			continue
		}
		node.PageID = nil
		if node.UsePageTitleAsNodeTitle {
			node.Title = page.Title
		}
		node.URL = page.PageURL
		node.URLHash = page.PageURLHash
		if err := tx.UpdateSitemapNode(ctx, node); err != nil {
			return err
		}
		node.Version++
		done.unlinked = append(done.unlinked, node)
	}

	if plan.redirectURL != "" {
		if plan.existing != nil {
			redirect := *plan.existing
			redirect.RedirectURL = plan.redirectURL
			if err := tx.UpdateRedirect(ctx, redirect); err != nil {
				if errors.Is(err, store.ErrConcurrentModification) {
					return concurrentModificationError("redirect")
				}
				return err
			}
			redirect.Version++
			done.redirect = &redirect
		} else {
			redirect := s.redirects.CreateRedirectEntity(page.PageURL, plan.redirectURL)
			if err := tx.InsertRedirect(ctx, redirect); err != nil {
				return err
			}
			redirect.Version = 1
			done.redirect = &redirect
		}
	}

	if err := tx.DeletePageTags(ctx, page.ID); err != nil {
		return err
	}
	if err := tx.DeletePageContents(ctx, page.ID); err != nil {
		return err
	}
	if err := tx.DeletePageOptions(ctx, page.ID); err != nil {
		return err
	}
	if err := tx.DeletePageAccessRules(ctx, page.ID); err != nil {
		return err
	}
	if err := tx.DeleteMasterPageLinks(ctx, page.ID); err != nil {
		return err
	}
	ok, err := tx.DeletePage(ctx, page.ID, page.Version)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrConcurrentModification
	}
	return nil
}

// notifyDeletion publishes the committed changes. Node events for each
// group are followed by one sitemap.updated per sitemap not yet announced.
func (s *Service) notifyDeletion(ctx context.Context, plan deletionPlan, done deletionOutcome, principal rbac.Principal) {
	publish := func(event events.Event) {
		s.publisher.Publish(ctx, event.WithActor(principal.Name))
	}

	announced := map[uuid.UUID]bool{}
	announce := func(nodes []store.SitemapNode) {
		var order []uuid.UUID
		for _, node := range nodes {
			if !announced[node.SitemapID] {
				announced[node.SitemapID] = true
				order = append(order, node.SitemapID)
			}
		}
		for _, sitemapID := range order {
			publish(events.SitemapUpdated(sitemapID))
		}
	}

	for _, node := range done.unlinked {
		publish(events.SitemapNodeUpdated(node))
	}
	announce(done.unlinked)

	for _, node := range done.deleted {
		publish(events.SitemapNodeDeleted(node))
	}
	announce(done.deleted)

	if done.redirect != nil {
		publish(events.RedirectCreated(*done.redirect))
	}
	for _, content := range plan.page.Contents {
		publish(events.PageContentDeleted(content))
	}
	publish(events.PageDeleted(plan.page))
}

func nodeIDs(nodes []store.SitemapNode) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}
	return ids
}

func deletionOutcomeLabel(err error) string {
	var domainErr *DomainError
	switch {
	case err == nil:
		return "deleted"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.As(err, &domainErr):
		return strings.ToLower(domainErr.Code)
	default:
		return "error"
	}
}
