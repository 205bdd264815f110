package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"folio/api/internal/store"
)

type Kind string

const (
	KindSitemapNodeUpdated Kind = "sitemap.node.updated"
	KindSitemapNodeDeleted Kind = "sitemap.node.deleted"
	KindSitemapUpdated     Kind = "sitemap.updated"
	KindSitemapDeleted     Kind = "sitemap.deleted"
	KindRedirectCreated    Kind = "redirect.created"
	KindPageContentDeleted Kind = "page.content.deleted"
	KindPageDeleted        Kind = "page.deleted"
)

// Attribute keys carried by events.
const (
	AttrSitemapID = "sitemap_id"
	AttrPageID    = "page_id"
	AttrContentID = "content_id"
	AttrURL       = "url"
	AttrURLHash   = "url_hash"
	AttrTarget    = "redirect_url"
)

// Event is a change notification. AggregateID identifies the changed
// entity: the node, sitemap, redirect, page content or page.
type Event struct {
	ID          uuid.UUID         `json:"id"`
	Kind        Kind              `json:"kind"`
	AggregateID uuid.UUID         `json:"aggregate_id"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Publisher accepts notifications. Delivery problems are the publisher's
// concern and are never reported back to the caller.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

func newEvent(kind Kind, aggregateID uuid.UUID, attrs map[string]string) Event {
	return Event{
		ID:          uuid.New(),
		Kind:        kind,
		AggregateID: aggregateID,
		Attributes:  attrs,
		OccurredAt:  time.Now().UTC(),
	}
}

// WithActor returns a copy of e attributed to actor.
func (e Event) WithActor(actor string) Event {
	e.Actor = actor
	return e
}

// SitemapID returns the sitemap the event belongs to, or uuid.Nil.
func (e Event) SitemapID() uuid.UUID {
	if e.Kind == KindSitemapUpdated || e.Kind == KindSitemapDeleted {
		return e.AggregateID
	}
	id, err := uuid.Parse(e.Attributes[AttrSitemapID])
	if err != nil {
		return uuid.Nil
	}
	return id
}

func SitemapNodeUpdated(node store.SitemapNode) Event {
	return newEvent(KindSitemapNodeUpdated, node.ID, nodeAttributes(node))
}

func SitemapNodeDeleted(node store.SitemapNode) Event {
	return newEvent(KindSitemapNodeDeleted, node.ID, nodeAttributes(node))
}

func nodeAttributes(node store.SitemapNode) map[string]string {
	attrs := map[string]string{AttrSitemapID: node.SitemapID.String(), AttrURL: node.URL}
	if node.PageID != nil {
		attrs[AttrPageID] = node.PageID.String()
	}
	return attrs
}

func SitemapUpdated(sitemapID uuid.UUID) Event {
	return newEvent(KindSitemapUpdated, sitemapID, nil)
}

func SitemapDeleted(sitemapID uuid.UUID) Event {
	return newEvent(KindSitemapDeleted, sitemapID, nil)
}

func RedirectCreated(redirect store.Redirect) Event {
	return newEvent(KindRedirectCreated, redirect.ID, map[string]string{
		AttrURL:    redirect.PageURL,
		AttrTarget: redirect.RedirectURL,
	})
}

func PageContentDeleted(content store.PageContent) Event {
	return newEvent(KindPageContentDeleted, content.ID, map[string]string{
		AttrPageID:    content.PageID.String(),
		AttrContentID: content.ContentID.String(),
	})
}

func PageDeleted(page store.Page) Event {
	return newEvent(KindPageDeleted, page.ID, map[string]string{
		AttrURL:     page.PageURL,
		AttrURLHash: page.PageURLHash,
	})
}
