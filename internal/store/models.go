package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Page struct {
	ID                      uuid.UUID
	Title                   string
	PageURL                 string
	PageURLHash             string
	Version                 int
	IsMasterPage            bool
	MetaDescription         string
	MetaKeywords            string
	UseNoFollow             bool
	UseNoIndex              bool
	UseCanonicalURL         bool
	LanguageID              *uuid.UUID
	LanguageGroupIdentifier *uuid.UUID
	UpdatedBy               string
	UpdatedAt               time.Time

	Tags        []PageTag
	Contents    []PageContent
	Options     []PageOption
	AccessRules []AccessRule
	MasterPages []MasterPage
}

type PageTag struct {
	ID     uuid.UUID
	PageID uuid.UUID
	Name   string
}

type PageContent struct {
	ID        uuid.UUID
	PageID    uuid.UUID
	ContentID uuid.UUID
	RegionID  uuid.UUID
	SortOrder int
}

type PageOption struct {
	ID     uuid.UUID
	PageID uuid.UUID
	Key    string
	Value  string
}

// AccessRule grants a user or a role a level of access to the owning page
// or sitemap. AccessLevel is one of ReadOnly, ReadWrite or Deny.
type AccessRule struct {
	ID          uuid.UUID
	Identity    string
	IsForRole   bool
	AccessLevel string
}

// MasterPage links a page to one of the master pages it inherits layout from.
type MasterPage struct {
	ID       uuid.UUID
	PageID   uuid.UUID
	MasterID uuid.UUID
}

type PageTranslation struct {
	ID         uuid.UUID
	Title      string
	PageURL    string
	LanguageID *uuid.UUID
}

type Sitemap struct {
	ID          uuid.UUID
	Title       string
	Version     int
	IsDeleted   bool
	AccessRules []AccessRule
}

type SitemapNode struct {
	ID                      uuid.UUID
	SitemapID               uuid.UUID
	ParentID                *uuid.UUID
	PageID                  *uuid.UUID
	Title                   string
	URL                     string
	URLHash                 string
	DisplayOrder            int
	UsePageTitleAsNodeTitle bool
	IsDeleted               bool
	Version                 int
	// ChildCount is the number of live child nodes at read time.
	ChildCount int
}

// SitemapArchive is a frozen copy of a sitemap tree taken before the tree
// is changed.
type SitemapArchive struct {
	ID              uuid.UUID
	SitemapID       uuid.UUID
	Title           string
	ArchivedVersion json.RawMessage
	ArchivedBy      string
	CreatedAt       time.Time
}

type Redirect struct {
	ID          uuid.UUID
	PageURL     string
	PageURLHash string
	RedirectURL string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IndexedPage is the projection pushed into the search index.
type IndexedPage struct {
	ID          uuid.UUID
	Title       string
	PageURL     string
	Description string
}

// Operator is an account allowed to sign in to the API with a password.
type Operator struct {
	ID           uuid.UUID
	Username     string
	DisplayName  string
	PasswordHash string
	Roles        []string
	IsDisabled   bool
	CreatedAt    time.Time
}
