package rbac

import (
	"errors"
	"strings"

	"folio/api/internal/store"
)

type Role string
type Capability string
type AccessLevel string

const (
	RoleViewer    Role = "viewer"
	RoleEditor    Role = "editor"
	RolePublisher Role = "publisher"
	RoleAdmin     Role = "admin"
)

const (
	CapabilityEditContent    Capability = "EditContent"
	CapabilityPublishContent Capability = "PublishContent"
	CapabilityDeleteContent  Capability = "DeleteContent"
	CapabilityAdministration Capability = "Administration"
)

const (
	AccessReadOnly  AccessLevel = "ReadOnly"
	AccessReadWrite AccessLevel = "ReadWrite"
	AccessDeny      AccessLevel = "Deny"
)

var ErrForbidden = errors.New("forbidden")

func Can(role Role, capability Capability) bool {
	switch role {
	case RoleAdmin:
		return true
	case RolePublisher:
		return capability == CapabilityEditContent || capability == CapabilityPublishContent || capability == CapabilityDeleteContent
	case RoleEditor:
		return capability == CapabilityEditContent || capability == CapabilityDeleteContent
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleViewer:
		return RoleViewer
	case RoleEditor:
		return RoleEditor
	case RolePublisher:
		return RolePublisher
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleViewer
	}
}

// Principal is the authenticated actor of a request.
type Principal struct {
	UserID string
	Name   string
	Roles  []Role
}

func (p Principal) HasRole(role Role) bool {
	for _, item := range p.Roles {
		if item == role {
			return true
		}
	}
	return false
}

func (p Principal) Can(capability Capability) bool {
	for _, role := range p.Roles {
		if Can(role, capability) {
			return true
		}
	}
	return false
}

// AccessControl resolves capabilities and object-level access. When
// Enabled is false object-level rules are ignored and every sitemap or
// page is writable; capability checks still apply.
type AccessControl struct {
	Enabled bool
}

func (a AccessControl) DemandAccess(principal Principal, capability Capability) error {
	if principal.Can(capability) {
		return nil
	}
	return ErrForbidden
}

// GetAccessLevel resolves the principal's level against a set of rules.
// A Deny rule wins over any grant; otherwise the highest matching level
// applies. An object without rules is open.
func (a AccessControl) GetAccessLevel(rules []store.AccessRule, principal Principal) AccessLevel {
	if !a.Enabled || principal.HasRole(RoleAdmin) || len(rules) == 0 {
		return AccessReadWrite
	}

	level := AccessReadOnly
	for _, rule := range rules {
		if !matches(rule, principal) {
			continue
		}
		switch AccessLevel(rule.AccessLevel) {
		case AccessDeny:
			return AccessDeny
		case AccessReadWrite:
			level = AccessReadWrite
		}
	}
	return level
}

func matches(rule store.AccessRule, principal Principal) bool {
	if rule.IsForRole {
		for _, role := range principal.Roles {
			if strings.EqualFold(rule.Identity, string(role)) {
				return true
			}
		}
		return false
	}
	return principal.Name != "" && strings.EqualFold(rule.Identity, principal.Name)
}
