package rbac

import (
	"errors"
	"testing"

	"folio/api/internal/store"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name       string
		role       Role
		capability Capability
		allow      bool
	}{
		{name: "viewer edit", role: RoleViewer, capability: CapabilityEditContent, allow: false},
		{name: "editor edit", role: RoleEditor, capability: CapabilityEditContent, allow: true},
		{name: "editor publish", role: RoleEditor, capability: CapabilityPublishContent, allow: false},
		{name: "publisher publish", role: RolePublisher, capability: CapabilityPublishContent, allow: true},
		{name: "publisher administration", role: RolePublisher, capability: CapabilityAdministration, allow: false},
		{name: "admin administration", role: RoleAdmin, capability: CapabilityAdministration, allow: true},
		{name: "unknown edit", role: Role("guest"), capability: CapabilityEditContent, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.capability); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.capability, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(" Publisher "); got != RolePublisher {
		t.Fatalf("Normalize() = %q, want %q", got, RolePublisher)
	}
	if got := Normalize("owner"); got != RoleViewer {
		t.Fatalf("Normalize() = %q, want %q", got, RoleViewer)
	}
}

func TestDemandAccess(t *testing.T) {
	ac := AccessControl{Enabled: true}
	if err := ac.DemandAccess(Principal{Name: "ana", Roles: []Role{RoleViewer}}, CapabilityEditContent); !errors.Is(err, ErrForbidden) {
		t.Fatalf("DemandAccess() error = %v, want ErrForbidden", err)
	}
	if err := ac.DemandAccess(Principal{Name: "ana", Roles: []Role{RoleViewer, RoleEditor}}, CapabilityEditContent); err != nil {
		t.Fatalf("DemandAccess() error = %v", err)
	}
	if err := (AccessControl{}).DemandAccess(Principal{Name: "ana"}, CapabilityEditContent); !errors.Is(err, ErrForbidden) {
		t.Fatalf("capabilities must be checked with object rules disabled, got %v", err)
	}
}

func TestGetAccessLevel(t *testing.T) {
	editor := Principal{Name: "ana", Roles: []Role{RoleEditor}}
	cases := []struct {
		name      string
		enabled   bool
		principal Principal
		rules     []store.AccessRule
		want      AccessLevel
	}{
		{name: "disabled", enabled: false, principal: editor, rules: []store.AccessRule{{Identity: "ana", AccessLevel: "Deny"}}, want: AccessReadWrite},
		{name: "no rules", enabled: true, principal: editor, want: AccessReadWrite},
		{name: "admin bypass", enabled: true, principal: Principal{Name: "root", Roles: []Role{RoleAdmin}}, rules: []store.AccessRule{{Identity: "root", AccessLevel: "Deny"}}, want: AccessReadWrite},
		{name: "user grant", enabled: true, principal: editor, rules: []store.AccessRule{{Identity: "ANA", AccessLevel: "ReadWrite"}}, want: AccessReadWrite},
		{name: "role grant", enabled: true, principal: editor, rules: []store.AccessRule{{Identity: "editor", IsForRole: true, AccessLevel: "ReadWrite"}}, want: AccessReadWrite},
		{name: "read only", enabled: true, principal: editor, rules: []store.AccessRule{{Identity: "editor", IsForRole: true, AccessLevel: "ReadOnly"}}, want: AccessReadOnly},
		{name: "no match", enabled: true, principal: editor, rules: []store.AccessRule{{Identity: "bob", AccessLevel: "ReadWrite"}}, want: AccessReadOnly},
		{name: "deny wins", enabled: true, principal: editor, rules: []store.AccessRule{
			{Identity: "editor", IsForRole: true, AccessLevel: "ReadWrite"},
			{Identity: "ana", AccessLevel: "Deny"},
		}, want: AccessDeny},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AccessControl{Enabled: tc.enabled}.GetAccessLevel(tc.rules, tc.principal)
			if got != tc.want {
				t.Fatalf("GetAccessLevel() = %q, want %q", got, tc.want)
			}
		})
	}
}
