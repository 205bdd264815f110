package app

import (
	"errors"
	"fmt"
	"net/http"

	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

// Error kinds. A *DomainError matches its kind with errors.Is.
var (
	ErrValidation             = errors.New("validation failed")
	ErrConcurrentModification = store.ErrConcurrentModification
	ErrForbidden              = rbac.ErrForbidden
)

// Validation rules reported in DomainError.Details.
const (
	RuleMasterPageHasChildren  = "master_page_has_children"
	RuleSitemapNodeHasChildren = "sitemap_node_has_children"
	RuleCircularRedirect       = "circular_redirect"
	RuleInvalidURL             = "invalid_url"
	RuleURLAlreadyExists       = "url_already_exists"
	RuleURLPattern             = "url_pattern"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Kind    error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(rule, message string) *DomainError {
	err := domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, map[string]any{"rule": rule})
	err.Kind = ErrValidation
	return err
}

func concurrentModificationError(entity string) *DomainError {
	err := domainError(http.StatusConflict, "CONCURRENT_MODIFICATION",
		fmt.Sprintf("The %s was changed by another user. Reload it and try again.", entity), nil)
	err.Kind = ErrConcurrentModification
	return err
}

func forbiddenError() *DomainError {
	err := domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	err.Kind = ErrForbidden
	return err
}

func errMasterPageHasChildren() *DomainError {
	return validationError(RuleMasterPageHasChildren, "The master page cannot be deleted because other pages use it.")
}

func errSitemapNodeHasChildren(title string) *DomainError {
	return validationError(RuleSitemapNodeHasChildren,
		fmt.Sprintf("The page is linked from sitemap node %q which has child nodes. Remove the child nodes first.", title))
}

func errCircularRedirect() *DomainError {
	return validationError(RuleCircularRedirect, "A page cannot redirect to its own URL.")
}

func errInvalidURL(url string) *DomainError {
	return validationError(RuleInvalidURL, fmt.Sprintf("%q is not a valid URL.", url))
}

func errURLAlreadyExists(url string) *DomainError {
	return validationError(RuleURLAlreadyExists, fmt.Sprintf("A page or redirect with URL %q already exists.", url))
}

func errURLPattern(message string) *DomainError {
	return validationError(RuleURLPattern, message)
}
