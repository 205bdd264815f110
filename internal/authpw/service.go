// Package authpw provides username/password sign-in for API operators.
package authpw

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"folio/api/internal/auth"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

const minPasswordLength = 8

var (
	ErrMissingCredentials = errors.New("username and password are required")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrUsernameTaken      = errors.New("username already registered")
)

// OperatorStore defines the storage interface for operator accounts
type OperatorStore interface {
	CreateOperator(ctx context.Context, operator store.Operator) error
	GetOperatorByUsername(ctx context.Context, username string) (store.Operator, error)
	UpdateOperatorPassword(ctx context.Context, operatorID uuid.UUID, passwordHash string) error
}

// Service creates operator accounts and exchanges passwords for bearer
// tokens.
type Service struct {
	store       OperatorStore
	tokenSecret []byte
	tokenTTL    time.Duration
	now         func() time.Time
}

func NewService(store OperatorStore, tokenSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Service{
		store:       store,
		tokenSecret: []byte(tokenSecret),
		tokenTTL:    tokenTTL,
		now:         time.Now,
	}
}

// CreateOperatorRequest contains account parameters
type CreateOperatorRequest struct {
	Username    string
	DisplayName string
	Password    string
	Roles       []string
}

// CreateOperator hashes the password and stores a new account. Unknown role
// names are stored as viewer.
func (s *Service) CreateOperator(ctx context.Context, req CreateOperatorRequest) (store.Operator, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return store.Operator{}, ErrMissingCredentials
	}
	if len(req.Password) < minPasswordLength {
		return store.Operator{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.Operator{}, fmt.Errorf("hash password: %w", err)
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}
	roles := make([]string, 0, len(req.Roles))
	for _, role := range req.Roles {
		roles = append(roles, string(rbac.Normalize(role)))
	}
	if len(roles) == 0 {
		roles = append(roles, string(rbac.RoleViewer))
	}

	operator := store.Operator{
		ID:           uuid.New(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Roles:        roles,
	}
	if err := s.store.CreateOperator(ctx, operator); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return store.Operator{}, ErrUsernameTaken
		}
		return store.Operator{}, err
	}
	return operator, nil
}

// SignInResponse contains sign-in result
type SignInResponse struct {
	Operator  store.Operator
	Token     string
	ExpiresAt time.Time
}

// SignIn verifies the password and issues a bearer token carrying the
// operator's roles.
func (s *Service) SignIn(ctx context.Context, username, password string) (*SignInResponse, error) {
	operator, err := s.authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}

	jti, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}
	expiresAt := s.now().Add(s.tokenTTL).UTC()
	token, err := auth.IssueToken(s.tokenSecret, auth.Claims{
		Sub:   operator.ID.String(),
		Name:  operator.DisplayName,
		Roles: operator.Roles,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	return &SignInResponse{Operator: operator, Token: token, ExpiresAt: expiresAt}, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, username, current, next string) error {
	if len(next) < minPasswordLength {
		return ErrWeakPassword
	}
	operator, err := s.authenticate(ctx, username, current)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateOperatorPassword(ctx, operator.ID, string(hash))
}

func (s *Service) authenticate(ctx context.Context, username, password string) (store.Operator, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.Operator{}, ErrMissingCredentials
	}

	operator, err := s.store.GetOperatorByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Operator{}, ErrInvalidCredentials
		}
		return store.Operator{}, err
	}
	if operator.IsDisabled {
		return store.Operator{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(operator.PasswordHash), []byte(password)); err != nil {
		return store.Operator{}, ErrInvalidCredentials
	}
	return operator, nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
