package authpw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/api/internal/auth"
	"folio/api/internal/store"
	"folio/api/internal/store/storetest"
)

const secret = "operator-secret"

func newService(t *testing.T) (*Service, *storetest.Memory) {
	t.Helper()
	mem := storetest.NewMemory()
	svc := NewService(mem, secret, time.Hour)
	svc.now = func() time.Time { return time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC) }
	return svc, mem
}

func TestCreateOperatorHashesPasswordAndNormalizesRoles(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()

	operator, err := svc.CreateOperator(ctx, CreateOperatorRequest{
		Username: "  ana ",
		Password: "correct horse",
		Roles:    []string{"Editor", "janitor"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ana", operator.Username)
	assert.Equal(t, "ana", operator.DisplayName)
	assert.Equal(t, []string{"editor", "viewer"}, operator.Roles)
	assert.NotEqual(t, "correct horse", operator.PasswordHash)

	stored, err := mem.GetOperatorByUsername(ctx, "ANA")
	require.NoError(t, err)
	assert.Equal(t, operator.ID, stored.ID)
}

func TestCreateOperatorDefaultsToViewer(t *testing.T) {
	svc, _ := newService(t)
	operator, err := svc.CreateOperator(context.Background(), CreateOperatorRequest{Username: "ben", Password: "password1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer"}, operator.Roles)
}

func TestCreateOperatorValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateOperator(ctx, CreateOperatorRequest{Username: "", Password: "password1"})
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = svc.CreateOperator(ctx, CreateOperatorRequest{Username: "ana", Password: "short"})
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = svc.CreateOperator(ctx, CreateOperatorRequest{Username: "ana", Password: "password1"})
	require.NoError(t, err)
	_, err = svc.CreateOperator(ctx, CreateOperatorRequest{Username: "Ana", Password: "password2"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestSignInIssuesTokenWithRoles(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	operator, err := svc.CreateOperator(ctx, CreateOperatorRequest{
		Username:    "ana",
		DisplayName: "Ana Editor",
		Password:    "password1",
		Roles:       []string{"editor"},
	})
	require.NoError(t, err)

	resp, err := svc.SignIn(ctx, "ana", "password1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 2, 4, 4, 5, 0, time.UTC), resp.ExpiresAt)

	claims, err := auth.ParseToken([]byte(secret), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, operator.ID.String(), claims.Sub)
	assert.Equal(t, "Ana Editor", claims.Name)
	assert.Equal(t, []string{"editor"}, claims.Roles)
	assert.NotEmpty(t, claims.JTI)
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	_, err := svc.CreateOperator(ctx, CreateOperatorRequest{Username: "ana", Password: "password1"})
	require.NoError(t, err)

	_, err = svc.SignIn(ctx, "ana", "password2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SignIn(ctx, "nobody", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SignIn(ctx, "ana", "")
	assert.ErrorIs(t, err, ErrMissingCredentials)

	require.NoError(t, mem.CreateOperator(ctx, store.Operator{Username: "gone", PasswordHash: "x", IsDisabled: true}))
	_, err = svc.SignIn(ctx, "gone", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePassword(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.CreateOperator(ctx, CreateOperatorRequest{Username: "ana", Password: "password1"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ChangePassword(ctx, "ana", "password1", "short"), ErrWeakPassword)
	assert.ErrorIs(t, svc.ChangePassword(ctx, "ana", "wrong-one", "password2"), ErrInvalidCredentials)
	require.NoError(t, svc.ChangePassword(ctx, "ana", "password1", "password2"))

	_, err = svc.SignIn(ctx, "ana", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, "ana", "password2")
	require.NoError(t, err)
}
