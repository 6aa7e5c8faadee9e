package services

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence-backend/internal/middleware"
	"presence-backend/internal/models"
)

type stubUsers struct {
	user *models.User
	err  error
}

func (s stubUsers) GetByID(context.Context, uuid.UUID) (*models.User, error) {
	return s.user, s.err
}

func TestTokenAuthenticator(t *testing.T) {
	t.Parallel()

	jwtAuth := middleware.NewJWTAuth("test-secret")
	userID, sessionID := uuid.New(), uuid.New()
	token, err := jwtAuth.GenerateAccessToken(userID, sessionID)
	require.NoError(t, err)

	foreign, err := middleware.NewJWTAuth("other-secret").GenerateAccessToken(userID, sessionID)
	require.NoError(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.AccessClaims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(t0),
		},
	}).SignedString(jwtAuth.Secret)
	require.NoError(t, err)

	tests := []struct {
		name       string
		users      userLookup
		credential string
		check      func(t *testing.T, id *Identity, err error)
	}{
		{
			name:       "valid token without user lookup",
			credential: token,
			check: func(t *testing.T, id *Identity, err error) {
				require.NoError(t, err)
				assert.Equal(t, userID, id.UserID)
				assert.Equal(t, sessionID, id.SessionID)
				assert.True(t, id.IsActive)
			},
		},
		{
			name:       "missing credential",
			credential: "",
			check: func(t *testing.T, _ *Identity, err error) {
				var unauthorized *UnauthorizedError
				require.ErrorAs(t, err, &unauthorized)
			},
		},
		{
			name:       "wrong signing key",
			credential: foreign,
			check: func(t *testing.T, _ *Identity, err error) {
				var unauthorized *UnauthorizedError
				require.ErrorAs(t, err, &unauthorized)
				assert.Equal(t, "Invalid token", unauthorized.Message)
			},
		},
		{
			name:       "expired token",
			credential: expired,
			check: func(t *testing.T, _ *Identity, err error) {
				var unauthorized *UnauthorizedError
				require.ErrorAs(t, err, &unauthorized)
				assert.Equal(t, "Token has expired", unauthorized.Message)
			},
		},
		{
			name:       "unknown user",
			users:      stubUsers{err: pgx.ErrNoRows},
			credential: token,
			check: func(t *testing.T, _ *Identity, err error) {
				var unauthorized *UnauthorizedError
				require.ErrorAs(t, err, &unauthorized)
			},
		},
		{
			name:       "deactivated user",
			users:      stubUsers{user: &models.User{ID: userID, IsActive: false}},
			credential: token,
			check: func(t *testing.T, _ *Identity, err error) {
				var forbidden *ForbiddenError
				require.ErrorAs(t, err, &forbidden)
			},
		},
		{
			name:       "user lookup fails",
			users:      stubUsers{err: errors.New("connection reset")},
			credential: token,
			check: func(t *testing.T, _ *Identity, err error) {
				var unavailable *StoreUnavailableError
				require.ErrorAs(t, err, &unavailable)
			},
		},
		{
			name:       "active user",
			users:      stubUsers{user: &models.User{ID: userID, IsActive: true}},
			credential: token,
			check: func(t *testing.T, id *Identity, err error) {
				require.NoError(t, err)
				assert.Equal(t, userID, id.UserID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewTokenAuthenticator(jwtAuth, tt.users)
			id, err := a.Authenticate(context.Background(), tt.credential)
			tt.check(t, id, err)
		})
	}
}
