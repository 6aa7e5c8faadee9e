package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"presence-backend/internal/middleware"
	"presence-backend/internal/models"
)

// Identity is an authenticated caller as the session engine sees it. A nil
// SessionID means the credential did not name a login session.
type Identity struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	IsActive  bool
}

// Authenticator resolves a bearer credential into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Identity, error)
}

type userLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TokenAuthenticator verifies access tokens and, when a user lookup is
// configured, refuses deactivated accounts.
type TokenAuthenticator struct {
	jwt   *middleware.JWTAuth
	users userLookup
}

// NewTokenAuthenticator builds an Authenticator. users may be nil, in which
// case every validly signed token is treated as an active account.
func NewTokenAuthenticator(jwt *middleware.JWTAuth, users userLookup) *TokenAuthenticator {
	return &TokenAuthenticator{jwt: jwt, users: users}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, &UnauthorizedError{Message: "Missing token"}
	}

	p, err := a.jwt.ParseToken(credential)
	if err != nil {
		if errors.Is(err, middleware.ErrTokenExpired) {
			return nil, &UnauthorizedError{Message: "Token has expired"}
		}
		return nil, &UnauthorizedError{Message: "Invalid token"}
	}

	id := &Identity{UserID: p.UserID, SessionID: p.SessionID, IsActive: true}
	if a.users == nil {
		return id, nil
	}

	user, err := a.users.GetByID(ctx, p.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &UnauthorizedError{Message: "Unknown user"}
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	if !user.IsActive {
		return nil, &ForbiddenError{Message: "Account is deactivated"}
	}
	return id, nil
}
