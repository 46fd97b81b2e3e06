package services

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/utils"
)

const sessionKeyPrefix = "session:"

// ErrSessionRevoked covers both logout and natural mirror expiry. A token
// whose signature still verifies is dead the moment its mirror is gone.
var ErrSessionRevoked = errors.New("session revoked or expired")

// SessionSnapshot is the projection written to the mirror at issue time.
// The middleware still reloads the user row per request; the snapshot exists
// so revocation checks and logout never need the database.
type SessionSnapshot struct {
	UserID   uuid.UUID       `json:"userID"`
	Email    string          `json:"email"`
	Username string          `json:"username"`
	Role     models.UserRole `json:"role"`
	Remember bool            `json:"remember"`
}

// SessionService issues JWT session tokens and maintains the server-side
// mirror keyed by jti. A session is valid only while both halves agree: the
// signature must verify and the mirror must still exist.
type SessionService struct {
	Store store.Store
}

func NewSessionService(st store.Store) *SessionService {
	return &SessionService{Store: st}
}

func (s *SessionService) Issue(ctx context.Context, user *models.User, remember bool) (string, error) {
	token, jti, err := utils.GenerateSessionToken(user, remember)
	if err != nil {
		return "", err
	}

	snapshot := SessionSnapshot{
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
		Role:     user.Role,
		Remember: remember,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}

	// Mirror TTL matches the token expiry, so an unrevoked session dies on
	// both sides at the same moment.
	if err := s.Store.Set(ctx, sessionKeyPrefix+jti, data, utils.SessionLifetime(remember)); err != nil {
		return "", err
	}

	return token, nil
}

// Validate checks the token signature, then requires the mirror entry. A
// structurally valid token with no mirror is treated as revoked.
func (s *SessionService) Validate(ctx context.Context, token string) (*utils.SessionClaims, *SessionSnapshot, error) {
	claims, err := utils.ValidateSessionToken(token)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.Store.Get(ctx, sessionKeyPrefix+claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrSessionRevoked
		}
		return nil, nil, err
	}

	var snapshot SessionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, nil, err
	}

	return claims, &snapshot, nil
}

// Revoke deletes the mirror. The JWT itself is untouched; it simply stops
// passing Validate. Revoking an unknown or already-revoked token is a no-op.
func (s *SessionService) Revoke(ctx context.Context, token string) error {
	claims, err := utils.ValidateSessionToken(token)
	if err != nil {
		return nil
	}
	return s.Store.Delete(ctx, sessionKeyPrefix+claims.ID)
}
