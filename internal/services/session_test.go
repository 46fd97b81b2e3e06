package services

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/utils"
)

func setupSessionService(t *testing.T) *SessionService {
	t.Helper()
	initServiceTests()

	mem := store.NewMemoryStore()
	t.Cleanup(mem.Close)
	return NewSessionService(mem)
}

func sessionTestUser() *models.User {
	user := &models.User{
		Email:    "session@test.com",
		Username: "session",
		Role:     models.UserRoleUser,
	}
	user.ID = uuid.New()
	return user
}

func TestSessionService_IssueAndValidate(t *testing.T) {
	svc := setupSessionService(t)
	user := sessionTestUser()

	token, err := svc.Issue(t.Context(), user, false)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, snapshot, err := svc.Validate(t.Context(), token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.UserID != user.ID {
		t.Fatalf("expected claims for %s, got %s", user.ID, claims.UserID)
	}
	if snapshot.Email != user.Email || snapshot.Username != user.Username {
		t.Fatalf("snapshot mismatch: %+v", snapshot)
	}
	if snapshot.Remember {
		t.Fatal("expected short-lived session")
	}
}

func TestSessionService_RememberExtendsLifetime(t *testing.T) {
	svc := setupSessionService(t)
	user := sessionTestUser()

	token, err := svc.Issue(t.Context(), user, true)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, snapshot, err := svc.Validate(t.Context(), token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !snapshot.Remember {
		t.Fatal("expected remember flag in snapshot")
	}
	if until := time.Until(claims.ExpiresAt.Time); until < 6*24*time.Hour {
		t.Fatalf("expected ~7 day expiry, got %v", until)
	}
}

func TestSessionService_RevokeKillsValidToken(t *testing.T) {
	svc := setupSessionService(t)
	user := sessionTestUser()

	token, err := svc.Issue(t.Context(), user, false)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if err := svc.Revoke(t.Context(), token); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	if _, _, err := svc.Validate(t.Context(), token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestSessionService_RevokeGarbageIsNoop(t *testing.T) {
	svc := setupSessionService(t)

	if err := svc.Revoke(t.Context(), "not-a-jwt"); err != nil {
		t.Fatalf("expected nil for garbage token, got %v", err)
	}
}

func TestSessionService_ForgedTokenFails(t *testing.T) {
	svc := setupSessionService(t)
	user := sessionTestUser()

	token, err := svc.Issue(t.Context(), user, false)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, _, err := svc.Validate(t.Context(), tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestSessionService_MissingMirrorMeansRevoked(t *testing.T) {
	svc := setupSessionService(t)
	user := sessionTestUser()

	token, err := svc.Issue(t.Context(), user, false)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, err := utils.ValidateSessionToken(token)
	if err != nil {
		t.Fatalf("unexpected parse failure: %v", err)
	}
	if err := svc.Store.Delete(t.Context(), "session:"+claims.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, _, err := svc.Validate(t.Context(), token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}
