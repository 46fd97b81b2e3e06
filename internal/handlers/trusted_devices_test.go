package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/services"
)

func TestTrustedDevices_List(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env, "devlist@test.com", "password123", models.UserRoleUser)
	other, _ := createTestUser(t, env, "devother@test.com", "password123", models.UserRoleUser)

	if _, _, err := env.devices.Issue(user, "Laptop", "test-agent"); err != nil {
		t.Fatalf("failed issuing device: %v", err)
	}
	if _, _, err := env.devices.Issue(other, "NotMine", "test-agent"); err != nil {
		t.Fatalf("failed issuing device: %v", err)
	}

	resp := performRequest(t, env.app, http.MethodGet, "/api/trusted-devices/", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	devices := body["data"].([]interface{})
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	device := devices[0].(map[string]interface{})
	if device["name"].(string) != "Laptop" {
		t.Fatalf("expected Laptop, got %q", device["name"])
	}
	if _, leaked := device["tokenHash"]; leaked {
		t.Fatal("token hash must not be serialized")
	}
}

func TestTrustedDevices_Revoke(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env, "devrevoke@test.com", "password123", models.UserRoleUser)

	raw, device, err := env.devices.Issue(user, "Laptop", "test-agent")
	if err != nil {
		t.Fatalf("failed issuing device: %v", err)
	}

	resp := performRequest(t, env.app, http.MethodDelete, "/api/trusted-devices/"+device.ID.String(), nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	ok, err := env.devices.Validate(user.ID, raw)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if ok {
		t.Fatal("revoked device must not validate")
	}
}

func TestTrustedDevices_Revoke_OtherUsersDevice(t *testing.T) {
	env := setupTestEnv(t)
	owner, _ := createTestUser(t, env, "devowner@test.com", "password123", models.UserRoleUser)
	_, token := createTestUser(t, env, "devthief@test.com", "password123", models.UserRoleUser)

	_, device, err := env.devices.Issue(owner, "Victim", "test-agent")
	if err != nil {
		t.Fatalf("failed issuing device: %v", err)
	}

	resp := performRequest(t, env.app, http.MethodDelete, "/api/trusted-devices/"+device.ID.String(), nil, authHeaders(token))
	assertStatus(t, resp, http.StatusNotFound)
}

func TestTrustedDevices_RevokeAll(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env, "devall@test.com", "password123", models.UserRoleUser)

	env.devices.Issue(user, "One", "test-agent")
	env.devices.Issue(user, "Two", "test-agent")

	resp := performRequest(t, env.app, http.MethodDelete, "/api/trusted-devices/", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	var count int64
	env.db.Model(&models.TrustedDevice{}).Where("user_id = ?", user.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected all devices revoked, found %d", count)
	}
}

func TestTrustedDevices_ExpiredTokenDoesNotValidate(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env, "devexpired@test.com", "password123", models.UserRoleUser)

	raw, device, err := env.devices.Issue(user, "Stale", "test-agent")
	if err != nil {
		t.Fatalf("failed issuing device: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	env.db.Model(device).Update("expires_at", past)

	ok, err := env.devices.Validate(user.ID, raw)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if ok {
		t.Fatal("expired trust token must not validate")
	}
}

func TestTrustedDevices_ValidateRefreshesLastUsed(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env, "devused@test.com", "password123", models.UserRoleUser)

	raw, device, err := env.devices.Issue(user, "Tracked", "test-agent")
	if err != nil {
		t.Fatalf("failed issuing device: %v", err)
	}
	originalExpiry := device.ExpiresAt

	ok, err := env.devices.Validate(user.ID, raw)
	if err != nil || !ok {
		t.Fatalf("expected valid device, ok=%v err=%v", ok, err)
	}

	var updated models.TrustedDevice
	env.db.First(&updated, "id = ?", device.ID)
	if updated.LastUsedAt == nil {
		t.Fatal("expected last_used_at to be set")
	}
	// Use never extends the trust window.
	if updated.ExpiresAt.Sub(originalExpiry) > time.Second {
		t.Fatalf("expiry must not move: was %v, now %v", originalExpiry, updated.ExpiresAt)
	}

	if services.TrustedDeviceTTL != 30*24*time.Hour {
		t.Fatalf("unexpected trust window: %v", services.TrustedDeviceTTL)
	}
}
