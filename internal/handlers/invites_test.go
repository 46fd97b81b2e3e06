package handlers

import (
	"net/http"
	"testing"

	"github.com/relaypanel/backend/internal/models"
)

func TestInvites_AdminMintsRedeemableCode(t *testing.T) {
	env := setupTestEnv(t)
	_, adminToken := createTestUser(t, env, "admin@test.com", "password123", models.UserRoleAdmin)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/invites/", map[string]interface{}{
		"code":    "TEAM2026",
		"maxUses": 1,
	}, authHeaders(adminToken))
	assertStatus(t, resp, http.StatusCreated)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]interface{}{
		"email":      "joiner@test.com",
		"username":   "joiner",
		"password":   "password123",
		"inviteCode": "TEAM2026",
	}, nil)
	assertStatus(t, resp, http.StatusCreated)

	// The single slot is spent.
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]interface{}{
		"email":      "late@test.com",
		"username":   "latecomer",
		"password":   "password123",
		"inviteCode": "TEAM2026",
	}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = performRequest(t, env.app, http.MethodGet, "/api/invites/", nil, authHeaders(adminToken))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	entries := body["data"].([]interface{})
	if len(entries) != 1 {
		t.Fatalf("expected 1 invite code, got %d", len(entries))
	}
	entry := entries[0].(map[string]interface{})
	if int(entry["usedCount"].(float64)) != 1 {
		t.Fatalf("expected usedCount 1, got %v", entry["usedCount"])
	}
}

func TestInvites_GeneratesCodeWhenOmitted(t *testing.T) {
	env := setupTestEnv(t)
	_, adminToken := createTestUser(t, env, "admin2@test.com", "password123", models.UserRoleAdmin)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/invites/", map[string]interface{}{}, authHeaders(adminToken))
	assertStatus(t, resp, http.StatusCreated)

	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]interface{})
	if len(data["code"].(string)) != 16 {
		t.Fatalf("expected generated 16-char code, got %q", data["code"])
	}
}

func TestInvites_NonAdminForbidden(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env, "pleb@test.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/invites/", map[string]interface{}{
		"code": "NICETRY",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusForbidden)

	resp = performRequest(t, env.app, http.MethodGet, "/api/invites/", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusForbidden)

	resp = performRequest(t, env.app, http.MethodGet, "/api/invites/", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestInvites_DisableStopsRedemption(t *testing.T) {
	env := setupTestEnv(t)
	_, adminToken := createTestUser(t, env, "admin3@test.com", "password123", models.UserRoleAdmin)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/invites/", map[string]interface{}{
		"code": "SOONGONE",
	}, authHeaders(adminToken))
	assertStatus(t, resp, http.StatusCreated)

	body := decodeJSONMap(t, resp)
	inviteID := body["data"].(map[string]interface{})["id"].(string)

	resp = performJSONRequest(t, env.app, http.MethodPatch, "/api/invites/"+inviteID, map[string]interface{}{
		"disabled": true,
	}, authHeaders(adminToken))
	assertStatus(t, resp, http.StatusOK)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]interface{}{
		"email":      "blocked@test.com",
		"username":   "blocked",
		"password":   "password123",
		"inviteCode": "SOONGONE",
	}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}
