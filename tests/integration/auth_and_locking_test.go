package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sagebrookhealth/casevault/internal/auth"
	"github.com/sagebrookhealth/casevault/internal/database"
	"github.com/sagebrookhealth/casevault/internal/ident"
	"github.com/sagebrookhealth/casevault/internal/locks"
	"github.com/sagebrookhealth/casevault/internal/notifications"
	"github.com/sagebrookhealth/casevault/internal/records"
	"github.com/sagebrookhealth/casevault/internal/server"
	"go.uber.org/zap"
)

const (
	portalSigningSecret  = "integration-portal-secret"
	backendSigningSecret = "integration-backend-secret"
	portalIssuer         = "clinic-portal"
	counselorUserID      = "user-counselor-1"
	adminUserID          = "user-admin-1"
	jsonContentType      = "application/json"
)

func TestAuthAndLockingFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	path := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(path, nil)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	idProvider := ident.NewUUIDProvider()
	recordService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build record service: %v", err)
	}
	lockService, err := locks.NewService(locks.ServiceConfig{
		Database:   db,
		Records:    recordService,
		IDProvider: idProvider,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build lock service: %v", err)
	}
	recordService.SetGate(lockService)
	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build notification service: %v", err)
	}

	portalVerifier, err := auth.NewPortalVerifier(auth.PortalVerifierConfig{
		SigningSecret: []byte(portalSigningSecret),
		Issuer:        portalIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to construct portal verifier: %v", err)
	}
	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(backendSigningSecret),
		Issuer:        "casevault-auth",
		Audience:      "casevault-api",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		PortalVerifier: portalVerifier,
		TokenManager:   tokenManager,
		Records:        recordService,
		Locks:          lockService,
		Notifications:  notificationService,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	counselorAccess := exchangePortalToken(testContext, testServer.URL,
		mustMintPortalToken(testContext, counselorUserID, "Dana Reyes", "counselor"))
	adminAccess := exchangePortalToken(testContext, testServer.URL,
		mustMintPortalToken(testContext, adminUserID, "Morgan Wells", "admin"))

	// Counselor creates a record through the API.
	var created struct {
		RecordID string `json:"record_id"`
	}
	response := doJSON(testContext, http.MethodPost, testServer.URL+"/records", counselorAccess,
		map[string]any{"client_ref": "client-204", "summary": "intake session"})
	requireStatus(testContext, response, http.StatusCreated)
	decodeJSON(testContext, response, &created)
	recordID := created.RecordID

	// Admin takes the lock.
	lockURL := testServer.URL + "/records/" + recordID + "/lock"
	response = doJSON(testContext, http.MethodPost, lockURL, adminAccess, nil)
	requireStatus(testContext, response, http.StatusCreated)

	// The counselor can neither lock nor edit while the admin holds it.
	response = doJSON(testContext, http.MethodPost, lockURL, counselorAccess, nil)
	requireStatus(testContext, response, http.StatusLocked)
	var conflict struct {
		LockedBy struct {
			UserName string `json:"user_name"`
			UserRole string `json:"user_role"`
		} `json:"locked_by"`
		LockedAtSeconds int64 `json:"locked_at_s"`
	}
	decodeJSON(testContext, response, &conflict)
	if conflict.LockedBy.UserName != "Morgan Wells" || conflict.LockedBy.UserRole != "admin" {
		testContext.Fatalf("expected holder identity in 423 payload, got %+v", conflict.LockedBy)
	}
	if conflict.LockedAtSeconds == 0 {
		testContext.Fatalf("expected locked_at_s in 423 payload")
	}

	response = doJSON(testContext, http.MethodPut, testServer.URL+"/records/"+recordID, counselorAccess,
		map[string]any{"summary": "should be blocked"})
	requireStatus(testContext, response, http.StatusLocked)

	// The holder edits freely.
	response = doJSON(testContext, http.MethodPut, testServer.URL+"/records/"+recordID, adminAccess,
		map[string]any{"summary": "reviewed by supervisor"})
	requireStatus(testContext, response, http.StatusOK)

	// The creator was notified about the foreign lock.
	response = doJSON(testContext, http.MethodGet, testServer.URL+"/notifications?unread=true", counselorAccess, nil)
	requireStatus(testContext, response, http.StatusOK)
	var inbox struct {
		Notifications []struct {
			Kind     string `json:"kind"`
			RecordID string `json:"record_id"`
		} `json:"notifications"`
	}
	decodeJSON(testContext, response, &inbox)
	if len(inbox.Notifications) != 1 || inbox.Notifications[0].Kind != "record-locked" {
		testContext.Fatalf("expected a record-locked notification, got %+v", inbox.Notifications)
	}

	// Release, then the creator can take the lock and edit.
	response = doJSON(testContext, http.MethodDelete, lockURL, adminAccess, nil)
	requireStatus(testContext, response, http.StatusOK)

	response = doJSON(testContext, http.MethodPost, lockURL, counselorAccess, nil)
	requireStatus(testContext, response, http.StatusCreated)

	response = doJSON(testContext, http.MethodPut, testServer.URL+"/records/"+recordID, counselorAccess,
		map[string]any{"summary": "final summary"})
	requireStatus(testContext, response, http.StatusOK)

	// The full trail is visible, newest first.
	response = doJSON(testContext, http.MethodGet, testServer.URL+"/records/"+recordID+"/lock/history", counselorAccess, nil)
	requireStatus(testContext, response, http.StatusOK)
	var history struct {
		Entries []struct {
			Action string `json:"action"`
		} `json:"entries"`
	}
	decodeJSON(testContext, response, &history)
	expectedActions := []string{"LOCK", "UNLOCK", "EDIT_ATTEMPT_BLOCKED", "LOCK_ATTEMPT_BLOCKED", "LOCK"}
	if len(history.Entries) != len(expectedActions) {
		testContext.Fatalf("expected %d audit entries, got %d: %+v", len(expectedActions), len(history.Entries), history.Entries)
	}
	for index, expected := range expectedActions {
		if history.Entries[index].Action != expected {
			testContext.Fatalf("entry %d: expected %s, got %s", index, expected, history.Entries[index].Action)
		}
	}
}

func mustMintPortalToken(testContext *testing.T, userID, userName, userRole string) string {
	testContext.Helper()
	claims := auth.PortalClaims{
		UserID:    userID,
		UserName:  userName,
		UserRole:  userRole,
		UserEmail: userID + "@clinic.example",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    portalIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(portalSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign portal token: %v", err)
	}
	return signed
}

func exchangePortalToken(testContext *testing.T, baseURL, portalToken string) string {
	testContext.Helper()
	response := doJSON(testContext, http.MethodPost, baseURL+"/auth/session", "",
		map[string]any{"portal_token": portalToken})
	requireStatus(testContext, response, http.StatusOK)
	var session struct {
		AccessToken string `json:"access_token"`
	}
	decodeJSON(testContext, response, &session)
	if session.AccessToken == "" {
		testContext.Fatalf("expected access token from session exchange")
	}
	return session.AccessToken
}

func doJSON(testContext *testing.T, method, url, accessToken string, body any) *http.Response {
	testContext.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode request body: %v", err)
		}
		payload = encoded
	}
	request, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	return response
}

func requireStatus(testContext *testing.T, response *http.Response, expected int) {
	testContext.Helper()
	if response.StatusCode != expected {
		testContext.Fatalf("expected status %d, got %d", expected, response.StatusCode)
	}
}

func decodeJSON(testContext *testing.T, response *http.Response, target any) {
	testContext.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
}
