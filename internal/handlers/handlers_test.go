package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mpetrov/chatline/internal/broker"
	"github.com/mpetrov/chatline/internal/config"
	"github.com/mpetrov/chatline/internal/models"
	"github.com/mpetrov/chatline/internal/push"
	"github.com/mpetrov/chatline/internal/store"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := slog.Default()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := &config.Config{JWTSecret: "test-secret"}
	sender := push.NewSender(st, push.VAPIDKeys{}, log)
	h := New(cfg, st, broker.NewHub(), sender, nil, log)
	return h.Router()
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func registerUser(t *testing.T, router *gin.Engine, username string) (token, id string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/register", "", map[string]string{
		"username": username,
		"password": "hunter2hunter2",
		"name":     username,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", username, w.Code, w.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp.Token, resp.User.ID
}

func createCallBody(callID, receiverID string) map[string]any {
	return map[string]any{
		"call_id":         callID,
		"conversation_id": "conv-1",
		"receiver_id":     receiverID,
		"offer":           json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
}

func TestRegisterLoginMe(t *testing.T) {
	router := newTestRouter(t)
	token, id := registerUser(t, router, "alice")

	w := doJSON(t, router, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: status %d", w.Code)
	}
	var me models.User
	json.Unmarshal(w.Body.Bytes(), &me)
	if me.ID != id || me.Username != "alice" {
		t.Fatalf("unexpected user %+v", me)
	}

	w = doJSON(t, router, http.MethodPost, "/api/login", "", map[string]string{
		"username": "alice", "password": "hunter2hunter2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/login", "", map[string]string{
		"username": "alice", "password": "wrong-password",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d", w.Code)
	}

	if w := doJSON(t, router, http.MethodPost, "/api/register", "", map[string]string{
		"username": "alice", "password": "hunter2hunter2", "name": "Other Alice",
	}); w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: status %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t)
	if w := doJSON(t, router, http.MethodGet, "/api/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/api/me", "garbage-token", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
}

func TestCallLifecycle(t *testing.T) {
	router := newTestRouter(t)
	aliceToken, _ := registerUser(t, router, "alice")
	bobToken, bobID := registerUser(t, router, "bob")
	carolToken, _ := registerUser(t, router, "carol")

	w := doJSON(t, router, http.MethodPost, "/api/calls", aliceToken, createCallBody("c1", bobID))
	if w.Code != http.StatusCreated {
		t.Fatalf("create call: status %d body %s", w.Code, w.Body.String())
	}

	// Alice is busy: a second live call conflicts.
	if w := doJSON(t, router, http.MethodPost, "/api/calls", aliceToken, createCallBody("c2", bobID)); w.Code != http.StatusConflict {
		t.Fatalf("second call: status %d", w.Code)
	}

	// Only participants can see the record.
	if w := doJSON(t, router, http.MethodGet, "/api/calls/c1", carolToken, nil); w.Code != http.StatusForbidden {
		t.Fatalf("outsider get: status %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/api/calls/c1", bobToken, nil); w.Code != http.StatusOK {
		t.Fatalf("participant get: status %d", w.Code)
	}

	// Only the receiver may answer.
	answer := map[string]any{"answer": json.RawMessage(`{"type":"answer","sdp":"v=0"}`)}
	if w := doJSON(t, router, http.MethodPost, "/api/calls/c1/answer", aliceToken, answer); w.Code != http.StatusForbidden {
		t.Fatalf("initiator answer: status %d", w.Code)
	}
	w = doJSON(t, router, http.MethodPost, "/api/calls/c1/answer", bobToken, answer)
	if w.Code != http.StatusOK {
		t.Fatalf("answer: status %d body %s", w.Code, w.Body.String())
	}
	var rec models.CallRecord
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Status != models.CallStatusActive {
		t.Fatalf("expected active, got %s", rec.Status)
	}

	// Answering twice conflicts.
	if w := doJSON(t, router, http.MethodPost, "/api/calls/c1/answer", bobToken, answer); w.Code != http.StatusConflict {
		t.Fatalf("double answer: status %d", w.Code)
	}

	// Either side can close; the duplicate close-out is absorbed.
	end := map[string]any{"reason": "ended"}
	if w := doJSON(t, router, http.MethodPost, "/api/calls/c1/status", aliceToken, end); w.Code != http.StatusOK {
		t.Fatalf("end: status %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/api/calls/c1/status", bobToken, end); w.Code != http.StatusOK {
		t.Fatalf("duplicate end: status %d", w.Code)
	}

	// Participants are free again.
	if w := doJSON(t, router, http.MethodPost, "/api/calls", aliceToken, createCallBody("c3", bobID)); w.Code != http.StatusCreated {
		t.Fatalf("new call after close: status %d", w.Code)
	}
}

func TestCreateCallValidation(t *testing.T) {
	router := newTestRouter(t)
	aliceToken, aliceID := registerUser(t, router, "alice")

	if w := doJSON(t, router, http.MethodPost, "/api/calls", aliceToken, createCallBody("c1", aliceID)); w.Code != http.StatusBadRequest {
		t.Fatalf("self call: status %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/api/calls", aliceToken, createCallBody("c1", "ghost")); w.Code != http.StatusNotFound {
		t.Fatalf("unknown receiver: status %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/api/calls", aliceToken, map[string]any{
		"call_id": "c1",
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: status %d", w.Code)
	}

	if w := doJSON(t, router, http.MethodGet, "/api/calls/missing", aliceToken, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing call: status %d", w.Code)
	}
}

func TestUnknownEndReasonRejected(t *testing.T) {
	router := newTestRouter(t)
	aliceToken, _ := registerUser(t, router, "alice")
	_, bobID := registerUser(t, router, "bob")

	if w := doJSON(t, router, http.MethodPost, "/api/calls", aliceToken, createCallBody("c1", bobID)); w.Code != http.StatusCreated {
		t.Fatalf("create call: status %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/api/calls/c1/status", aliceToken, map[string]any{
		"reason": "vanished",
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus reason: status %d", w.Code)
	}
}

func TestListUsersExcludesSelf(t *testing.T) {
	router := newTestRouter(t)
	aliceToken, _ := registerUser(t, router, "alice")
	for i := 0; i < 3; i++ {
		registerUser(t, router, fmt.Sprintf("user%d", i))
	}

	w := doJSON(t, router, http.MethodGet, "/api/users", aliceToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list users: status %d", w.Code)
	}
	var resp struct {
		Users []models.User `json:"users"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(resp.Users))
	}
	for _, u := range resp.Users {
		if u.Username == "alice" {
			t.Fatalf("requester must be excluded")
		}
	}
}
