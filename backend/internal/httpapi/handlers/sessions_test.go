package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"encounterCollab/backend/internal/collab"
	"encounterCollab/backend/internal/httpapi/middleware"
	"encounterCollab/backend/internal/ws"
)

var secret = []byte("test-secret")

type memSink struct {
	mu    sync.Mutex
	saved map[string]uint64
	calls int
}

func (s *memSink) Save(_ context.Context, snap collab.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.saved == nil {
		s.saved = make(map[string]uint64)
	}
	s.saved[snap.ResourceID] = snap.Version
	return nil
}

func setup(t *testing.T, sink collab.FinalizationSink) (*gin.Engine, *collab.SessionRegistry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := ws.NewHub(nil)
	sessions := collab.NewSessionRegistry(collab.RegistryOptions{Publisher: hub})
	h := NewSessionHandler(sessions, hub, nil, sink, nil)

	r := gin.New()
	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware(secret))
	h.Register(g)
	return r, sessions
}

func do(t *testing.T, r *gin.Engine, method, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := middleware.SignAccessToken(secret, userID, userID, "physician", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func seed(t *testing.T, sessions *collab.SessionRegistry) {
	t.Helper()
	ctx := context.Background()
	_, err := sessions.StartOrJoin(ctx, "enc-1", collab.Principal{UserID: "dr-alice"}, collab.Document{"plan": {"note": "rest"}})
	require.NoError(t, err)
	_, err = sessions.ApplyOperation(ctx, "enc-1", collab.Caller{Principal: collab.Principal{UserID: "dr-alice"}},
		collab.Operation{Section: "plan", Field: "note", Value: "walk", BaseVersion: 1})
	require.NoError(t, err)
}

func TestGetState(t *testing.T) {
	r, sessions := setup(t, nil)
	seed(t, sessions)

	w := do(t, r, http.MethodGet, "/collab/sessions/enc-1", "dr-alice")
	require.Equal(t, http.StatusOK, w.Code)
	var snap collab.SessionSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, "walk", snap.Document["plan"]["note"])

	w = do(t, r, http.MethodGet, "/collab/sessions/enc-404", "dr-alice")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "UNKNOWN_RESOURCE")
}

func TestListSessions(t *testing.T) {
	r, sessions := setup(t, nil)
	seed(t, sessions)

	w := do(t, r, http.MethodGet, "/collab/sessions", "dr-alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[{"resourceId":"enc-1","connections":0}]}`, w.Body.String())
}

func TestGetHistory(t *testing.T) {
	r, sessions := setup(t, nil)
	seed(t, sessions)

	w := do(t, r, http.MethodGet, "/collab/sessions/enc-1/history", "dr-alice")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		History []collab.ChangeRecord `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.History, 1)
	assert.Equal(t, "rest", body.History[0].OldValue)
	assert.Equal(t, "walk", body.History[0].NewValue)
}

func TestGetPresenceFallsBackToSession(t *testing.T) {
	r, sessions := setup(t, nil)
	seed(t, sessions)

	w := do(t, r, http.MethodGet, "/collab/sessions/enc-1/presence", "rn-bob")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"userId":"dr-alice"`)
}

func TestFinalize(t *testing.T) {
	sink := &memSink{}
	r, sessions := setup(t, sink)
	seed(t, sessions)

	w := do(t, r, http.MethodPost, "/collab/sessions/enc-1/finalize", "dr-alice")
	require.Equal(t, http.StatusOK, w.Code)
	var res finalizeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	state, err := sessions.GetState(context.Background(), "enc-1", "")
	require.NoError(t, err)
	assert.Equal(t, finalizeResult{ResourceID: "enc-1", SessionID: state.SessionID, Version: 2}, res)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, uint64(2), sink.saved["enc-1"])

	// 重复定稿同一版本仍然成功
	w = do(t, r, http.MethodPost, "/collab/sessions/enc-1/finalize", "dr-alice")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, "/collab/sessions/enc-1/finalize", "rn-bob")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_PARTICIPANT")
	assert.Equal(t, 2, sink.calls)
}

func TestFinalizeWithoutSink(t *testing.T) {
	r, sessions := setup(t, nil)
	seed(t, sessions)

	w := do(t, r, http.MethodPost, "/collab/sessions/enc-1/finalize", "dr-alice")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRequiresAuthentication(t *testing.T) {
	r, _ := setup(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/collab/sessions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
