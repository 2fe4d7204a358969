package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"identity-hub/backend/internal/identity"
	"identity-hub/backend/internal/local"
	"identity-hub/backend/internal/memstore"
	"identity-hub/backend/internal/personalization"
	"identity-hub/backend/internal/reconcile"
	"identity-hub/backend/internal/session"
	apperrors "identity-hub/backend/pkg/errors"
	"go.uber.org/zap"
)

type testServer struct {
	router *gin.Engine
	store  *memstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	log := zap.NewNop()
	usernames := personalization.NewService(store, store, log)
	h := NewHandler(
		local.NewService(store, local.Config{BcryptCost: bcrypt.MinCost, DefaultRole: "user"}, log),
		reconcile.NewEngine(store, usernames, reconcile.Config{DefaultRole: "user"}, log),
		session.NewResolver(store, log),
		usernames,
		store,
		Options{},
		log,
	)
	return &testServer{router: h.Router(), store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/auth/local/register", gin.H{"email": "A@x.com", "password": "pw1"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	registered := decode(t, w)
	assert.NotEmpty(t, registered["apiKey"])
	assert.Equal(t, "a@x.com", registered["local"].(map[string]interface{})["email"])
	assert.NotContains(t, w.Body.String(), "$2a$")

	w = s.do(t, http.MethodPost, "/api/auth/local/login", gin.H{"email": "a@x.com", "password": "pw1"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, registered["apiKey"], body["apiKey"])
	assert.Equal(t, registered["id"], body["id"])
	assert.Contains(t, body, "error")
	assert.Nil(t, body["error"])
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/auth/local/register", gin.H{"email": "a@x.com", "password": "pw1"}, "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/local/register", gin.H{"email": "a@x.com", "password": "other"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "email already in use", decode(t, w)["error"])
}

func TestLoginFailures(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/auth/local/register", gin.H{"email": "a@x.com", "password": "pw1"}, "")

	tests := []struct {
		name   string
		body   gin.H
		status int
	}{
		{"wrong password", gin.H{"email": "a@x.com", "password": "nope"}, http.StatusUnauthorized},
		{"unknown email", gin.H{"email": "b@x.com", "password": "pw1"}, http.StatusNotFound},
		{"missing password", gin.H{"email": "a@x.com"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/auth/local/login", tt.body, "")
			assert.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			assert.Contains(t, body, "apiKey")
			assert.Nil(t, body["apiKey"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestConnectFlow(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/auth/local/register", gin.H{"email": "a@x.com", "password": "pw1"}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	u1 := decode(t, w)

	// merge onto the logged-in account
	w = s.do(t, http.MethodPost, "/api/auth/facebook/connect", gin.H{
		"profile": gin.H{"id": "fb1", "displayName": "A"},
		"user":    gin.H{"id": u1["id"], "apiKey": u1["apiKey"]},
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	merged := decode(t, w)
	assert.Equal(t, u1["id"], merged["id"])
	assert.Equal(t, u1["apiKey"], merged["apiKey"])
	assert.Equal(t, "fb1", merged["facebook"].(map[string]interface{})["id"])

	// reconnect without a ticket
	w = s.do(t, http.MethodPost, "/api/auth/facebook/connect", gin.H{"profile": gin.H{"id": "fb1"}}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, u1["id"], decode(t, w)["id"])

	// new provider, no ticket
	w = s.do(t, http.MethodPost, "/api/auth/google/connect", gin.H{"profile": gin.H{"sub": "g1"}}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	assert.NotEqual(t, u1["id"], created["id"])

	// google g1 is now bound elsewhere
	w = s.do(t, http.MethodPost, "/api/auth/google/connect", gin.H{
		"profile": gin.H{"sub": "g1"},
		"user":    gin.H{"id": u1["id"]},
	}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NotEmpty(t, decode(t, w)["error"])

	// the username was seeded from the facebook display name
	w = s.do(t, http.MethodGet, "/api/user/me", nil, u1["apiKey"].(string))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "A", decode(t, w)["username"])
}

func TestConnectRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/auth/myspace/connect", gin.H{"profile": gin.H{"id": "1"}}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/google/connect", gin.H{"profile": gin.H{"name": "no id"}}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/google/connect", gin.H{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserRoutesRequireAPIKey(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/user/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Unauthenticated", decode(t, w)["error"])

	w = s.do(t, http.MethodGet, "/api/user/me", nil, "not-a-key")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyFromQuery(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/auth/local/register", gin.H{"email": "a@x.com", "password": "pw1"}, "")
	key := decode(t, w)["apiKey"].(string)

	w = s.do(t, http.MethodGet, "/api/user/me?apikey="+key, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChangeUsername(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/auth/local/register", gin.H{"email": "a@x.com", "password": "pw1"}, "")
	key := decode(t, w)["apiKey"].(string)

	w = s.do(t, http.MethodPut, "/api/user/username", gin.H{"username": " Ann "}, key)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ann", decode(t, w)["username"])

	w = s.do(t, http.MethodGet, "/api/user/me", nil, key)
	assert.Equal(t, "Ann", decode(t, w)["username"])

	w = s.do(t, http.MethodPut, "/api/user/username", gin.H{}, key)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.store.CreateUser(ctx, &identity.UserRecord{ID: "root", APIKey: "admin-key", Role: "admin", CreationDate: time.Unix(0, 0)})
	require.NoError(t, err)
	_, err = s.store.CreateUser(ctx, &identity.UserRecord{ID: "U1", APIKey: "user-key", Role: "user", CreationDate: time.Unix(1, 0)})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/admin/users", nil, "user-key")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/admin/users", nil, "admin-key")
	require.Equal(t, http.StatusOK, w.Code)
	var users []identity.UserRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	require.Len(t, users, 2)
	assert.Equal(t, "root", users[0].ID)

	w = s.do(t, http.MethodDelete, "/api/admin/users/U1", nil, "admin-key")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodDelete, "/api/admin/users/U1", nil, "admin-key")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{apperrors.NewValidation("email"), http.StatusBadRequest},
		{apperrors.NewNotFound("account", "x"), http.StatusNotFound},
		{apperrors.ErrUnauthenticated, http.StatusUnauthorized},
		{apperrors.NewForbidden("admin"), http.StatusForbidden},
		{apperrors.NewConflict("taken"), http.StatusConflict},
		{apperrors.NewInconsistency("stale"), http.StatusConflict},
		{apperrors.NewTimeout("GetByID", time.Second, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{apperrors.NewStoreQueryFailed("GetByID", assert.AnError), http.StatusInternalServerError},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, statusOf(tt.err), tt.err.Error())
	}
}

func TestBadRequestsNameTheField(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/auth/local/register", gin.H{"email": "a@x.com", "password": "pw1"}, "")
	key := decode(t, w)["apiKey"].(string)

	tests := []struct {
		name    string
		method  string
		path    string
		body    interface{}
		wantMsg string
	}{
		{"register without password", http.MethodPost, "/api/auth/local/register", gin.H{"email": "b@x.com"}, "password is required"},
		{"register without email", http.MethodPost, "/api/auth/local/register", gin.H{"password": "pw"}, "email is required"},
		{"register with malformed body", http.MethodPost, "/api/auth/local/register", "not an object", "request body is required"},
		{"login without password", http.MethodPost, "/api/auth/local/login", gin.H{"email": "a@x.com"}, "password is required"},
		{"connect without profile", http.MethodPost, "/api/auth/google/connect", gin.H{}, "profile is required"},
		{"connect profile without id", http.MethodPost, "/api/auth/google/connect", gin.H{"profile": gin.H{"name": "no id"}}, "google profile id is required"},
		{"connect profile not an object", http.MethodPost, "/api/auth/facebook/connect", gin.H{"profile": []string{"x"}}, "facebook profile id is required"},
		{"username missing", http.MethodPut, "/api/user/username", gin.H{}, "username is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body, key)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			msg, _ := decode(t, w)["error"].(string)
			assert.Equal(t, tt.wantMsg, msg)
			assert.NotContains(t, msg, "Key:")
			assert.NotContains(t, msg, "Request")
			assert.NotContains(t, msg, "json")
		})
	}
}

func TestBindError(t *testing.T) {
	type req struct {
		DisplayName string `binding:"required"`
	}
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{}`))
	c.Request.Header.Set("Content-Type", "application/json")

	var r req
	err := bindError(c.ShouldBindJSON(&r), "body")
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
	assert.Equal(t, "displayName is required", apperrors.MessageOf(err))

	err = bindError(assert.AnError, "body")
	assert.Equal(t, "body is required", apperrors.MessageOf(err))
}
