package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(secret))
	r.GET("/me", func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, p)
	})
	return r
}

func TestAuthMiddleware_BearerHeader(t *testing.T) {
	token, err := SignAccessToken(secret, "dr-alice", "Dr. Alice", "physician", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer "+token)
	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"dr-alice","displayName":"Dr. Alice","role":"physician"}`, w.Body.String())
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	token, err := SignAccessToken(secret, "rn-bob", "", "nurse", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me?token="+token, nil)
	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	// 没有用户名时显示名回退为用户 ID
	assert.Contains(t, w.Body.String(), `"displayName":"rn-bob"`)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	expired, _ := SignAccessToken(secret, "dr-alice", "", "", -time.Minute)
	foreign, _ := SignAccessToken([]byte("other"), "dr-alice", "", "", time.Minute)
	refresh, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "dr-alice",
		Type:   "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(secret)
	anonymous, _ := SignAccessToken(secret, "", "", "", time.Minute)

	cases := map[string]string{
		"missing":   "",
		"garbage":   "Bearer not-a-token",
		"expired":   "Bearer " + expired,
		"signature": "Bearer " + foreign,
		"refresh":   "Bearer " + refresh,
		"subject":   "Bearer " + anonymous,
		"scheme":    "Basic abc",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			newRouter().ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "UNAUTHENTICATED")
		})
	}
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", extractBearer("Bearer abc"))
	assert.Equal(t, "abc", extractBearer("BEARER  abc "))
	assert.Equal(t, "", extractBearer("Bearer "))
	assert.Equal(t, "", extractBearer(""))
}
