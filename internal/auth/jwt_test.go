package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	a := New("secreto-de-prueba")

	token, err := a.GenerateToken(42, "maria", "admin")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, claims.UserID)
	assert.Equal(t, "maria", claims.Username)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "telecrm", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	a := New("secreto-a")
	b := New("secreto-b")

	token, err := a.GenerateToken(1, "maria", "agent")
	require.NoError(t, err)

	_, err = b.ParseToken(token)
	assert.Error(t, err)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	a := New("secreto-de-prueba")

	claims := &Claims{
		UserID:   1,
		Username: "maria",
		Role:     "agent",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-25 * time.Hour)),
			Issuer:    "telecrm",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("secreto-de-prueba"))
	require.NoError(t, err)

	_, err = a.ParseToken(signed)
	assert.Error(t, err)
}

func TestMiddlewareAcceptsHeaderAndQueryParam(t *testing.T) {
	a := New("secreto-de-prueba")
	token, err := a.GenerateToken(7, "pedro", "agent")
	require.NoError(t, err)

	var gotUser string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := UserFromContext(r.Context())
		require.NoError(t, err)
		gotUser = claims.Username
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pedro", gotUser)

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsMissingOrBadToken(t *testing.T) {
	a := New("secreto-de-prueba")
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("el handler no debería ejecutarse")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer no-es-un-jwt")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	a := New("secreto-de-prueba")
	adminToken, err := a.GenerateToken(1, "root", "admin")
	require.NoError(t, err)
	agentToken, err := a.GenerateToken(2, "maria", "agent")
	require.NoError(t, err)

	handler := a.Middleware(RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/sip", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/sip", nil)
	req.Header.Set("Authorization", "Bearer "+agentToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("cambiame123")
	require.NoError(t, err)

	assert.NoError(t, VerifyPassword(hash, "cambiame123"))
	assert.Error(t, VerifyPassword(hash, "otra-clave"))
}
