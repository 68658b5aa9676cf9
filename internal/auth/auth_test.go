package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-minimum-256-bits-long-for-hs256"

func createTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newTestClient(t *testing.T, cfg *Config) *JWTAuthClient {
	t.Helper()
	if cfg == nil {
		cfg = &Config{JWTSecret: testSecret}
	}
	client, err := NewJWTAuthClient(context.Background(), cfg)
	require.NoError(t, err)
	return client
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"secret", Config{JWTSecret: testSecret}, false},
		{"jwks", Config{JWKSURL: "https://example.com/jwks.json"}, false},
		{"nothing", Config{}, true},
		{"short secret", Config{JWTSecret: "short"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	client := newTestClient(t, &Config{JWTSecret: testSecret, Issuer: "seo-pagegen"})
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name      string
		token     string
		wantValid bool
	}{
		{"valid", createTestToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "email": "a@b.c", "role": "admin", "iss": "seo-pagegen", "exp": future}), true},
		{"expired", createTestToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "iss": "seo-pagegen", "exp": time.Now().Add(-time.Hour).Unix()}), false},
		{"wrong secret", createTestToken(t, "another-secret-that-is-long-enough-for-hs256", jwt.MapClaims{"sub": "user-1", "iss": "seo-pagegen", "exp": future}), false},
		{"wrong issuer", createTestToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "iss": "someone-else", "exp": future}), false},
		{"no expiry", createTestToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "iss": "seo-pagegen"}), false},
		{"no subject", createTestToken(t, testSecret, jwt.MapClaims{"iss": "seo-pagegen", "exp": future}), false},
		{"not yet valid", createTestToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "iss": "seo-pagegen", "exp": future, "nbf": future}), false},
		{"malformed", "invalid.token.format", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := client.ValidateToken(context.Background(), tt.token)
			if !tt.wantValid {
				assert.Error(t, err)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.UserID)
			assert.Equal(t, "a@b.c", claims.Email)
			assert.True(t, claims.IsAdmin())
		})
	}
}

func TestValidateTokenRejectsAsymmetricWithoutJWKS(t *testing.T) {
	client := newTestClient(t, nil)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = client.ValidateToken(context.Background(), signed)
	assert.Error(t, err)
}

func TestValidateTokenCancelledContext(t *testing.T) {
	client := newTestClient(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ValidateToken(ctx, createTestToken(t, testSecret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractTokenFromRequest(t *testing.T) {
	client := newTestClient(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/v1/businesses", nil)
	r.Header.Set("Authorization", "Bearer abc")
	token, err := client.ExtractTokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	r = httptest.NewRequest(http.MethodGet, "/v1/jobs/1/stream?access_token=xyz", nil)
	_, err = client.ExtractTokenFromRequest(r)
	assert.Error(t, err, "query tokens only count on websocket upgrades")

	r.Header.Set("Upgrade", "websocket")
	token, err = client.ExtractTokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	_, err = client.ExtractTokenFromRequest(r)
	assert.Error(t, err)
}

func decodeAuthError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuthMiddleware(t *testing.T) {
	client := newTestClient(t, nil)
	var seen *UserClaims
	handler := AuthMiddlewareWithClient(client)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantMsg    string
	}{
		{"valid", "Bearer " + createTestToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()}), http.StatusNoContent, ""},
		{"missing", "", http.StatusUnauthorized, "Missing or invalid Authorization header"},
		{"expired", "Bearer " + createTestToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized, "Authentication token has expired"},
		{"bad signature", "Bearer " + createTestToken(t, "another-secret-that-is-long-enough-for-hs256", jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()}), http.StatusUnauthorized, "Invalid token signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/v1/businesses", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			rec.Header().Set("X-Request-ID", "req-1")

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "user-1", seen.UserID)
				return
			}
			body := decodeAuthError(t, rec)
			assert.Equal(t, tt.wantMsg, body["message"])
			assert.Equal(t, "UNAUTHORISED", body["code"])
			assert.Equal(t, "req-1", body["request_id"])
		})
	}
}

func TestWorkerOrUserMiddleware(t *testing.T) {
	client := newTestClient(t, nil)
	handler := WorkerOrUserMiddleware(client, "worker-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, user := GetUserFromContext(r.Context())
		switch {
		case IsWorker(r.Context()):
			w.WriteHeader(http.StatusAccepted)
		case user:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))

	tests := []struct {
		name       string
		worker     string
		bearer     string
		wantStatus int
	}{
		{"worker token", "worker-secret", "", http.StatusAccepted},
		{"wrong worker token", "nope", "", http.StatusUnauthorized},
		{"user token", "", createTestToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()}), http.StatusOK},
		{"nothing", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs/j/claim", nil)
			if tt.worker != "" {
				req.Header.Set(WorkerTokenHeader, tt.worker)
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestWorkerTokenDisabledWhenUnset(t *testing.T) {
	client := newTestClient(t, nil)
	handler := WorkerOrUserMiddleware(client, "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/j/claim", nil)
	req.Header.Set(WorkerTokenHeader, "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetUserFromContext(t *testing.T) {
	user := &UserClaims{UserID: "user-1", Email: "a@b.c"}

	got, ok := GetUserFromContext(context.WithValue(context.Background(), UserKey, user))
	assert.True(t, ok)
	assert.Equal(t, user, got)

	_, ok = GetUserFromContext(context.Background())
	assert.False(t, ok)

	_, ok = GetUserFromContext(context.WithValue(context.Background(), UserKey, "not-a-user"))
	assert.False(t, ok)

	assert.False(t, (*UserClaims)(nil).IsAdmin())
	assert.False(t, IsWorker(context.Background()))
}
