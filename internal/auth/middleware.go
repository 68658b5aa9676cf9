package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// WorkerTokenHeader carries the shared secret of remote workers
const WorkerTokenHeader = "X-Worker-Token"

// RoleAdmin may act on every business
const RoleAdmin = "admin"

// AuthClient defines the interface for authentication operations
type AuthClient interface {
	ValidateToken(ctx context.Context, token string) (*UserClaims, error)
	ExtractTokenFromRequest(r *http.Request) (string, error)
	SetUserInContext(r *http.Request, user *UserClaims) *http.Request
}

// UserContextKey is the key used to store user claims in the request context
type UserContextKey string

const (
	UserKey   UserContextKey = "user"
	WorkerKey UserContextKey = "worker"
)

// UserClaims represents the JWT claims of an API caller
type UserClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"sub"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// IsAdmin reports whether the caller may see every business
func (c *UserClaims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// JWTAuthClient validates HS256 tokens with a shared secret and RS256/ES256
// tokens against a JWKS endpoint
type JWTAuthClient struct {
	config *Config
	jwks   keyfunc.Keyfunc
}

// NewJWTAuthClient creates a client, fetching the JWKS when one is configured
func NewJWTAuthClient(ctx context.Context, config *Config) (*JWTAuthClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := &JWTAuthClient{config: config}
	if config.JWKSURL == "" {
		return client, nil
	}

	override := keyfunc.Override{
		Client:          &http.Client{Timeout: 5 * time.Second},
		HTTPTimeout:     5 * time.Second,
		RefreshInterval: 10 * time.Minute,
		RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
			return func(ctx context.Context, err error) {
				log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
			}
		},
	}

	childCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	jwks, err := keyfunc.NewDefaultOverrideCtx(childCtx, []string{config.JWKSURL}, override)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise JWKS: %w", err)
	}
	client.jwks = jwks
	return client, nil
}

func (c *JWTAuthClient) keyfunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if c.config.JWTSecret == "" {
			return nil, errors.New("HS256 tokens are not accepted")
		}
		return []byte(c.config.JWTSecret), nil
	default:
		if c.jwks == nil {
			return nil, errors.New("asymmetric tokens need JWKS_URL")
		}
		return c.jwks.Keyfunc(token)
	}
}

// ValidateToken parses and verifies a bearer token
func (c *JWTAuthClient) ValidateToken(ctx context.Context, tokenString string) (*UserClaims, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request context cancelled: %w", ctx.Err())
	default:
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Name,
			jwt.SigningMethodRS256.Name,
			jwt.SigningMethodES256.Name,
		}),
		jwt.WithExpirationRequired(),
	}
	if c.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.config.Issuer))
	}
	if c.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(c.config.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, c.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	return claims, nil
}

// ExtractTokenFromRequest reads the bearer token from the Authorization
// header, or from access_token on websocket upgrades where browsers cannot
// set headers.
func (c *JWTAuthClient) ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer "), nil
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("missing or invalid Authorization header")
}

// SetUserInContext adds user claims to the request context
func (c *JWTAuthClient) SetUserInContext(r *http.Request, user *UserClaims) *http.Request {
	ctx := context.WithValue(r.Context(), UserKey, user)
	return r.WithContext(ctx)
}

// AuthMiddlewareWithClient validates JWT tokens using the provided AuthClient
func AuthMiddlewareWithClient(authClient AuthClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := authClient.ExtractTokenFromRequest(r)
			if err != nil {
				writeAuthError(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := authClient.ValidateToken(r.Context(), tokenString)
			if err != nil {
				log.Warn().Err(err).Str("token_prefix", tokenString[:min(10, len(tokenString))]).Msg("JWT validation failed")

				errorMsg := "Invalid authentication token"
				statusCode := http.StatusUnauthorized

				switch {
				case errors.Is(err, jwt.ErrTokenExpired):
					errorMsg = "Authentication token has expired"
				case errors.Is(err, jwt.ErrTokenSignatureInvalid):
					errorMsg = "Invalid token signature"
					// Bad signatures can mean forged tokens
					sentry.CaptureException(err)
				case strings.Contains(err.Error(), "JWKS") || strings.Contains(err.Error(), "keyfunc"):
					errorMsg = "Authentication service misconfigured"
					statusCode = http.StatusInternalServerError
					sentry.CaptureException(err)
				}

				writeAuthError(w, errorMsg, statusCode)
				return
			}

			next.ServeHTTP(w, authClient.SetUserInContext(r, claims))
		})
	}
}

// WorkerOrUserMiddleware admits remote workers presenting the shared worker
// token and otherwise falls back to user authentication.
func WorkerOrUserMiddleware(authClient AuthClient, workerToken string) func(http.Handler) http.Handler {
	userAuth := AuthMiddlewareWithClient(authClient)
	return func(next http.Handler) http.Handler {
		authed := userAuth(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(WorkerTokenHeader)
			if presented == "" {
				authed.ServeHTTP(w, r)
				return
			}
			if workerToken == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(workerToken)) != 1 {
				log.Warn().Str("path", r.URL.Path).Msg("Rejected worker token")
				writeAuthError(w, "Invalid worker token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), WorkerKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserFromContext extracts user claims from the request context
func GetUserFromContext(ctx context.Context) (*UserClaims, bool) {
	user, ok := ctx.Value(UserKey).(*UserClaims)
	return user, ok
}

// IsWorker reports whether the request was authenticated with the worker token
func IsWorker(ctx context.Context) bool {
	worker, _ := ctx.Value(WorkerKey).(bool)
	return worker
}

// writeAuthError writes a standardised authentication error response. The
// request id is read back from the response header set by the request id
// middleware.
func writeAuthError(w http.ResponseWriter, message string, statusCode int) {
	requestID := w.Header().Get("X-Request-ID")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	code := "UNAUTHORISED"
	if statusCode >= http.StatusInternalServerError {
		code = "INTERNAL_ERROR"
	}
	response := map[string]interface{}{
		"status":     statusCode,
		"message":    message,
		"code":       code,
		"request_id": requestID,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode unauthorised response")
	}
}
