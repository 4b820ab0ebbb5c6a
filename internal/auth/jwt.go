// Package auth provides JWT-based authentication middleware and the
// sign-up, sign-in and sign-out handlers.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
	"github.com/Kek20703/CloudStorage/internal/users"
)

type contextKey string

const (
	userContextKey  contextKey = "user"
	tokenContextKey contextKey = "token"
)

const issuer = "cloudstorage"

// Accounts is the account store the handlers depend on.
type Accounts interface {
	Register(ctx context.Context, username, password string) (*users.User, error)
	Authenticate(ctx context.Context, username, password string) (*users.User, error)
	Get(ctx context.Context, id int64) (*users.User, error)
	RevokeToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error)
}

// Claims holds JWT token claims.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Auth handles JWT authentication.
type Auth struct {
	accounts Accounts
	secret   []byte
	ttl      time.Duration
}

// New creates a new Auth handler. Tokens expire after ttl.
func New(accounts Accounts, jwtSecret string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{
		accounts: accounts,
		secret:   []byte(jwtSecret),
		ttl:      ttl,
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Middleware returns HTTP middleware that validates JWT tokens.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		revoked, err := a.accounts.IsTokenRevoked(r.Context(), hashToken(tokenStr))
		if err != nil {
			logging.Error("token revocation check failed", zap.Error(err))
		}
		if revoked {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "token has been revoked")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, claims)
		ctx = context.WithValue(ctx, tokenContextKey, tokenStr)
		ctx = logging.WithFields(ctx, logging.Tenant(claims.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// TenantID returns the authenticated user's id.
func TenantID(ctx context.Context) (int64, bool) {
	claims := GetClaims(ctx)
	if claims == nil {
		return 0, false
	}
	return claims.UserID, true
}

// HandleSignUp handles POST /api/auth/sign-up
func (a *Auth) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := a.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch errors.GetCode(err) {
		case errors.CodeInvalidInput:
			sendAuthError(w, http.StatusBadRequest, message(err))
		case errors.CodeAlreadyExists:
			sendAuthError(w, http.StatusConflict, "Username is not available")
		default:
			logging.Error("sign-up failed", zap.String("username", req.Username), zap.Error(err))
			sendAuthError(w, http.StatusInternalServerError, "Unexpected exception")
		}
		return
	}

	a.respondWithToken(w, http.StatusCreated, user)
}

// HandleSignIn handles POST /api/auth/sign-in
func (a *Auth) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		metrics.RecordAuthAttempt(false)
		return
	}

	user, err := a.accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		if errors.GetCode(err) == errors.CodeUnauthorized {
			sendAuthError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		logging.Error("sign-in failed", zap.String("username", req.Username), zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "Unexpected exception")
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful", zap.String("username", user.Username))
	a.respondWithToken(w, http.StatusOK, user)
}

// HandleSignOut handles POST /api/auth/sign-out. It must run behind Middleware.
func (a *Auth) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	tokenStr, _ := r.Context().Value(tokenContextKey).(string)
	if claims == nil || tokenStr == "" {
		sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	expiresAt := time.Now().Add(a.ttl)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if err := a.accounts.RevokeToken(r.Context(), claims.UserID, hashToken(tokenStr), expiresAt); err != nil {
		logging.Error("sign-out failed", logging.Tenant(claims.UserID), zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "Unexpected exception")
		return
	}

	logging.Info("logout successful", zap.String("username", claims.Username))
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe handles GET /api/user/me
func (a *Auth) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	if claims == nil {
		sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	user, err := a.accounts.Get(r.Context(), claims.UserID)
	if err != nil {
		if errors.GetCode(err) == errors.CodeNotFound {
			sendAuthError(w, http.StatusUnauthorized, "account no longer exists")
			return
		}
		logging.Error("load current user failed", logging.Tenant(claims.UserID), zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "Unexpected exception")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"username": user.Username})
}

// IssueToken signs a token for the given user.
func (a *Auth) IssueToken(userID int64, username string) (string, time.Time, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   fmt.Sprintf("%d", userID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

func (a *Auth) respondWithToken(w http.ResponseWriter, status int, user *users.User) {
	tokenStr, expiresAt, err := a.IssueToken(user.ID, user.Username)
	if err != nil {
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(tokenResponse{
		Username:  user.Username,
		Token:     tokenStr,
		ExpiresAt: expiresAt,
	})
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendAuthError(w, http.StatusBadRequest, "Not a valid request")
		return req, false
	}
	if req.Username == "" || req.Password == "" {
		sendAuthError(w, http.StatusBadRequest, "username and password required")
		return req, false
	}
	return req, true
}

func message(err error) string {
	var perr errors.PlatformError
	if errors.As(err, &perr) {
		return perr.Message()
	}
	return err.Error()
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// EventSource cannot set headers
	return r.URL.Query().Get("token")
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Message: message})
}
