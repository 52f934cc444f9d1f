// Package identity authenticates API callers and carries their identity
// through the request context.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/wa-gateway/internal/domain"
)

const (
	// DevUserHeader names the caller directly when dev mode is on.
	DevUserHeader = "X-User-ID"
	// TokenQueryParam carries the bearer token for clients that cannot set
	// headers, such as EventSource.
	TokenQueryParam = "access_token"
)

var (
	ErrMissingSecret = errors.New("missing token secret")
	ErrMissingUserID = errors.New("missing user id")
	ErrInvalidToken  = errors.New("invalid authentication token")
)

type contextKey int

const (
	userIDKey contextKey = iota
	adminKey
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@+-]{1,128}$`)

// Claims are the JWT claims issued to API callers.
type Claims struct {
	UserID string `json:"sub"`
	Admin  bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig configures token signing and verification.
type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

// DefaultTokenConfig returns a config with a one week expiry.
func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "wa-gateway",
	}
}

// CreateToken signs an HS256 token for userID.
func CreateToken(userID string, admin bool, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", ErrMissingSecret
	}
	if userID == "" {
		return "", ErrMissingUserID
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		Admin:  admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        hex.EncodeToString(jti),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// VerifyToken parses and validates a token signed by CreateToken.
func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, jwt.WithIssuer(cfg.Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || !userIDPattern.MatchString(claims.UserID) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// WithUser returns a context carrying the caller identity.
func WithUser(ctx context.Context, userID string, admin bool) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, adminKey, admin)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// IsAdmin reports whether the caller holds an admin token.
func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(adminKey).(bool)
	return v
}

// UserStore registers first-time callers.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

type registrar struct {
	users UserStore
	known sync.Map
}

func (r *registrar) ensure(ctx context.Context, userID string) error {
	if r.users == nil {
		return nil
	}
	if _, ok := r.known.Load(userID); ok {
		return nil
	}
	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		now := time.Now()
		err = r.users.UpsertUser(ctx, &domain.User{
			UserID:      userID,
			SessionName: domain.SessionNameFor(userID),
			State:       domain.StateDisconnected,
			LastSeenAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return err
		}
	}
	r.known.Store(userID, struct{}{})
	return nil
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return r.URL.Query().Get(TokenQueryParam)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"authentication required","code":"auth_required"}`))
}

// Middleware authenticates bearer tokens and registers first-time users. In
// dev mode a request without a token may name its user in X-User-ID.
func Middleware(cfg TokenConfig, users UserStore, isDev bool) func(http.Handler) http.Handler {
	reg := &registrar{users: users}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				userID string
				admin  bool
			)
			if token := bearerToken(r); token != "" {
				claims, err := VerifyToken(token, cfg)
				if err != nil {
					unauthorized(w)
					return
				}
				userID, admin = claims.UserID, claims.Admin
			} else if isDev {
				userID = strings.TrimSpace(r.Header.Get(DevUserHeader))
				admin = true
			}
			if !userIDPattern.MatchString(userID) {
				unauthorized(w)
				return
			}

			if err := reg.ensure(r.Context(), userID); err != nil {
				http.Error(w, `{"error":"failed to register user","code":"internal"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, admin)))
		})
	}
}

// RequireAdmin rejects callers without an admin token.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"admin token required","code":"auth_required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
