package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNoSigningKey = errors.New("cannot sign token without a signing key")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the bearer token body: the standard claims plus group membership.
type Claims struct {
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	key []byte
}

func NewTokens(key string) *Tokens {
	return &Tokens{key: []byte(key)}
}

func (t *Tokens) Issue(c Caller, ttl time.Duration) (string, error) {
	if len(t.key) == 0 {
		return "", ErrNoSigningKey
	}
	now := time.Now()
	claims := Claims{
		Groups: c.Groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

func (t *Tokens) Parse(raw string) (Caller, error) {
	if len(t.key) == 0 {
		return Caller{}, ErrNoSigningKey
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Caller{}, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if claims.Subject == "" {
		return Caller{}, errors.Wrap(ErrInvalidToken, "missing subject")
	}
	return Caller{Subject: claims.Subject, Groups: claims.Groups}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller in the request context.
func (t *Tokens) Middleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearer(r)
			if raw == "" {
				unauthorized(w, "authentication required")
				return
			}
			c, err := t.Parse(raw)
			if err != nil {
				log.Debug("rejected bearer token", zap.String("path", r.URL.Path), zap.Error(err))
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
		})
	}
}

// bearer reads the Authorization header, falling back to the access_token
// query parameter for websocket clients that cannot set headers.
func bearer(r *http.Request) string {
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(raw)
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="exportq"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
