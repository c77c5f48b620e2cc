package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/exportq/internal/auth"
)

func TestGroupAuthorizer(t *testing.T) {
	a := auth.NewGroupAuthorizer(auth.DefaultGroups())

	viewer := auth.Caller{Subject: "v", Groups: []string{"viewgroup"}}
	exporter := auth.Caller{Subject: "e", Groups: []string{"exportgroup"}}
	admin := auth.Caller{Subject: "a", Groups: []string{"admingroup"}}
	nobody := auth.Caller{Subject: "n"}

	assert.True(t, a.HasRole(viewer, auth.RoleViewer))
	assert.False(t, a.HasRole(viewer, auth.RoleExporter))
	assert.True(t, a.HasRole(exporter, auth.RoleExporter))
	assert.False(t, a.HasRole(exporter, auth.RoleAdmin))
	assert.True(t, a.HasRole(admin, auth.RoleExporter))
	assert.True(t, a.HasRole(admin, auth.RoleViewer))
	assert.False(t, a.HasRole(nobody, auth.RoleViewer))

	assert.True(t, auth.AnyRole(a, exporter, auth.RoleViewer, auth.RoleExporter))
	assert.False(t, auth.AnyRole(a, nobody, auth.RoleViewer, auth.RoleExporter))
}

func TestTokensRoundTrip(t *testing.T) {
	tk := auth.NewTokens("secret")
	raw, err := tk.Issue(auth.Caller{Subject: "alice", Groups: []string{"exportgroup"}}, time.Minute)
	require.NoError(t, err)

	c, err := tk.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Subject)
	assert.Equal(t, []string{"exportgroup"}, c.Groups)

	_, err = auth.NewTokens("other").Parse(raw)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestTokensRejectExpiredAndUnsigned(t *testing.T) {
	tk := auth.NewTokens("secret")
	raw, err := tk.Issue(auth.Caller{Subject: "alice"}, -time.Minute)
	require.NoError(t, err)
	_, err = tk.Parse(raw)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "mallory"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tk.Parse(none)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = auth.NewTokens("").Issue(auth.Caller{Subject: "x"}, time.Minute)
	assert.ErrorIs(t, err, auth.ErrNoSigningKey)
}

func TestMiddleware(t *testing.T) {
	tk := auth.NewTokens("secret")
	var seen auth.Caller
	h := tk.Middleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/exports", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/exports", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	raw, err := tk.Issue(auth.Caller{Subject: "bob", Groups: []string{"viewgroup"}}, time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/exports", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "bob", seen.Subject)
}
