package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "vault-auth-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(scope string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   "0x00000000000000000000000000000000000a11ce",
		"iss":   "vault-issuer",
		"aud":   "vaultd",
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Minute).Unix(),
	}
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "vault-issuer", Audience: "vaultd"}, nil)
	require.NoError(t, err)
	return auth
}

func serveWithToken(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/vaults", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{HMACSecret: "  "}, nil)
	require.ErrorIs(t, err, ErrAuthDisabled)
}

func TestAuthenticatorAcceptsValidToken(t *testing.T) {
	auth := newTestAuthenticator(t)
	var subject string
	var admin bool
	handler := auth.Middleware(ScopeWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = Subject(r.Context())
		admin = HasScope(r.Context(), ScopeAdmin)
		w.WriteHeader(http.StatusTeapot)
	}))

	res := serveWithToken(handler, signToken(t, testSecret, validClaims("vault:read vault:write")))
	require.Equal(t, http.StatusTeapot, res.Code)
	require.Equal(t, "0x00000000000000000000000000000000000a11ce", subject)
	require.False(t, admin)
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := newTestAuthenticator(t)
	handler := auth.Middleware(ScopeWrite)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("rejected token reached the handler")
	}))

	expired := validClaims(ScopeWrite)
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongIssuer := validClaims(ScopeWrite)
	wrongIssuer["iss"] = "someone-else"
	wrongAudience := validClaims(ScopeWrite)
	wrongAudience["aud"] = "other-service"
	noExpiry := validClaims(ScopeWrite)
	delete(noExpiry, "exp")
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims(ScopeWrite)).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":        "",
		"garbage":        "not-a-jwt",
		"wrong secret":   signToken(t, "other-secret", validClaims(ScopeWrite)),
		"expired":        signToken(t, testSecret, expired),
		"wrong issuer":   signToken(t, testSecret, wrongIssuer),
		"wrong audience": signToken(t, testSecret, wrongAudience),
		"no expiry":      signToken(t, testSecret, noExpiry),
		"alg none":       none,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			res := serveWithToken(handler, token)
			require.Equal(t, http.StatusUnauthorized, res.Code)
			require.Equal(t, "Bearer", res.Header().Get("WWW-Authenticate"))
			require.Contains(t, res.Body.String(), `"reason":"unauthorized"`)
		})
	}
}

func TestAuthenticatorEnforcesScopes(t *testing.T) {
	auth := newTestAuthenticator(t)
	handler := auth.Middleware(ScopeAdmin)(okHandler())

	res := serveWithToken(handler, signToken(t, testSecret, validClaims(ScopeWrite)))
	require.Equal(t, http.StatusForbidden, res.Code)
	require.Contains(t, res.Body.String(), `"reason":"forbidden"`)

	res = serveWithToken(handler, signToken(t, testSecret, validClaims(ScopeAdmin)))
	require.Equal(t, http.StatusOK, res.Code)

	// Admin tokens satisfy write routes too.
	res = serveWithToken(auth.Middleware(ScopeWrite)(okHandler()), signToken(t, testSecret, validClaims(ScopeAdmin)))
	require.Equal(t, http.StatusOK, res.Code)

	listClaims := validClaims("")
	listClaims["scope"] = []interface{}{"vault:read", ScopeWrite}
	res = serveWithToken(auth.Middleware(ScopeWrite)(okHandler()), signToken(t, testSecret, listClaims))
	require.Equal(t, http.StatusOK, res.Code)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer   abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer("Bearer"))
	require.Empty(t, extractBearer(""))
}
