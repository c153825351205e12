package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"nhbstable/crypto"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	caller     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func newTestAuthenticator(t *testing.T, now time.Time) *Authenticator {
	t.Helper()
	a, err := New(Config{Secret: testSecret, Issuer: "nhbstable", Audience: "stabled", Now: func() time.Time { return now }})
	require.NoError(t, err)
	return a
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2024, time.April, 2, 8, 0, 0, 0, time.UTC)
	a := newTestAuthenticator(t, now)

	token, err := a.Issue(crypto.MustBech32(caller), []string{ScopePositionsWrite}, time.Hour)
	require.NoError(t, err)

	principal, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, caller, principal.Address)
	require.True(t, principal.HasScope(ScopePositionsWrite))
	require.False(t, principal.HasScope(ScopeLiquidate))
	require.False(t, principal.HasScope(ScopeAdmin))
}

func TestAdminImpliesAllScopes(t *testing.T) {
	a := newTestAuthenticator(t, time.Now())
	token, err := a.Issue(caller.Hex(), []string{ScopeAdmin}, time.Minute)
	require.NoError(t, err)
	principal, err := a.Verify(token)
	require.NoError(t, err)
	require.True(t, principal.HasScope(ScopeLiquidate))
	require.ElementsMatch(t, []string{ScopeAdmin}, principal.Scopes())
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	now := time.Date(2024, time.April, 2, 8, 0, 0, 0, time.UTC)
	a := newTestAuthenticator(t, now)
	token, err := a.Issue(caller.Hex(), nil, time.Minute)
	require.NoError(t, err)

	later := newTestAuthenticator(t, now.Add(2*time.Minute))
	_, err = later.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	other, err := New(Config{Secret: testSecret, Issuer: "someone-else", Audience: "stabled", Now: func() time.Time { return now }})
	require.NoError(t, err)
	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: caller.Hex()}})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueValidatesInput(t *testing.T) {
	a := newTestAuthenticator(t, time.Now())
	_, err := a.Issue("not-an-address", nil, time.Minute)
	require.Error(t, err)
	_, err = a.Issue(caller.Hex(), []string{"root"}, time.Minute)
	require.ErrorContains(t, err, "unknown scope")
	_, err = a.Issue(caller.Hex(), nil, 0)
	require.Error(t, err)

	_, err = New(Config{Issuer: "x", Audience: "y"})
	require.Error(t, err)
}

func TestMiddlewareAndRequireScope(t *testing.T) {
	a := newTestAuthenticator(t, time.Now())
	token, err := a.Issue(caller.Hex(), []string{ScopeLiquidate}, time.Minute)
	require.NoError(t, err)

	var seen *Principal
	handler := a.Middleware(RequireScope(ScopeLiquidate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"invalid", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"valid", "bearer " + token, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/liquidations", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
	require.NotNil(t, seen)
	require.Equal(t, caller, seen.Address)

	writeOnly, err := a.Issue(caller.Hex(), []string{ScopePositionsWrite}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/liquidations", nil)
	req.Header.Set("Authorization", "Bearer "+writeOnly)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
