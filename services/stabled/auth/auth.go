package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"nhbstable/crypto"
)

// Scopes granted to bearer tokens. Admin implies every other scope.
const (
	ScopePositionsWrite = "positions:write"
	ScopeLiquidate      = "liquidate"
	ScopeAdmin          = "admin"
)

var (
	ErrMissingToken = errors.New("auth: bearer token required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrScope        = errors.New("auth: scope not granted")
)

// Claims are the JWT claims accepted by stabled. The subject is the caller's
// account address in hex or bech32 form.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller.
type Principal struct {
	Address common.Address
	Subject string
	scopes  map[string]struct{}
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	if _, ok := p.scopes[ScopeAdmin]; ok {
		return true
	}
	_, ok := p.scopes[scope]
	return ok
}

// Scopes lists granted scopes in no particular order.
func (p *Principal) Scopes() []string {
	out := make([]string, 0, len(p.scopes))
	for scope := range p.scopes {
		out = append(out, scope)
	}
	return out
}

type principalContextKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext extracts the authenticated principal from the request context.
func FromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// Config configures HS256 token issuance and verification.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// New validates cfg and returns an authenticator.
func New(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: HS256 secret must not be empty")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &Authenticator{secret: secret, issuer: issuer, audience: audience, leeway: cfg.Leeway, now: now}, nil
}

// Issue signs a token for subject carrying scopes, valid for ttl.
func (a *Authenticator) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	if _, err := crypto.ParseAddress(subject); err != nil {
		return "", fmt.Errorf("auth: subject: %w", err)
	}
	if ttl <= 0 {
		return "", errors.New("auth: ttl must be positive")
	}
	for _, scope := range scopes {
		if !knownScope(scope) {
			return "", fmt.Errorf("auth: unknown scope %q", scope)
		}
	}
	issued := a.now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.TrimSpace(subject),
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{a.audience},
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses token and resolves the subject address.
func (a *Authenticator) Verify(token string) (*Principal, error) {
	if a == nil {
		return nil, errors.New("auth: authenticator not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	}
	if a.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(a.leeway))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	addr, err := crypto.ParseAddress(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject: %w", ErrInvalidToken, err)
	}
	scopes := make(map[string]struct{}, len(claims.Scopes))
	for _, scope := range claims.Scopes {
		if knownScope(scope) {
			scopes[scope] = struct{}{}
		}
	}
	return &Principal{Address: addr, Subject: claims.Subject, scopes: scopes}, nil
}

// Middleware authenticates requests carrying a bearer token. Requests
// without one pass through anonymously; RequireScope rejects them where a
// scope is needed.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := parseBearerToken(header)
		if token == "" {
			http.Error(w, "malformed authorization header", http.StatusUnauthorized)
			return
		}
		principal, err := a.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireScope rejects anonymous callers and callers lacking scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if !principal.HasScope(scope) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func knownScope(scope string) bool {
	switch scope {
	case ScopePositionsWrite, ScopeLiquidate, ScopeAdmin:
		return true
	default:
		return false
	}
}

func parseBearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
