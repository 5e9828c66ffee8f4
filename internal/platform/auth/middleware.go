package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const bearerPrefix = "Bearer "

var (
	// ErrTokenExpired signals that the provided bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals that the provided bearer token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims is the JWT payload the API issues and accepts.
type Claims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HMAC-signed bearer tokens and attaches the resulting
// identity to the request context.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	clock    func() time.Time
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) {
		a.issuer = strings.TrimSpace(issuer)
	}
}

// WithAudience requires the aud claim to contain the value.
func WithAudience(audience string) Option {
	return func(a *Authenticator) {
		a.audience = strings.TrimSpace(audience)
	}
}

// WithLeeway tolerates clock skew when validating time claims.
func WithLeeway(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.leeway = d
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Authenticator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// NewAuthenticator constructs an Authenticator over the shared signing secret.
func NewAuthenticator(secret string, opts ...Option) (*Authenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	a := &Authenticator{
		secret: []byte(secret),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Verify parses and validates a raw token, returning the identity it carries.
func (a *Authenticator) Verify(raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenInvalid
	}

	// The v4 parser validates time claims against the wall clock only, so
	// claims validation is disabled here and performed below with the
	// injected clock and leeway.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := a.clock()
	if !claims.VerifyExpiresAt(now.Add(-a.leeway), true) {
		return nil, fmt.Errorf("%w: exp claim", ErrTokenExpired)
	}
	if !claims.VerifyNotBefore(now.Add(a.leeway), false) {
		return nil, fmt.Errorf("%w: nbf claim", ErrTokenInvalid)
	}
	if !claims.VerifyIssuedAt(now.Add(a.leeway), false) {
		return nil, fmt.Errorf("%w: iat claim", ErrTokenInvalid)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, fmt.Errorf("%w: iss claim", ErrTokenInvalid)
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return nil, fmt.Errorf("%w: aud claim", ErrTokenInvalid)
	}

	uid := strings.TrimSpace(claims.Subject)
	if uid == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	roles := make([]string, 0, len(claims.Roles))
	for _, role := range claims.Roles {
		if r := strings.ToLower(strings.TrimSpace(role)); r != "" {
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		roles = []string{RoleCustomer}
	}

	return &Identity{
		UID:   uid,
		Email: strings.TrimSpace(claims.Email),
		Roles: roles,
	}, nil
}

// RequireAuth returns middleware that rejects requests without a valid bearer token.
func (a *Authenticator) RequireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" || !strings.HasPrefix(header, bearerPrefix) {
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
				return
			}

			identity, err := a.Verify(strings.TrimPrefix(header, bearerPrefix))
			if err != nil {
				code := "invalid_token"
				if errors.Is(err, ErrTokenExpired) {
					code = "token_expired"
				}
				writeAuthError(w, http.StatusUnauthorized, code, "bearer token rejected")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireRole returns middleware that rejects authenticated requests lacking
// every one of the listed roles. It must be mounted after RequireAuth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
				return
			}
			if !identity.HasAnyRole(roles...) {
				writeAuthError(w, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   code,
		"message": message,
	})
}
