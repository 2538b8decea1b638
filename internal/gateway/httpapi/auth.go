package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/datagate/internal/domain"
)

// ErrInvalidCredentials is returned when no principal can be resolved from a request.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Context keys set by the auth middleware.
const (
	ctxUserID      = "userID"
	ctxRole        = "role"
	ctxDisplayName = "displayName"
	ctxEmail       = "email"
)

// AuthConfig configures principal resolution.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	// APIKeys maps the SHA-256 hex digest of a key to its principal.
	APIKeys map[string]domain.Principal
}

// Claims are the JWT claims read from bearer tokens.
type Claims struct {
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves callers to principals from an HS256 bearer JWT or
// an API key. Keys are stored hashed and compared in constant time.
type Authenticator struct {
	secret  []byte
	issuer  string
	apiKeys map[string]domain.Principal
}

// NewAuthenticator validates cfg and builds an Authenticator.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if cfg.JWTSecret == "" && len(cfg.APIKeys) == 0 {
		return nil, errors.New("auth requires a JWT secret or at least one API key")
	}
	a := &Authenticator{
		issuer:  cfg.JWTIssuer,
		apiKeys: make(map[string]domain.Principal, len(cfg.APIKeys)),
	}
	if cfg.JWTSecret != "" {
		a.secret = []byte(cfg.JWTSecret)
	}
	for digest, p := range cfg.APIKeys {
		digest = strings.ToLower(strings.TrimSpace(digest))
		if _, err := hex.DecodeString(digest); err != nil || len(digest) != sha256.Size*2 {
			return nil, fmt.Errorf("api key for %q is not a SHA-256 hex digest", p.ID)
		}
		if !p.Resolved() || !p.Role.Known() {
			return nil, fmt.Errorf("api key principal %q needs an id and a known role", p.ID)
		}
		a.apiKeys[digest] = p
	}
	return a, nil
}

// HashAPIKey returns the digest under which key is configured.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves the principal for r. X-API-Key takes precedence;
// otherwise the Authorization bearer token is tried as a JWT, then as an
// API key.
func (a *Authenticator) Authenticate(r *http.Request) (domain.Principal, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.fromAPIKey(key)
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return domain.Principal{}, ErrInvalidCredentials
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return domain.Principal{}, ErrInvalidCredentials
	}
	if a.secret != nil && strings.Count(token, ".") == 2 {
		return a.fromJWT(token)
	}
	return a.fromAPIKey(token)
}

func (a *Authenticator) fromJWT(token string) (domain.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	p := domain.Principal{
		ID:          claims.Subject,
		Role:        domain.ParseRole(claims.Role),
		DisplayName: claims.Name,
		Email:       claims.Email,
	}
	// An unknown role still authenticates; the capability resolver grants it least privilege.
	if !p.Resolved() {
		return domain.Principal{}, fmt.Errorf("%w: token has no subject", ErrInvalidCredentials)
	}
	return p, nil
}

func (a *Authenticator) fromAPIKey(key string) (domain.Principal, error) {
	presented := []byte(HashAPIKey(key))
	var (
		found domain.Principal
		ok    bool
	)
	// Compare against every digest so timing does not depend on the match position.
	for digest, p := range a.apiKeys {
		if subtle.ConstantTimeCompare(presented, []byte(digest)) == 1 {
			found, ok = p, true
		}
	}
	if !ok {
		return domain.Principal{}, ErrInvalidCredentials
	}
	return found, nil
}

// Middleware authenticates the request and stores the principal on the context.
func (a *Authenticator) Middleware(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		p, err := a.Authenticate(c.Request())
		if err != nil {
			return c.AbortUnauthorized("missing or invalid credentials")
		}
		c.Set(ctxUserID, p.ID)
		c.Set(ctxRole, string(p.Role))
		c.Set(ctxDisplayName, p.DisplayName)
		c.Set(ctxEmail, p.Email)
		return next(c)
	}
}

func principalFrom(c *okapi.Context) domain.Principal {
	return domain.Principal{
		ID:          c.GetString(ctxUserID),
		Role:        domain.Role(c.GetString(ctxRole)),
		DisplayName: c.GetString(ctxDisplayName),
		Email:       c.GetString(ctxEmail),
	}
}
