package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"kanban-sync/domain"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// Auth validates access tokens. With a shared secret it accepts HS256 tokens
// signed by the board's own login flow; with a JWKS it accepts RS256 tokens
// from the identity provider.
type Auth struct {
	JWKS     *keyfunc.JWKS
	Secret   []byte
	Audience string
	Issuer   string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewSecretAuth creates an Auth that verifies HS256 tokens against secret.
func NewSecretAuth(secret []byte) *Auth {
	if len(secret) == 0 {
		panic("api.NewSecretAuth: empty secret")
	}
	return &Auth{
		Secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
		now:    time.Now,
	}
}

// NewJWKSAuth creates an Auth that verifies RS256 tokens against jwks. Keys are
// cached per kid for cacheTTL; a non-positive TTL selects the default.
func NewJWKSAuth(jwks *keyfunc.JWKS, audience, issuer string, cacheTTL time.Duration) *Auth {
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	return &Auth{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation()),
		keyCacheTTL: cacheTTL,
		now:         time.Now,
	}
}

// Resolve maps a connection token to an identity. Any failure, including an
// empty token, resolves to anonymous.
func (a *Auth) Resolve(token string) (domain.Identity, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, false
	}
	if strings.HasPrefix(token, bearerPrefix) {
		token = token[len(bearerPrefix):]
	}
	id, err := a.IdentityFromToken(token)
	if err != nil {
		return domain.Identity{}, false
	}
	return id, true
}

// IdentityFromAuthHeader extracts the identity from the Authorization header.
func (a *Auth) IdentityFromAuthHeader(header http.Header) (domain.Identity, error) {
	token, err := bearerTokenFromHeader(header)
	if err != nil {
		return domain.Identity{}, err
	}
	return a.IdentityFromToken(token)
}

// IdentityFromToken verifies a raw token and returns the identity it names.
func (a *Auth) IdentityFromToken(tokenStr string) (domain.Identity, error) {
	if strings.Count(tokenStr, ".") != 2 {
		return domain.Identity{}, errBadAuthorization
	}

	parsed, err := a.parser.Parse(tokenStr, a.keyFunc)
	if err != nil {
		return domain.Identity{}, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, errors.New("invalid claims")
	}

	now := a.now()
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return domain.Identity{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now.Unix(), false) {
		return domain.Identity{}, errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, true) {
		return domain.Identity{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return domain.Identity{}, errors.New("invalid issuer")
	}

	id := stringClaim(claims, "sub")
	if id == "" {
		// tokens minted by the board's login flow carry the user id as "id"
		id = stringClaim(claims, "id")
	}
	if id == "" {
		return domain.Identity{}, errors.New("missing sub")
	}
	name := stringClaim(claims, "name")
	if name == "" {
		name = stringClaim(claims, "email")
	}
	return domain.Identity{ID: id, Name: name}, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

func (a *Auth) keyFunc(token *jwt.Token) (any, error) {
	if a.Secret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.Secret, nil
	}
	return a.keyForToken(token)
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
