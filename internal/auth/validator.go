// Package auth verifies speaker credentials and classifies connection
// attempts. Listeners never authenticate; only the speaker path is held to
// strict identity.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"linguacast/internal/types"
)

// ValidatorConfig configures bearer token validation.
type ValidatorConfig struct {
	// Issuer is the expected issuer claim.
	Issuer string

	// Audience is the expected audience claim.
	Audience string

	// JWKSURL is where the issuer publishes its signing keys.
	JWKSURL string

	// TokenUse is the expected token-use claim value (e.g. "access").
	// Empty disables the check.
	TokenUse string

	// KeyTTL bounds how long fetched keys are trusted before a refetch.
	KeyTTL time.Duration
}

// Validator verifies RS256 bearer tokens against the issuer's published
// keys. Keys are cached and refreshed on miss or expiry, not on every call.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client

	mu   sync.RWMutex
	keys *keyCache
}

type keyCache struct {
	byKid     map[string]*rsa.PublicKey
	expiresAt time.Time
}

// NewValidator creates a token validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = time.Hour
	}
	return &Validator{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Validate verifies the token and returns the authenticated principal.
// An empty token returns ErrNoToken; the caller decides what that means.
func (v *Validator) Validate(ctx context.Context, token string) (types.Principal, error) {
	if token == "" {
		return types.Principal{}, ErrNoToken
	}

	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.keyForKid(ctx, kid)
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return types.Principal{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return types.Principal{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return types.Principal{}, fmt.Errorf("%w: unexpected claims type", ErrTokenInvalid)
	}

	if v.cfg.TokenUse != "" {
		if use, _ := claims["token_use"].(string); use != v.cfg.TokenUse {
			return types.Principal{}, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenUse, claims["token_use"], v.cfg.TokenUse)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return types.Principal{}, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}
	email, _ := claims["email"].(string)

	return types.AuthenticatedPrincipal(sub, email), nil
}

// keyForKid returns the cached key for kid, refetching the JWKS when the kid
// is unknown or the cache has expired.
func (v *Validator) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cache := v.keys
	v.mu.RUnlock()

	if cache != nil && time.Now().Before(cache.expiresAt) {
		if key, ok := cache.byKid[kid]; ok {
			return key, nil
		}
	}

	if err := v.fetchKeys(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keys != nil {
		if key, ok := v.keys.byKid[kid]; ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
}

// fetchKeys downloads and caches the issuer's JWKS.
func (v *Validator) fetchKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("creating JWKS request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS request failed: %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("parsing JWKS: %w", err)
	}

	byKid := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			return fmt.Errorf("parsing JWK %q: %w", k.Kid, err)
		}
		byKid[k.Kid] = pub
	}

	v.mu.Lock()
	v.keys = &keyCache{byKid: byKid, expiresAt: time.Now().Add(v.cfg.KeyTTL)}
	v.mu.Unlock()

	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
