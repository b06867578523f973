package identity

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"datahub/roles"
)

const (
	DefaultJWKSCacheTTL = 10 * time.Minute
	DefaultLeeway       = 30 * time.Second

	// forced refreshes on unknown kids are not repeated more often than this
	minForcedRefresh = 10 * time.Second
)

var errUnknownKey = errors.New("signing key not found")

// ValidatorConfig configures identity-token validation for one provider.
type ValidatorConfig struct {
	JWKSURL    string
	CacheTTL   time.Duration
	Leeway     time.Duration
	Algorithms []string
	HTTPClient *http.Client
}

// Expectations are the per-login values a token must carry.
type Expectations struct {
	Issuer   string
	Audience string
	Nonce    string
}

// Validator verifies provider-signed identity tokens against the
// provider's published keys.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	now    func() time.Time

	mu    sync.RWMutex
	cache jwksCache
	group singleflight.Group
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// NewValidator creates a validator with defaults applied.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultJWKSCacheTTL
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultLeeway
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384"}
	}
	return &Validator{cfg: cfg, client: client, now: time.Now}
}

// idTokenClaims is the wire form of an OIDC identity token.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce             string          `json:"nonce"`
	Email             string          `json:"email"`
	Name              string          `json:"name"`
	PreferredUsername string          `json:"preferred_username"`
	HomeOrganization  string          `json:"schac_home_organization"`
	Entitlements      entitlementList `json:"eduperson_entitlement"`
}

// entitlementList accepts both a JSON array and a single string.
type entitlementList []string

func (l *entitlementList) UnmarshalJSON(b []byte) error {
	var many []string
	if err := json.Unmarshal(b, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	if one != "" {
		*l = []string{one}
	}
	return nil
}

// Validate verifies signature, issuer, audience, exp, nbf, iat and nonce.
// Failures are returned as *Error with kind TokenValidationFailure.
func (v *Validator) Validate(ctx context.Context, rawToken string, want Expectations) (Claims, error) {
	fail := func(reason string, err error) (Claims, error) {
		return Claims{}, &Error{Kind: TokenValidationFailure, Reason: reason, Err: err}
	}
	if rawToken == "" {
		return fail(ReasonMissingToken, nil)
	}

	set, err := v.keySet(ctx, false)
	if err != nil {
		return fail(ReasonKeysUnavailable, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.Algorithms),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	}
	if want.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(want.Issuer))
	}
	if want.Audience != "" {
		opts = append(opts, jwt.WithAudience(want.Audience))
	}
	parser := jwt.NewParser(opts...)

	var tc idTokenClaims
	_, err = parser.ParseWithClaims(rawToken, &tc, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// Provider may have rotated keys.
			if fresh, err := v.keySet(ctx, true); err == nil {
				key = findKey(fresh, kid)
			}
		}
		if key == nil {
			return nil, errUnknownKey
		}
		return key.Key, nil
	})
	if err != nil {
		return fail(validationReason(err), err)
	}

	if want.Nonce == "" {
		return fail(ReasonNonce, errors.New("no nonce expected for this login"))
	}
	if subtle.ConstantTimeCompare([]byte(tc.Nonce), []byte(want.Nonce)) != 1 {
		return fail(ReasonNonce, errors.New("nonce does not match login request"))
	}
	if tc.Subject == "" {
		return fail(ReasonSubject, errors.New("sub claim missing"))
	}

	return tc.toClaims(), nil
}

func (tc idTokenClaims) toClaims() Claims {
	c := Claims{
		Subject:      tc.Subject,
		Username:     tc.PreferredUsername,
		Email:        tc.Email,
		Name:         tc.Name,
		Entitlements: []string(tc.Entitlements),
		Institution:  tc.HomeOrganization,
	}
	fillDefaults(&c)
	return c
}

// fillDefaults derives username and institution when the provider omits them.
func fillDefaults(c *Claims) {
	if c.Username == "" {
		if at := strings.IndexByte(c.Email, '@'); at > 0 {
			c.Username = c.Email[:at]
		} else {
			c.Username = c.Subject
		}
	}
	if c.Institution == "" {
		c.Institution = roles.EmailDomain(c.Email)
	}
	if c.Name == "" {
		c.Name = c.Username
	}
}

func validationReason(err error) string {
	switch {
	case errors.Is(err, errUnknownKey):
		return ReasonUnknownKey
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ReasonNotYetValid
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonIssuedAt
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ReasonIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ReasonAudience
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonSignature
	default:
		return ReasonMalformed
	}
}

// keySet returns cached keys, fetching them when the cache is stale or a
// refresh is forced. Concurrent fetches are collapsed into one request.
func (v *Validator) keySet(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	now := v.now()
	fresh := len(cache.set.Keys) > 0 && now.Before(cache.expires)
	if fresh && (!force || now.Sub(cache.fetched) < minForcedRefresh) {
		return cache.set, nil
	}

	res, err, _ := v.group.Do("jwks", func() (any, error) {
		return v.fetch(ctx)
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return res.(jose.JSONWebKeySet), nil
}

func (v *Validator) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	req.Header.Set("Accept", "application/json")
	if cache.etag != "" && len(cache.set.Keys) > 0 {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	now := v.now()
	if resp.StatusCode == http.StatusNotModified {
		cache.fetched = now
		cache.expires = now.Add(v.cacheDuration(resp.Header.Get("Cache-Control")))
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return jose.JSONWebKeySet{}, errors.New("jwks contains no keys")
	}

	cache = jwksCache{
		set:     set,
		fetched: now,
		expires: now.Add(v.cacheDuration(resp.Header.Get("Cache-Control"))),
		etag:    resp.Header.Get("ETag"),
	}
	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()
	return set, nil
}

// cacheDuration honours max-age but never exceeds the configured TTL.
func (v *Validator) cacheDuration(header string) time.Duration {
	ttl := v.cfg.CacheTTL
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil && secs > 0 && secs < ttl {
				return secs
			}
		}
	}
	return ttl
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if k.Use == "enc" {
			continue
		}
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}
