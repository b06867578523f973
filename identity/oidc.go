package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"datahub/roles"
)

const wellKnownSuffix = "/.well-known/openid-configuration"

// DefaultOIDCScopes request the profile and the entitlement claim.
var DefaultOIDCScopes = []string{oidc.ScopeOpenID, "profile", "email", "eduperson_entitlement"}

// OIDCConfig describes an institutional OpenID Connect provider.
type OIDCConfig struct {
	Name         string
	DisplayName  string
	DiscoveryURL string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	JWKSCacheTTL time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
	// AllowSilentLogin drops prompt=login, letting the provider reuse an
	// existing sign-in.
	AllowSilentLogin bool
}

// OIDCProvider is the high-trust provider variant: identity comes from a
// validated ID token and roles from entitlements.
type OIDCProvider struct {
	cfg       OIDCConfig
	issuer    string
	oauth     oauth2.Config
	op        *oidc.Provider
	validator *Validator
	resolver  roles.Resolver
	client    *http.Client
	logger    *slog.Logger
	userInfo  bool
}

type discoveryExtras struct {
	JWKSURI          string `json:"jwks_uri"`
	UserInfoEndpoint string `json:"userinfo_endpoint"`
}

// IssuerFromDiscoveryURL strips the well-known suffix from a discovery URL.
func IssuerFromDiscoveryURL(discoveryURL string) string {
	return strings.TrimSuffix(strings.TrimSuffix(discoveryURL, wellKnownSuffix), "/")
}

// NewOIDCProvider resolves the provider endpoints through discovery.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, resolver roles.Resolver) (*OIDCProvider, error) {
	if cfg.DiscoveryURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, &Error{Kind: ConfigurationError, Provider: cfg.Name, Reason: "client id, client secret and discovery url are required"}
	}
	if resolver == nil {
		resolver = roles.EntitlementResolver{Parser: roles.NewEntitlementParser("", "")}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultOIDCScopes
	}

	issuer := IssuerFromDiscoveryURL(cfg.DiscoveryURL)
	op, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return nil, &Error{Kind: ConfigurationError, Provider: cfg.Name, Reason: "discovery failed", Err: err}
	}

	var extras discoveryExtras
	if err := op.Claims(&extras); err != nil {
		return nil, &Error{Kind: ConfigurationError, Provider: cfg.Name, Reason: "invalid discovery document", Err: err}
	}
	if extras.JWKSURI == "" {
		return nil, &Error{Kind: ConfigurationError, Provider: cfg.Name, Reason: "discovery document has no jwks_uri"}
	}

	return &OIDCProvider{
		cfg:    cfg,
		issuer: issuer,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     op.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		op: op,
		validator: NewValidator(ValidatorConfig{
			JWKSURL:    extras.JWKSURI,
			CacheTTL:   cfg.JWKSCacheTTL,
			HTTPClient: client,
		}),
		resolver: resolver,
		client:   client,
		logger:   logger,
		userInfo: extras.UserInfoEndpoint != "",
	}, nil
}

func (p *OIDCProvider) Name() string    { return p.cfg.Name }
func (p *OIDCProvider) Kind() string    { return KindOIDC }
func (p *OIDCProvider) UsesNonce() bool { return true }

func (p *OIDCProvider) DisplayName() string {
	if p.cfg.DisplayName != "" {
		return p.cfg.DisplayName
	}
	return p.cfg.Name
}

// Issuer is the expected iss claim.
func (p *OIDCProvider) Issuer() string { return p.issuer }

func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	opts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}
	if !p.cfg.AllowSilentLogin {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "login"))
	}
	return p.oauth.AuthCodeURL(state, opts...)
}

func (p *OIDCProvider) Exchange(ctx context.Context, code string) (TokenSet, error) {
	tok, err := p.oauth.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return TokenSet{}, classifyExchangeError(p.cfg.Name, err)
	}
	return tokenSetFrom(tok), nil
}

// FetchIdentity validates the ID token and fills gaps from the userinfo
// endpoint. Some federations only release entitlements through userinfo.
func (p *OIDCProvider) FetchIdentity(ctx context.Context, tokens TokenSet, nonce string) (Claims, error) {
	if tokens.IDToken == "" {
		return Claims{}, &Error{Kind: TokenValidationFailure, Provider: p.cfg.Name, Reason: ReasonMissingToken}
	}
	claims, err := p.validator.Validate(ctx, tokens.IDToken, Expectations{
		Issuer:   p.issuer,
		Audience: p.cfg.ClientID,
		Nonce:    nonce,
	})
	if err != nil {
		var ierr *Error
		if errors.As(err, &ierr) {
			ierr.Provider = p.cfg.Name
		}
		return Claims{}, err
	}

	if !p.userInfo || (len(claims.Entitlements) > 0 && claims.Email != "") {
		return claims, nil
	}
	if err := p.mergeUserInfo(ctx, tokens, &claims); err != nil {
		var ierr *Error
		if errors.As(err, &ierr) {
			return Claims{}, err
		}
		p.logger.Warn("userinfo lookup failed", "provider", p.cfg.Name, "error", err)
	}
	return claims, nil
}

func (p *OIDCProvider) mergeUserInfo(ctx context.Context, tokens TokenSet, claims *Claims) error {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tokens.AccessToken, TokenType: "Bearer"})
	info, err := p.op.UserInfo(p.clientContext(ctx), ts)
	if err != nil {
		return fmt.Errorf("userinfo: %w", err)
	}
	if info.Subject != claims.Subject {
		return &Error{Kind: TokenValidationFailure, Provider: p.cfg.Name, Reason: ReasonSubject,
			Err: errors.New("userinfo subject differs from id token")}
	}

	var extra struct {
		Name              string          `json:"name"`
		PreferredUsername string          `json:"preferred_username"`
		HomeOrganization  string          `json:"schac_home_organization"`
		Entitlements      entitlementList `json:"eduperson_entitlement"`
	}
	if err := info.Claims(&extra); err != nil {
		return fmt.Errorf("userinfo claims: %w", err)
	}

	if len(claims.Entitlements) == 0 {
		claims.Entitlements = extra.Entitlements
	}
	if claims.Email == "" && info.Email != "" {
		claims.Email = info.Email
	}
	if extra.HomeOrganization != "" {
		claims.Institution = extra.HomeOrganization
	}
	if extra.Name != "" && claims.Name == claims.Username {
		claims.Name = extra.Name
	}
	if claims.Username == claims.Subject {
		// derived from sub only; prefer what userinfo offers
		claims.Username = extra.PreferredUsername
	}
	fillDefaults(claims)
	return nil
}

func (p *OIDCProvider) ResolveRoles(c Claims) roles.RoleSet {
	return p.resolver.Resolve(c.RoleSubject())
}

func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if refreshToken == "" {
		return TokenSet{}, ErrRefreshUnsupported
	}
	src := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return TokenSet{}, classifyExchangeError(p.cfg.Name, err)
	}
	return tokenSetFrom(tok), nil
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}
