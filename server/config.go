package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"datahub/identity"
	"datahub/roles"
)

// Hardcoded session and login defaults
const (
	DefaultSessionLifetime = 12 * time.Hour
	DefaultStateTTL        = 10 * time.Minute
	DefaultExchangeTimeout = 30 * time.Second
	DefaultCleanupInterval = 5 * time.Minute
	MinSessionSecretLength = 32
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// HelmholtzDiscoveryURL is the public Helmholtz AAI discovery document.
const HelmholtzDiscoveryURL = "https://login.helmholtz.de/oauth2/.well-known/openid-configuration"

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url" validate:"required,url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	CookieDomain      string    `yaml:"cookie_domain"`
	SecretsPath       string    `yaml:"secrets_path"`
	TLS               TLSConfig `yaml:"tls"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	// LandingPath is where a completed login goes when no next URL was given.
	LandingPath string   `yaml:"landing_path" validate:"required,startswith=/"`
	CORSOrigins []string `yaml:"cors_origins" validate:"dive,url"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email" validate:"omitempty,email"`
	MinVersion string   `yaml:"min_version" validate:"omitempty,oneof=1.2 1.3"`
	HSTSMaxAge int      `yaml:"hsts_max_age" validate:"gte=0"`
}

// SessionConfig controls the browser session.
type SessionConfig struct {
	Secret          string        `yaml:"secret" validate:"required,min=32"`
	Lifetime        time.Duration `yaml:"lifetime" validate:"gt=0"`
	StateTTL        time.Duration `yaml:"state_ttl" validate:"gt=0"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout" validate:"gt=0"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory postgres"`
	DSN             string        `yaml:"dsn" validate:"required_if=Driver postgres"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	// AutoMigrate applies the embedded schema at startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// AuthConfig groups the three authentication tiers.
type AuthConfig struct {
	GitHub       GitHubConfig                  `yaml:"github"`
	OIDC         map[string]OIDCProviderConfig `yaml:"oidc" validate:"dive"`
	Entitlements EntitlementConfig             `yaml:"entitlements"`
	Basic        BasicConfig                   `yaml:"basic"`
}

// GitHubConfig configures the low-trust GitHub tier.
type GitHubConfig struct {
	ClientID     string            `yaml:"client_id"`
	ClientSecret string            `yaml:"client_secret"`
	Scopes       []string          `yaml:"scopes"`
	RoleMappings map[string]string `yaml:"role_mappings"`
	// OrgEmailSuffix grants OrgRole to accounts with a matching email.
	OrgEmailSuffix string `yaml:"org_email_suffix"`
	OrgRole        string `yaml:"org_role"`
}

// Configured reports whether both client credentials are present.
func (g GitHubConfig) Configured() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// OIDCProviderConfig configures one institutional OpenID provider.
type OIDCProviderConfig struct {
	DisplayName  string        `yaml:"display_name"`
	DiscoveryURL string        `yaml:"discovery_url" validate:"omitempty,url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scopes       []string      `yaml:"scopes"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	// AllowSilentLogin omits prompt=login from the authorization URL.
	AllowSilentLogin bool `yaml:"allow_silent_login"`
}

// Configured reports whether the provider can be used.
func (o OIDCProviderConfig) Configured() bool {
	return o.ClientID != "" && o.ClientSecret != "" && o.DiscoveryURL != ""
}

// EntitlementConfig tunes entitlement parsing and role resolution.
type EntitlementConfig struct {
	Service           string   `yaml:"service"`
	ProjectMarker     string   `yaml:"project_marker"`
	ResearcherDomains []string `yaml:"researcher_domains"`
}

// BasicConfig configures the username/password tier.
type BasicConfig struct {
	Enabled bool `yaml:"enabled"`
	// StaticUsers are only honoured in dev mode.
	StaticUsers []StaticUserConfig `yaml:"static_users" validate:"dive"`
}

// StaticUserConfig is a development account with a bcrypt password hash.
type StaticUserConfig struct {
	Username     string   `yaml:"username" validate:"required"`
	Email        string   `yaml:"email" validate:"omitempty,email"`
	Name         string   `yaml:"name"`
	PasswordHash string   `yaml:"password_hash" validate:"required,startswith=$2"`
	Roles        []string `yaml:"roles"`
}

// LoadConfig reads .env, the YAML config file and environment overrides.
func LoadConfig(path string) (Config, error) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyProviderDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			LandingPath:     "/",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Session: SessionConfig{
			Lifetime:        DefaultSessionLifetime,
			StateTTL:        DefaultStateTTL,
			ExchangeTimeout: DefaultExchangeTimeout,
		},
		Store: StoreConfig{
			Driver:          "memory",
			CleanupInterval: DefaultCleanupInterval,
		},
		Auth: AuthConfig{
			GitHub: GitHubConfig{
				RoleMappings: map[string]string{"*": string(roles.Viewer)},
			},
			OIDC: map[string]OIDCProviderConfig{
				"helmholtz": {
					DisplayName:  "Helmholtz ID",
					DiscoveryURL: HelmholtzDiscoveryURL,
				},
				"bwidm": {
					DisplayName: "bwIDM",
				},
			},
			Entitlements: EntitlementConfig{
				Service:       roles.DefaultService,
				ProjectMarker: roles.DefaultProjectMarker,
			},
			Basic: BasicConfig{Enabled: true},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"DATAHUB_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"DATAHUB_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"DATAHUB_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"DATAHUB_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"DATAHUB_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"DATAHUB_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"DATAHUB_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"DATAHUB_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"DATAHUB_SERVER_CORS_ORIGINS":      func(v string) { cfg.Server.CORSOrigins = splitAndTrim(v) },
		"DATAHUB_SESSION_SECRET":           func(v string) { cfg.Session.Secret = v },
		"DATAHUB_SESSION_LIFETIME":         func(v string) { cfg.Session.Lifetime = parseDuration(v, cfg.Session.Lifetime) },
		"DATAHUB_STORE_DRIVER":             func(v string) { cfg.Store.Driver = v },
		"DATAHUB_STORE_DSN":                func(v string) { cfg.Store.DSN = v },
		"DATAHUB_RESEARCHER_DOMAINS":       func(v string) { cfg.Auth.Entitlements.ResearcherDomains = splitAndTrim(v) },
		"GITHUB_CLIENT_ID":                 func(v string) { cfg.Auth.GitHub.ClientID = v },
		"GITHUB_CLIENT_SECRET":             func(v string) { cfg.Auth.GitHub.ClientSecret = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	// Per-provider credentials, e.g. HELMHOLTZ_CLIENT_ID or BWIDM_DISCOVERY_URL.
	for name, p := range cfg.Auth.OIDC {
		prefix := strings.ToUpper(name) + "_"
		if v, ok := os.LookupEnv(prefix + "CLIENT_ID"); ok {
			p.ClientID = v
		}
		if v, ok := os.LookupEnv(prefix + "CLIENT_SECRET"); ok {
			p.ClientSecret = v
		}
		if v, ok := os.LookupEnv(prefix + "DISCOVERY_URL"); ok {
			p.DiscoveryURL = v
		}
		cfg.Auth.OIDC[name] = p
	}
}

// applyProviderDefaults restores defaults lost when a provider entry in
// the YAML file replaces the built-in one.
func applyProviderDefaults(cfg *Config) {
	for name, p := range cfg.Auth.OIDC {
		if name == "helmholtz" && p.DiscoveryURL == "" {
			p.DiscoveryURL = HelmholtzDiscoveryURL
		}
		if p.DisplayName == "" {
			p.DisplayName = name
		}
		cfg.Auth.OIDC[name] = p
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = validator.New()

// Validate runs the struct tag rules and the cross-field checks.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				slog.Error("Invalid configuration value", "field", fe.Namespace(), "rule", fe.Tag())
			}
			fe := verrs[0]
			if fe.StructField() == "Secret" {
				return fmt.Errorf("session.secret is required and must be at least %d characters", MinSessionSecretLength)
			}
			return fmt.Errorf("invalid configuration: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.CookieDomain != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	for login, role := range c.Auth.GitHub.RoleMappings {
		if !isKnownRole(role) {
			slog.Error("Unknown role in GitHub mapping", "login", login, "role", role)
			return fmt.Errorf("auth.github.role_mappings[%s]: unknown role %q", login, role)
		}
	}
	if c.Auth.GitHub.OrgRole != "" && !isKnownRole(c.Auth.GitHub.OrgRole) {
		slog.Error("Unknown role", "field", "auth.github.org_role", "role", c.Auth.GitHub.OrgRole)
		return fmt.Errorf("auth.github.org_role: unknown role %q", c.Auth.GitHub.OrgRole)
	}

	if !c.Server.DevMode && len(c.Auth.Basic.StaticUsers) > 0 {
		slog.Warn("Static users are ignored outside dev mode", "count", len(c.Auth.Basic.StaticUsers))
	}

	return nil
}

func isKnownRole(s string) bool {
	r := roles.Normalize(s)
	for _, known := range roles.Precedence {
		if r == known {
			return true
		}
	}
	return false
}

// ProviderNames lists the redirect providers with credentials, sorted.
func (c Config) ProviderNames() []string {
	var names []string
	if c.Auth.GitHub.Configured() {
		names = append(names, identity.KindGitHub)
	}
	for name, p := range c.Auth.OIDC {
		if p.Configured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EntitlementResolver builds the resolver for OIDC providers.
func (c Config) EntitlementResolver() roles.EntitlementResolver {
	return roles.EntitlementResolver{
		Parser:            roles.NewEntitlementParser(c.Auth.Entitlements.Service, c.Auth.Entitlements.ProjectMarker),
		ResearcherDomains: c.Auth.Entitlements.ResearcherDomains,
	}
}

// GitHubPolicy builds the GitHub role resolver.
func (c Config) GitHubPolicy() roles.GitHubResolver {
	m := make(map[string]roles.Role, len(c.Auth.GitHub.RoleMappings))
	for login, role := range c.Auth.GitHub.RoleMappings {
		m[login] = roles.Normalize(role)
	}
	return roles.GitHubResolver{
		Mappings:       m,
		OrgEmailSuffix: c.Auth.GitHub.OrgEmailSuffix,
		OrgRole:        roles.Normalize(c.Auth.GitHub.OrgRole),
	}
}

// StaticUsers returns the development accounts, or nil outside dev mode.
func (c Config) StaticUsers() []identity.StaticUser {
	if !c.Server.DevMode {
		return nil
	}
	out := make([]identity.StaticUser, 0, len(c.Auth.Basic.StaticUsers))
	for _, u := range c.Auth.Basic.StaticUsers {
		out = append(out, identity.StaticUser{
			Username:     u.Username,
			Email:        u.Email,
			Name:         u.Name,
			PasswordHash: u.PasswordHash,
			Roles:        u.Roles,
		})
	}
	return out
}

// RedirectURL is the callback registered with a provider.
func (c Config) RedirectURL(provider string) string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/auth/callback/" + provider
}
