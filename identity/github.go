package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"datahub/roles"
)

// DefaultGitHubScopes grant read access to the profile and email addresses.
var DefaultGitHubScopes = []string{"user:email", "read:user"}

const (
	defaultGitHubAPI = "https://api.github.com"
	githubUserAgent  = "ASSAS-Data-Hub"
)

// GitHubConfig configures the GitHub OAuth provider.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Endpoint and APIBaseURL default to github.com.
	Endpoint   oauth2.Endpoint
	APIBaseURL string
	HTTPClient *http.Client
}

// GitHubProvider is the low-trust provider variant. GitHub speaks plain
// OAuth 2.0, so identity comes from the REST API and roles from the
// configured username mapping.
type GitHubProvider struct {
	oauth      oauth2.Config
	apiBaseURL string
	client     *http.Client
	resolver   roles.Resolver
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// NewGitHubProvider returns a ConfigurationError when the client
// credentials are missing.
func NewGitHubProvider(cfg GitHubConfig, resolver roles.Resolver) (*GitHubProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, &Error{Kind: ConfigurationError, Provider: KindGitHub, Reason: "client id and client secret are required"}
	}
	if resolver == nil {
		resolver = roles.GitHubResolver{}
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultGitHubScopes
	}
	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint = github.Endpoint
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultGitHubAPI
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GitHubProvider{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		apiBaseURL: cfg.APIBaseURL,
		client:     client,
		resolver:   resolver,
	}, nil
}

func (p *GitHubProvider) Name() string        { return KindGitHub }
func (p *GitHubProvider) Kind() string        { return KindGitHub }
func (p *GitHubProvider) DisplayName() string { return "GitHub" }
func (p *GitHubProvider) UsesNonce() bool     { return false }

func (p *GitHubProvider) AuthCodeURL(state, _ string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *GitHubProvider) Exchange(ctx context.Context, code string) (TokenSet, error) {
	tok, err := p.oauth.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return TokenSet{}, classifyExchangeError(KindGitHub, err)
	}
	return tokenSetFrom(tok), nil
}

// FetchIdentity reads the profile from the API. When the public email is
// hidden, the primary verified address is used instead.
func (p *GitHubProvider) FetchIdentity(ctx context.Context, tokens TokenSet, _ string) (Claims, error) {
	var user githubUser
	if err := p.get(ctx, tokens.AccessToken, "/user", &user); err != nil {
		return Claims{}, &Error{Kind: ProviderError, Provider: KindGitHub, Reason: "user profile", Err: err}
	}
	if user.Login == "" {
		return Claims{}, &Error{Kind: ProviderError, Provider: KindGitHub, Reason: "user profile has no login"}
	}

	email := user.Email
	if email == "" {
		// A missing address is not fatal; the user simply gets no org role.
		email, _ = p.primaryEmail(ctx, tokens.AccessToken)
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}
	return Claims{
		Subject:     strconv.FormatInt(user.ID, 10),
		Username:    user.Login,
		Email:       email,
		Name:        name,
		Institution: roles.EmailDomain(email),
		AvatarURL:   user.AvatarURL,
	}, nil
}

func (p *GitHubProvider) primaryEmail(ctx context.Context, accessToken string) (string, error) {
	var emails []githubEmail
	if err := p.get(ctx, accessToken, "/user/emails", &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}
	return "", errors.New("no verified email found")
}

func (p *GitHubProvider) get(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", githubUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (p *GitHubProvider) ResolveRoles(c Claims) roles.RoleSet {
	return p.resolver.Resolve(c.RoleSubject())
}

// Refresh is unsupported: GitHub OAuth app tokens do not expire.
func (p *GitHubProvider) Refresh(context.Context, string) (TokenSet, error) {
	return TokenSet{}, ErrRefreshUnsupported
}

func (p *GitHubProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}
