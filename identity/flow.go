package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"datahub/roles"
	"datahub/store"
)

const (
	DefaultStateTTL        = 10 * time.Minute
	DefaultExchangeTimeout = 30 * time.Second

	// tokenBytes is the entropy of state and nonce values.
	tokenBytes = 32
)

// FlowConfig configures a LoginFlow.
type FlowConfig struct {
	StateTTL        time.Duration
	ExchangeTimeout time.Duration
	Logger          *slog.Logger
}

// LoginFlow drives the redirect-based login: it issues state and nonce,
// sends the browser to the provider and validates the callback.
type LoginFlow struct {
	store           store.Store
	stateTTL        time.Duration
	exchangeTimeout time.Duration
	logger          *slog.Logger

	mu          sync.RWMutex
	providers   map[string]Provider
	unavailable map[string]error
}

// Result is the outcome of a successful callback.
type Result struct {
	Provider string
	Kind     string
	Tokens   TokenSet
	Claims   Claims
	Roles    roles.RoleSet
}

// NewLoginFlow creates a flow backed by s.
func NewLoginFlow(s store.Store, cfg FlowConfig) *LoginFlow {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LoginFlow{
		store:           s,
		stateTTL:        cfg.StateTTL,
		exchangeTimeout: cfg.ExchangeTimeout,
		logger:          cfg.Logger,
		providers:       make(map[string]Provider),
		unavailable:     make(map[string]error),
	}
}

// Register makes p available for login.
func (f *LoginFlow) Register(p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[p.Name()] = p
	delete(f.unavailable, p.Name())
}

// MarkUnavailable records a known provider whose configuration failed.
// Logins against it fail with a ConfigurationError.
func (f *LoginFlow) MarkUnavailable(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.providers, name)
	f.unavailable[name] = err
}

// Provider looks up a registered provider.
func (f *LoginFlow) Provider(name string) (Provider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if p, ok := f.providers[name]; ok {
		return p, nil
	}
	if cause, ok := f.unavailable[name]; ok {
		return nil, &Error{Kind: ConfigurationError, Provider: name, Err: cause}
	}
	return nil, &Error{Kind: ProviderError, Provider: name, Reason: "unknown provider"}
}

// Providers returns the registered providers sorted by name.
func (f *LoginFlow) Providers() []Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Provider, 0, len(f.providers))
	for _, p := range f.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// StateKey is the store key holding the pending state for one browser
// and provider.
func StateKey(browser, provider string) string {
	return "state:" + browser + ":" + provider
}

// NonceKey is the store key holding the pending nonce.
func NonceKey(browser, provider string) string {
	return "nonce:" + browser + ":" + provider
}

// BeginLogin issues a fresh state (and nonce, where the provider uses one)
// and returns the provider authorization URL. A newer login for the same
// provider replaces the pending values.
func (f *LoginFlow) BeginLogin(ctx context.Context, browser, name string) (string, error) {
	p, err := f.Provider(name)
	if err != nil {
		return "", err
	}

	state, err := store.NewToken(tokenBytes)
	if err != nil {
		return "", err
	}
	if err := f.store.Set(ctx, StateKey(browser, name), []byte(state), f.stateTTL); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}

	nonce := ""
	if p.UsesNonce() {
		if nonce, err = store.NewToken(tokenBytes); err != nil {
			return "", err
		}
		if err := f.store.Set(ctx, NonceKey(browser, name), []byte(nonce), f.stateTTL); err != nil {
			return "", fmt.Errorf("store nonce: %w", err)
		}
	}

	f.logger.Debug("login started", "provider", name)
	return p.AuthCodeURL(state, nonce), nil
}

// CompleteLogin validates a provider callback. The pending state and nonce
// are consumed before any check, so a callback can be processed once.
func (f *LoginFlow) CompleteLogin(ctx context.Context, browser, name string, params url.Values) (*Result, error) {
	p, err := f.Provider(name)
	if err != nil {
		return nil, err
	}

	expected, err := f.take(ctx, StateKey(browser, name))
	if err != nil {
		return nil, err
	}
	nonce := ""
	if p.UsesNonce() {
		if nonce, err = f.take(ctx, NonceKey(browser, name)); err != nil {
			return nil, err
		}
	}

	if code := params.Get("error"); code != "" {
		if code == "access_denied" {
			return nil, &Error{Kind: ProviderDenied, Provider: name}
		}
		desc := params.Get("error_description")
		if desc == "" {
			desc = code
		}
		return nil, &Error{Kind: ProviderError, Provider: name, Reason: code, Description: desc}
	}

	got := params.Get("state")
	if expected == "" || got == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return nil, &Error{Kind: StateMismatch, Provider: name}
	}

	code := params.Get("code")
	if code == "" {
		return nil, &Error{Kind: ProviderError, Provider: name, Description: "No authorization code received"}
	}

	exCtx, cancel := context.WithTimeout(ctx, f.exchangeTimeout)
	tokens, err := p.Exchange(exCtx, code)
	cancel()
	if err != nil {
		var ierr *Error
		if !errors.As(err, &ierr) {
			err = classifyExchangeError(name, err)
		}
		return nil, err
	}

	claims, err := p.FetchIdentity(ctx, tokens, nonce)
	if err != nil {
		return nil, err
	}

	return &Result{
		Provider: name,
		Kind:     p.Kind(),
		Tokens:   tokens,
		Claims:   claims,
		Roles:    p.ResolveRoles(claims),
	}, nil
}

// take consumes a pending value; absence yields "".
func (f *LoginFlow) take(ctx context.Context, key string) (string, error) {
	v, err := f.store.Take(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("take pending login value: %w", err)
	}
	return string(v), nil
}
