package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"datahub/identity"
	"datahub/session"
	"datahub/store"
	"datahub/users"
)

const (
	loginPath  = "/auth/login"
	logoutPath = "/auth/logout"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    store.Store
	Users    users.Repository
	Flow     *identity.LoginFlow
	Basic    *identity.BasicAuthenticator
	Sessions *session.Manager
	Janitor  *store.Janitor

	validate *validator.Validate
	storage  *storage
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	st, err := openStorage(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	flow := identity.NewLoginFlow(st.Store, identity.FlowConfig{
		StateTTL:        cfg.Session.StateTTL,
		ExchangeTimeout: cfg.Session.ExchangeTimeout,
		Logger:          logger,
	})
	RegisterProviders(ctx, cfg, flow, logger)

	sessions, err := session.NewManager(st.Store, flow, session.Config{
		Secret:       cfg.Session.Secret,
		Lifetime:     cfg.Session.Lifetime,
		Secure:       !cfg.Server.DevMode,
		CookieDomain: cfg.Server.CookieDomain,
		Logger:       logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st.Store,
		Users:    st.Users,
		Flow:     flow,
		Basic:    identity.NewBasicAuthenticator(st.Users, cfg.StaticUsers(), logger),
		Sessions: sessions,
		Janitor:  store.NewJanitor(st.Store, cfg.Store.CleanupInterval, logger),
		validate: validator.New(),
		storage:  st,
	}, nil
}

// Close releases the storage backend.
func (a *App) Close() error {
	if a.storage == nil {
		return nil
	}
	return a.storage.Close()
}

// RegisterProviders sets up every redirect provider on flow. A provider that
// cannot be configured stays known so that logins against it report why.
func RegisterProviders(ctx context.Context, cfg Config, flow *identity.LoginFlow, logger *slog.Logger) {
	gh := cfg.Auth.GitHub
	if gh.Configured() {
		p, err := identity.NewGitHubProvider(identity.GitHubConfig{
			ClientID:     gh.ClientID,
			ClientSecret: gh.ClientSecret,
			RedirectURL:  cfg.RedirectURL(identity.KindGitHub),
			Scopes:       gh.Scopes,
		}, cfg.GitHubPolicy())
		if err != nil {
			logger.Error("github provider unavailable", "error", err)
			flow.MarkUnavailable(identity.KindGitHub, err)
		} else {
			flow.Register(p)
			logger.Info("provider registered", "provider", identity.KindGitHub)
		}
	} else {
		flow.MarkUnavailable(identity.KindGitHub, errors.New("client credentials missing"))
	}

	resolver := cfg.EntitlementResolver()
	for name, oc := range cfg.Auth.OIDC {
		if !oc.Configured() {
			flow.MarkUnavailable(name, errors.New("client credentials or discovery url missing"))
			continue
		}
		p, err := identity.NewOIDCProvider(ctx, identity.OIDCConfig{
			Name:             name,
			DisplayName:      oc.DisplayName,
			DiscoveryURL:     oc.DiscoveryURL,
			ClientID:         oc.ClientID,
			ClientSecret:     oc.ClientSecret,
			RedirectURL:      cfg.RedirectURL(name),
			Scopes:           oc.Scopes,
			JWKSCacheTTL:     oc.JWKSCacheTTL,
			AllowSilentLogin: oc.AllowSilentLogin,
			Logger:           logger,
		}, resolver)
		if err != nil {
			logger.Error("oidc provider unavailable", "provider", name, "error", err)
			flow.MarkUnavailable(name, err)
			continue
		}
		flow.Register(p)
		logger.Info("provider registered", "provider", name, "issuer", p.Issuer())
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	a.renderLogin(w, r, http.StatusOK)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "provider")

	browser, err := a.Sessions.BrowserKey(w, r)
	if err != nil {
		a.Logger.Error("issue browser key failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if next := safeNext(r.URL.Query().Get("next")); next != "" {
		if err := a.Sessions.SetNext(ctx, w, r, next, a.Config.Session.StateTTL); err != nil {
			a.Logger.Warn("remember next url failed", "error", err)
		}
	}

	authURL, err := a.Flow.BeginLogin(ctx, browser, name)
	if err != nil {
		a.loginFailed(w, r, name, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "provider")
	params := r.URL.Query()

	attrs := []any{"provider", name}
	if code := params.Get("code"); code != "" {
		attrs = append(attrs, "code_prefix", codePrefix(code))
	}
	a.Logger.Debug("login callback received", attrs...)

	browser, err := a.Sessions.BrowserKey(w, r)
	if err != nil {
		a.Logger.Error("issue browser key failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	res, err := a.Flow.CompleteLogin(ctx, browser, name, params)
	if err != nil {
		a.loginFailed(w, r, name, err)
		return
	}

	// read before Create rotates the browser key
	next := a.Sessions.TakeNext(ctx, r)

	if _, err := a.Sessions.Create(ctx, w, r, session.RecordFrom(res)); err != nil {
		a.Logger.Error("create session failed", "provider", name, "error", err)
		a.loginFailed(w, r, name, err)
		return
	}
	a.recordLogin(ctx, res)

	a.Logger.Info("login succeeded",
		"provider", name,
		"user", res.Claims.Username,
		"roles", res.Roles.Strings())
	a.flash(w, r, session.FlashSuccess, "Welcome, "+displayName(res.Claims)+"!")
	a.redirectAfterLogin(w, r, next)
}

// loginFailed logs err at its severity and sends the browser back to the
// login page with a safe message.
func (a *App) loginFailed(w http.ResponseWriter, r *http.Request, provider string, err error) {
	level := slog.LevelError
	attrs := []any{"provider", provider, "error", err}
	var ierr *identity.Error
	if errors.As(err, &ierr) {
		level = ierr.Level()
		attrs = append(attrs, "kind", ierr.Kind.String())
		if ierr.Reason != "" {
			attrs = append(attrs, "reason", ierr.Reason)
		}
	}
	a.Logger.Log(r.Context(), level, "login failed", attrs...)

	category := session.FlashError
	if ierr != nil && ierr.Kind == identity.ProviderDenied {
		category = session.FlashInfo
	}
	a.flash(w, r, category, identity.UserMessage(err))
	http.Redirect(w, r, loginPath, http.StatusFound)
}

// recordLogin upserts the account behind a federated login. Failures are
// logged and do not block the login.
func (a *App) recordLogin(ctx context.Context, res *identity.Result) {
	if res.Kind == identity.KindBasic {
		return
	}
	u, err := a.Users.Upsert(ctx, users.Login{
		Username:    res.Claims.Username,
		Email:       res.Claims.Email,
		Name:        res.Claims.Name,
		Provider:    res.Provider,
		Subject:     res.Claims.Subject,
		Institution: res.Claims.Institution,
		Roles:       res.Roles.Strings(),
	})
	if err != nil {
		a.Logger.Warn("record login failed", "provider", res.Provider, "user", res.Claims.Username, "error", err)
		return
	}
	a.Logger.Debug("login recorded", "user_id", u.ID.String(), "login_count", u.LoginCount)
}

func (a *App) redirectAfterLogin(w http.ResponseWriter, r *http.Request, next string) {
	if next = safeNext(next); next == "" {
		next = a.Config.Server.LandingPath
	}
	http.Redirect(w, r, next, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := a.Sessions.Load(ctx, r)
	if err != nil {
		a.Logger.Warn("load session on logout failed", "error", err)
	}
	if err := a.Sessions.Destroy(ctx, w, r); err != nil {
		a.Logger.Error("destroy session failed", "error", err)
	}
	if sess != nil {
		a.Logger.Info("logout", "provider", sess.Provider, "user", sess.Claims.Username)
	}
	a.flash(w, r, session.FlashInfo, "You have been logged out.")
	http.Redirect(w, r, loginPath, http.StatusFound)
}

// userView is the JSON shape of the signed-in user.
type userView struct {
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Provider     string    `json:"provider"`
	Kind         string    `json:"kind"`
	Institution  string    `json:"institution,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Entitlements []string  `json:"entitlements,omitempty"`
	Roles        []string  `json:"roles"`
	LoginAt      time.Time `json:"login_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func viewOf(sess *session.Session) *userView {
	if sess == nil {
		return nil
	}
	return &userView{
		Username:     sess.Claims.Username,
		Email:        sess.Claims.Email,
		Name:         sess.Claims.Name,
		Provider:     sess.Provider,
		Kind:         sess.Kind,
		Institution:  sess.Claims.Institution,
		AvatarURL:    sess.Claims.AvatarURL,
		Entitlements: sess.Claims.Entitlements,
		Roles:        sess.Roles.Strings(),
		LoginAt:      sess.LoginAt,
		ExpiresAt:    sess.ExpiresAt,
	}
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadSession(w, r)
	if !ok {
		return
	}
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, viewOf(sess))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]any{
		"authenticated": sess != nil,
		"user":          viewOf(sess),
	})
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	writeJSON(w, map[string]any{
		"user":         viewOf(sess),
		"highest_role": sess.Roles.Highest(),
	})
}

func (a *App) handleDebugSession(w http.ResponseWriter, r *http.Request) {
	if !a.Config.Server.DevMode {
		writeError(w, http.StatusForbidden, "Debug endpoint only available in development mode")
		return
	}
	sess, ok := a.loadSession(w, r)
	if !ok {
		return
	}
	keys, err := a.Sessions.Keys(r.Context(), r)
	if err != nil {
		a.Logger.Error("list session keys failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	providers := make([]string, 0)
	for _, p := range a.Flow.Providers() {
		providers = append(providers, p.Name())
	}
	writeJSON(w, map[string]any{
		"session_keys":       keys,
		"user_authenticated": sess != nil,
		"user_data":          viewOf(sess),
		"config": map[string]any{
			"dev_mode":      a.Config.Server.DevMode,
			"public_url":    a.Config.Server.PublicURL,
			"providers":     providers,
			"basic_enabled": a.Config.Auth.Basic.Enabled,
			"store_driver":  a.Config.Store.Driver,
		},
	})
}

// loadSession reports false after answering the request itself.
func (a *App) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := a.Sessions.Load(r.Context(), r)
	if err != nil {
		a.Logger.Error("load session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return nil, false
	}
	return sess, true
}

func (a *App) flash(w http.ResponseWriter, r *http.Request, category, msg string) {
	if err := a.Sessions.AddFlash(r.Context(), w, r, category, msg); err != nil {
		a.Logger.Warn("store flash message failed", "error", err)
	}
}

func displayName(c identity.Claims) string {
	if c.Name != "" {
		return c.Name
	}
	return c.Username
}

func codePrefix(code string) string {
	if len(code) > 8 {
		return code[:8] + "..."
	}
	return code
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}
