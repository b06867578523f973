// Package session keeps per-browser login state on the server. The browser
// only holds a signed random identifier.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"datahub/identity"
	"datahub/roles"
	"datahub/store"
)

const (
	CookieName      = "datahub_session"
	DefaultLifetime = 12 * time.Hour
	MinSecretLength = 32

	browserIDBytes = 32
	sessionPrefix  = "session:"
	flashPrefix    = "flash:"
	nextPrefix     = "next:"
)

var ErrSecretTooShort = fmt.Errorf("session secret must be at least %d characters", MinSecretLength)

// Session is the record stored for an authenticated browser.
type Session struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Kind      string            `json:"kind"`
	Claims    identity.Claims   `json:"claims"`
	Roles     roles.RoleSet     `json:"roles"`
	Tokens    identity.TokenSet `json:"tokens"`
	LoginAt   time.Time         `json:"login_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Record is what a successful login hands to Create.
type Record struct {
	Provider string
	Kind     string
	Claims   identity.Claims
	Roles    roles.RoleSet
	Tokens   identity.TokenSet
}

// RecordFrom adapts a login result.
func RecordFrom(res *identity.Result) Record {
	return Record{
		Provider: res.Provider,
		Kind:     res.Kind,
		Claims:   res.Claims,
		Roles:    res.Roles,
		Tokens:   res.Tokens,
	}
}

// ProviderSource resolves the provider a session was created with.
type ProviderSource interface {
	Provider(name string) (identity.Provider, error)
}

// Config configures a Manager.
type Config struct {
	Secret       string
	Lifetime     time.Duration
	Secure       bool
	CookieDomain string
	Logger       *slog.Logger
}

// Manager creates, loads and destroys sessions.
type Manager struct {
	store     store.Store
	providers ProviderSource
	secret    []byte
	lifetime  time.Duration
	secure    bool
	domain    string
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager fails when the signing secret is too short.
func NewManager(s store.Store, providers ProviderSource, cfg Config) (*Manager, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:     s,
		providers: providers,
		secret:    []byte(cfg.Secret),
		lifetime:  cfg.Lifetime,
		secure:    cfg.Secure,
		domain:    cfg.CookieDomain,
		logger:    cfg.Logger,
		now:       time.Now,
	}, nil
}

// BrowserKey returns the browser identifier from the request cookie, issuing
// a new one when the cookie is absent or its signature does not verify.
func (m *Manager) BrowserKey(w http.ResponseWriter, r *http.Request) (string, error) {
	if id, ok := m.browserID(r); ok {
		return id, nil
	}
	id, err := store.NewToken(browserIDBytes)
	if err != nil {
		return "", err
	}
	m.setCookie(w, id)
	m.replaceRequestCookie(r, id)
	return id, nil
}

// Create stores a new session under a fresh browser identifier. The
// previous identifier and its session are dropped.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, r *http.Request, rec Record) (*Session, error) {
	old, hadOld := m.browserID(r)

	id, err := store.NewToken(browserIDBytes)
	if err != nil {
		return nil, err
	}
	now := m.now()
	sess := &Session{
		ID:        id,
		Provider:  rec.Provider,
		Kind:      rec.Kind,
		Claims:    rec.Claims,
		Roles:     rec.Roles,
		Tokens:    rec.Tokens,
		LoginAt:   now,
		ExpiresAt: now.Add(m.lifetime),
	}
	if len(sess.Roles) == 0 {
		sess.Roles = roles.NewRoleSet()
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}

	if hadOld {
		// carry pending flash messages over to the new identifier
		if msgs, err := m.store.Take(ctx, flashPrefix+old); err == nil {
			_ = m.store.Set(ctx, flashPrefix+id, msgs, m.lifetime)
		}
		if err := m.store.Delete(ctx, sessionPrefix+old); err != nil {
			m.logger.Warn("drop previous session failed", "error", err)
		}
	}

	m.setCookie(w, id)
	m.replaceRequestCookie(r, id)
	return sess, nil
}

// Load returns the session for the request, or nil when there is none.
func (m *Manager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	id, ok := m.browserID(r)
	if !ok {
		return nil, nil
	}
	raw, err := m.store.Get(ctx, sessionPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		m.logger.Warn("discarding unreadable session", "error", err)
		_ = m.store.Delete(ctx, sessionPrefix+id)
		return nil, nil
	}
	if !m.now().Before(sess.ExpiresAt) {
		_ = m.store.Delete(ctx, sessionPrefix+id)
		return nil, nil
	}
	return &sess, nil
}

// ValidAccessToken returns a usable access token, refreshing it through
// the originating provider when it has expired. The stored token set is
// replaced as a whole after a refresh. A stale token is never returned.
func (m *Manager) ValidAccessToken(ctx context.Context, sess *Session) (string, bool) {
	if sess == nil || sess.Tokens.AccessToken == "" {
		return "", false
	}
	if !sess.Tokens.Expired(m.now()) {
		return sess.Tokens.AccessToken, true
	}
	if sess.Tokens.RefreshToken == "" || m.providers == nil {
		return "", false
	}

	p, err := m.providers.Provider(sess.Provider)
	if err != nil {
		m.logger.Warn("cannot refresh token", "provider", sess.Provider, "error", err)
		return "", false
	}
	fresh, err := p.Refresh(ctx, sess.Tokens.RefreshToken)
	if err != nil {
		m.logger.Info("token refresh failed", "provider", sess.Provider, "error", err)
		return "", false
	}
	if fresh.AccessToken == "" || fresh.Expired(m.now()) {
		return "", false
	}

	sess.Tokens = fresh
	if err := m.save(ctx, sess); err != nil {
		m.logger.Error("store refreshed tokens failed", "error", err)
		return "", false
	}
	m.logger.Debug("access token refreshed", "provider", sess.Provider)
	return fresh.AccessToken, true
}

// Destroy removes everything stored for the browser and clears the cookie.
// A later BrowserKey call on the same request issues a fresh identifier.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, ok := m.browserID(r)
	m.clearCookie(w)
	m.replaceRequestCookie(r, "")
	if !ok {
		return nil
	}
	keys, err := m.browserKeys(ctx, id)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("destroy session: %w", err)
		}
	}
	return nil
}

// Keys lists which session-scoped entries exist for the request's browser,
// without the browser identifier.
func (m *Manager) Keys(ctx context.Context, r *http.Request) ([]string, error) {
	id, ok := m.browserID(r)
	if !ok {
		return []string{}, nil
	}
	keys, err := m.browserKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		kind, rest, _ := strings.Cut(k, ":")
		name := kind
		if _, provider, ok := strings.Cut(strings.TrimPrefix(rest, id), ":"); ok {
			name += ":" + provider
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) browserKeys(ctx context.Context, id string) ([]string, error) {
	var all []string
	for _, prefix := range []string{
		sessionPrefix + id,
		flashPrefix + id,
		nextPrefix + id,
		identity.StateKey(id, ""),
		identity.NonceKey(id, ""),
	} {
		keys, err := m.store.Keys(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list session keys: %w", err)
		}
		all = append(all, keys...)
	}
	return all, nil
}

func (m *Manager) save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return errors.New("session already expired")
	}
	if err := m.store.Set(ctx, sessionPrefix+sess.ID, raw, ttl); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (m *Manager) browserID(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return "", false
	}
	return m.verify(c.Value)
}

func (m *Manager) sign(id string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(value string) (string, bool) {
	id, _, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	if !hmac.Equal([]byte(m.sign(id)), []byte(value)) {
		return "", false
	}
	return id, true
}

// replaceRequestCookie lets later reads within the same request see id.
// An empty id removes the cookie.
func (m *Manager) replaceRequestCookie(r *http.Request, id string) {
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name != CookieName {
			r.AddCookie(c)
		}
	}
	if id != "" {
		r.AddCookie(&http.Cookie{Name: CookieName, Value: m.sign(id)})
	}
}

func (m *Manager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    m.sign(id),
		Path:     "/",
		Domain:   m.domain,
		HttpOnly: true,
		Secure:   m.secure,
		// Lax: the provider callback is a cross-site top-level navigation.
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.lifetime.Seconds()),
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.domain,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
