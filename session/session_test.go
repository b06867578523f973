package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datahub/identity"
	"datahub/roles"
	"datahub/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type refreshProvider struct {
	identity.Provider
	calls  int
	tokens identity.TokenSet
	err    error
}

func (p *refreshProvider) Refresh(context.Context, string) (identity.TokenSet, error) {
	p.calls++
	return p.tokens, p.err
}

type providerMap map[string]identity.Provider

func (m providerMap) Provider(name string) (identity.Provider, error) {
	if p, ok := m[name]; ok {
		return p, nil
	}
	return nil, errors.New("unknown provider")
}

func newTestManager(t *testing.T, providers ProviderSource) (*Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	m, err := NewManager(s, providers, Config{Secret: testSecret, Secure: true})
	require.NoError(t, err)
	return m, s
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			found = c
		}
	}
	require.NotNil(t, found, "no session cookie set")
	return found
}

func requestWith(c *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if c != nil {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return r
}

func testRecord() Record {
	return Record{
		Provider: "helmholtz",
		Kind:     identity.KindOIDC,
		Claims:   identity.Claims{Subject: "s-1", Username: "jdoe", Email: "jdoe@kit.edu", Name: "Jane"},
		Roles:    roles.NewRoleSet(roles.Admin, roles.Viewer),
		Tokens:   identity.TokenSet{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: time.Now().Add(time.Hour)},
	}
}

func TestNewManagerRequiresLongSecret(t *testing.T) {
	_, err := NewManager(store.NewMemoryStore(), nil, Config{Secret: "short"})
	assert.ErrorIs(t, err, ErrSecretTooShort)
}

func TestSessionJSONRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Session{
		ID:       "abc",
		Provider: "github",
		Kind:     identity.KindGitHub,
		Claims: identity.Claims{
			Subject: "42", Username: "octo", Email: "octo@github.com", Name: "Octo",
			Entitlements: []string{"urn:x"}, Institution: "github.com", AvatarURL: "https://a/42",
		},
		Roles:     roles.NewRoleSet(roles.Writer, roles.Reader),
		Tokens:    identity.TokenSet{AccessToken: "at", RefreshToken: "rt", IDToken: "id", TokenType: "Bearer", Expiry: now.Add(time.Hour)},
		LoginAt:   now,
		ExpiresAt: now.Add(12 * time.Hour),
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	var out Session
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestCreateSetsHardenedCookieAndRotatesID(t *testing.T) {
	m, s := newTestManager(t, nil)
	ctx := context.Background()

	// a browser that already started a login
	rec := httptest.NewRecorder()
	r := requestWith(nil)
	before, err := m.BrowserKey(rec, r)
	require.NoError(t, err)
	first := sessionCookie(t, rec)

	rec = httptest.NewRecorder()
	r = requestWith(first)
	sess, err := m.Create(ctx, rec, r, testRecord())
	require.NoError(t, err)
	assert.NotEqual(t, before, sess.ID)

	c := sessionCookie(t, rec)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.True(t, strings.HasPrefix(c.Value, sess.ID+"."))

	loaded, err := m.Load(ctx, requestWith(c))
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "jdoe", loaded.Claims.Username)
	assert.Equal(t, roles.RoleSet{roles.Admin, roles.Viewer}, loaded.Roles)

	// the old identifier no longer carries a session
	old, err := m.Load(ctx, requestWith(first))
	require.NoError(t, err)
	assert.Nil(t, old)

	keys, err := s.Keys(ctx, "session:")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestLoadRejectsTamperedCookie(t *testing.T) {
	m, _ := newTestManager(t, nil)
	rec := httptest.NewRecorder()
	sess, err := m.Create(context.Background(), rec, requestWith(nil), testRecord())
	require.NoError(t, err)

	forged := &http.Cookie{Name: CookieName, Value: sess.ID + ".bogus-signature"}
	loaded, err := m.Load(context.Background(), requestWith(forged))
	require.NoError(t, err)
	assert.Nil(t, loaded)

	bare := &http.Cookie{Name: CookieName, Value: sess.ID}
	loaded, err = m.Load(context.Background(), requestWith(bare))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadExpiredSession(t *testing.T) {
	m, _ := newTestManager(t, nil)
	rec := httptest.NewRecorder()
	_, err := m.Create(context.Background(), rec, requestWith(nil), testRecord())
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(13 * time.Hour) }
	loaded, err := m.Load(context.Background(), requestWith(sessionCookie(t, rec)))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestValidAccessToken(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("unexpired token is returned as is", func(t *testing.T) {
		p := &refreshProvider{}
		m, _ := newTestManager(t, providerMap{"helmholtz": p})
		tok, ok := m.ValidAccessToken(ctx, &Session{Provider: "helmholtz", Tokens: identity.TokenSet{AccessToken: "at", Expiry: now.Add(time.Minute)}})
		assert.True(t, ok)
		assert.Equal(t, "at", tok)
		assert.Zero(t, p.calls)
	})

	t.Run("zero expiry never expires", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		tok, ok := m.ValidAccessToken(ctx, &Session{Provider: "github", Tokens: identity.TokenSet{AccessToken: "gho"}})
		assert.True(t, ok)
		assert.Equal(t, "gho", tok)
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		p := &refreshProvider{}
		m, _ := newTestManager(t, providerMap{"helmholtz": p})
		tok, ok := m.ValidAccessToken(ctx, &Session{Provider: "helmholtz", Tokens: identity.TokenSet{AccessToken: "at", Expiry: now.Add(-time.Minute)}})
		assert.False(t, ok)
		assert.Empty(t, tok)
		assert.Zero(t, p.calls)
	})

	t.Run("refresh replaces the token set", func(t *testing.T) {
		p := &refreshProvider{tokens: identity.TokenSet{AccessToken: "at-2", Expiry: now.Add(time.Hour)}}
		m, s := newTestManager(t, providerMap{"helmholtz": p})
		rec := httptest.NewRecorder()
		record := testRecord()
		record.Tokens.Expiry = now.Add(-time.Minute)
		sess, err := m.Create(ctx, rec, requestWith(nil), record)
		require.NoError(t, err)

		tok, ok := m.ValidAccessToken(ctx, sess)
		assert.True(t, ok)
		assert.Equal(t, "at-2", tok)
		assert.Equal(t, 1, p.calls)
		// wholesale replacement drops the old refresh token
		assert.Empty(t, sess.Tokens.RefreshToken)

		raw, err := s.Get(ctx, "session:"+sess.ID)
		require.NoError(t, err)
		var stored Session
		require.NoError(t, json.Unmarshal(raw, &stored))
		assert.Equal(t, "at-2", stored.Tokens.AccessToken)
	})

	t.Run("refresh failure", func(t *testing.T) {
		p := &refreshProvider{err: errors.New("invalid_grant")}
		m, _ := newTestManager(t, providerMap{"helmholtz": p})
		tok, ok := m.ValidAccessToken(ctx, &Session{Provider: "helmholtz", Tokens: identity.TokenSet{AccessToken: "stale", RefreshToken: "rt", Expiry: now.Add(-time.Minute)}})
		assert.False(t, ok)
		assert.Empty(t, tok)
	})
}

func TestDestroyRemovesBrowserState(t *testing.T) {
	m, s := newTestManager(t, nil)
	ctx := context.Background()
	rec := httptest.NewRecorder()
	sess, err := m.Create(ctx, rec, requestWith(nil), testRecord())
	require.NoError(t, err)
	c := sessionCookie(t, rec)

	require.NoError(t, s.Set(ctx, identity.StateKey(sess.ID, "github"), []byte("st"), time.Minute))
	require.NoError(t, s.Set(ctx, identity.NonceKey(sess.ID, "helmholtz"), []byte("nn"), time.Minute))
	require.NoError(t, m.AddFlash(ctx, httptest.NewRecorder(), requestWith(c), FlashInfo, "hi"))

	keys, err := m.Keys(ctx, requestWith(c))
	require.NoError(t, err)
	assert.Equal(t, []string{"flash", "nonce:helmholtz", "session", "state:github"}, keys)

	out := httptest.NewRecorder()
	require.NoError(t, m.Destroy(ctx, out, requestWith(c)))
	assert.Equal(t, -1, sessionCookie(t, out).MaxAge)

	all, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFlashes(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	r := requestWith(nil)
	require.NoError(t, m.AddFlash(ctx, rec, r, FlashError, "first"))
	require.NoError(t, m.AddFlash(ctx, rec, r, FlashInfo, "second"))
	c := sessionCookie(t, rec)

	msgs, err := m.Flashes(ctx, requestWith(c))
	require.NoError(t, err)
	assert.Equal(t, []FlashMessage{{FlashError, "first"}, {FlashInfo, "second"}}, msgs)

	msgs, err = m.Flashes(ctx, requestWith(c))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFlashSurvivesLoginRotation(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	require.NoError(t, m.AddFlash(ctx, rec, requestWith(nil), FlashSuccess, "welcome"))
	first := sessionCookie(t, rec)

	rec = httptest.NewRecorder()
	_, err := m.Create(ctx, rec, requestWith(first), testRecord())
	require.NoError(t, err)

	msgs, err := m.Flashes(ctx, requestWith(sessionCookie(t, rec)))
	require.NoError(t, err)
	assert.Equal(t, []FlashMessage{{FlashSuccess, "welcome"}}, msgs)
}

func TestNextIsTakenOnce(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	require.NoError(t, m.SetNext(ctx, rec, requestWith(nil), "/datasets?page=2", time.Minute))
	c := sessionCookie(t, rec)

	assert.Equal(t, "/datasets?page=2", m.TakeNext(ctx, requestWith(c)))
	assert.Empty(t, m.TakeNext(ctx, requestWith(c)))
	assert.Empty(t, m.TakeNext(ctx, requestWith(nil)))
}
