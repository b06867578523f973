package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"datahub/store"
)

// Flash categories understood by the login page.
const (
	FlashInfo    = "info"
	FlashSuccess = "success"
	FlashWarning = "warning"
	FlashError   = "error"
)

// FlashMessage is a one-time notice shown on the next page render.
type FlashMessage struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// AddFlash queues a message for the browser.
func (m *Manager) AddFlash(ctx context.Context, w http.ResponseWriter, r *http.Request, category, message string) error {
	id, err := m.BrowserKey(w, r)
	if err != nil {
		return err
	}
	key := flashPrefix + id

	var msgs []FlashMessage
	raw, err := m.store.Get(ctx, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &msgs); err != nil {
			msgs = nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("read flashes: %w", err)
	}
	msgs = append(msgs, FlashMessage{Category: category, Message: message})

	raw, err = json.Marshal(msgs)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, key, raw, m.lifetime); err != nil {
		return fmt.Errorf("store flashes: %w", err)
	}
	return nil
}

// Flashes returns and clears the queued messages.
func (m *Manager) Flashes(ctx context.Context, r *http.Request) ([]FlashMessage, error) {
	id, ok := m.browserID(r)
	if !ok {
		return nil, nil
	}
	raw, err := m.store.Take(ctx, flashPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take flashes: %w", err)
	}
	var msgs []FlashMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, nil
	}
	return msgs, nil
}

// SetNext remembers where to send the browser after login.
func (m *Manager) SetNext(ctx context.Context, w http.ResponseWriter, r *http.Request, next string, ttl time.Duration) error {
	id, err := m.BrowserKey(w, r)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, nextPrefix+id, []byte(next), ttl); err != nil {
		return fmt.Errorf("store next: %w", err)
	}
	return nil
}

// TakeNext returns and clears the remembered post-login location.
func (m *Manager) TakeNext(ctx context.Context, r *http.Request) string {
	id, ok := m.browserID(r)
	if !ok {
		return ""
	}
	v, err := m.store.Take(ctx, nextPrefix+id)
	if err != nil {
		return ""
	}
	return string(v)
}
