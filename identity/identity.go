// Package identity talks to external identity providers: it starts logins,
// completes callbacks, validates identity tokens and refreshes access tokens.
package identity

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"datahub/roles"
)

// Provider kinds.
const (
	KindGitHub = "github"
	KindOIDC   = "oidc"
	KindBasic  = "basic"
)

// TokenSet is the token material obtained from a provider.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Expired reports whether the access token is no longer usable at now.
// A zero expiry means the token does not expire.
func (t TokenSet) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !now.Before(t.Expiry)
}

func tokenSetFrom(tok *oauth2.Token) TokenSet {
	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = raw
	}
	return ts
}

// Claims describe the authenticated person. They are derived once per login.
type Claims struct {
	Subject      string   `json:"sub"`
	Username     string   `json:"username"`
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	Entitlements []string `json:"entitlements,omitempty"`
	Institution  string   `json:"institution,omitempty"`
	AvatarURL    string   `json:"avatar_url,omitempty"`
}

// RoleSubject converts claims into role-resolution input.
func (c Claims) RoleSubject() roles.Subject {
	return roles.Subject{Username: c.Username, Email: c.Email, Entitlements: c.Entitlements}
}

// Provider is a redirect-based identity provider.
type Provider interface {
	Name() string
	Kind() string
	DisplayName() string
	// UsesNonce reports whether the provider issues identity tokens that
	// must carry the login nonce.
	UsesNonce() bool
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code string) (TokenSet, error)
	FetchIdentity(ctx context.Context, tokens TokenSet, nonce string) (Claims, error)
	ResolveRoles(Claims) roles.RoleSet
	// Refresh returns a fresh TokenSet. Providers without refresh support
	// return ErrRefreshUnsupported.
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}
