package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/oauth2"
)

// ErrorKind classifies authentication failures.
type ErrorKind int

const (
	ProviderDenied ErrorKind = iota + 1
	ProviderError
	StateMismatch
	ExchangeTimeout
	ExchangeConnection
	ExchangeStatus
	TokenValidationFailure
	ConfigurationError
)

func (k ErrorKind) String() string {
	switch k {
	case ProviderDenied:
		return "provider_denied"
	case ProviderError:
		return "provider_error"
	case StateMismatch:
		return "state_mismatch"
	case ExchangeTimeout:
		return "exchange_timeout"
	case ExchangeConnection:
		return "exchange_connection"
	case ExchangeStatus:
		return "exchange_status"
	case TokenValidationFailure:
		return "token_validation"
	case ConfigurationError:
		return "configuration"
	default:
		return "unknown"
	}
}

// Token validation sub-reasons.
const (
	ReasonSignature       = "signature"
	ReasonIssuer          = "issuer"
	ReasonAudience        = "audience"
	ReasonExpired         = "expired"
	ReasonNotYetValid     = "not_yet_valid"
	ReasonIssuedAt        = "issued_at"
	ReasonNonce           = "nonce"
	ReasonMalformed       = "malformed"
	ReasonUnknownKey      = "unknown_key"
	ReasonKeysUnavailable = "jwks_unavailable"
	ReasonMissingToken    = "missing_id_token"
	ReasonSubject         = "subject"
)

// GenericMessage is shown for failures that match no known kind.
const GenericMessage = "Authentication failed. Please try again."

// ErrRefreshUnsupported is returned by providers that cannot refresh tokens.
var ErrRefreshUnsupported = errors.New("token refresh not supported")

// Error is a classified authentication failure. Description may contain
// provider-supplied text; it is sanitised before it reaches a browser.
type Error struct {
	Kind        ErrorKind
	Provider    string
	Reason      string
	Description string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Provider != "" {
		b.WriteString(" (" + e.Provider + ")")
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	if e.Description != "" {
		b.WriteString(": " + e.Description)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Level is the log severity for this failure.
func (e *Error) Level() slog.Level {
	switch e.Kind {
	case ProviderDenied:
		return slog.LevelInfo
	case StateMismatch, TokenValidationFailure:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// UserMessage is the text that may be shown to the browser.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case ProviderDenied:
		return "Login was cancelled. You can sign in again at any time."
	case ProviderError:
		if d := Sanitize(e.Description); d != "" {
			return "Authorization failed: " + d
		}
		return "Authorization failed. Please try again."
	case StateMismatch:
		return "Security error: Invalid state parameter. Please try again."
	case ExchangeTimeout:
		return "The identity provider did not respond in time. Please try again."
	case ExchangeConnection:
		return "Could not reach the identity provider. Please try again later."
	case ExchangeStatus:
		return "The identity provider rejected the login request. Please try again."
	case TokenValidationFailure:
		return "The identity token could not be verified. Please sign in again."
	case ConfigurationError:
		if e.Provider == "" {
			return "This provider is not available"
		}
		return fmt.Sprintf("%s authentication is not configured", capitalize(e.Provider))
	default:
		return GenericMessage
	}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// UserMessage reduces any error to browser-safe text.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.UserMessage()
	}
	return GenericMessage
}

const maxDescriptionLen = 200

// Sanitize strips control characters and markup delimiters from
// provider-supplied text and bounds its length.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '<' || r == '>' || r == '"' || r == '`':
			return -1
		case unicode.IsControl(r):
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxDescriptionLen {
		s = string(r[:maxDescriptionLen]) + "..."
	}
	return s
}

// classifyExchangeError maps a code-exchange failure onto the timeout,
// connection and status kinds.
func classifyExchangeError(provider string, err error) *Error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		reason := ""
		if retrieve.Response != nil {
			reason = fmt.Sprintf("status %d", retrieve.Response.StatusCode)
		}
		return &Error{Kind: ExchangeStatus, Provider: provider, Reason: reason, Description: retrieve.ErrorCode, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ExchangeTimeout, Provider: provider, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ExchangeTimeout, Provider: provider, Err: err}
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		return &Error{Kind: ExchangeConnection, Provider: provider, Err: err}
	}
	return &Error{Kind: ExchangeStatus, Provider: provider, Reason: "invalid response", Err: err}
}
