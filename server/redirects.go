package server

import (
	"net/url"
	"strings"
)

// safeNext returns next when it is a same-site relative path, "" otherwise.
// Only the path, query and fragment of the value are kept.
func safeNext(next string) string {
	if next == "" || len(next) > 2048 {
		return ""
	}
	// must be rooted, and not protocol-relative ("//evil" or "/\evil")
	if next[0] != '/' || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return ""
	}
	for _, c := range next {
		if c < 0x20 || c == 0x7f || c == '\\' {
			return ""
		}
	}

	u, err := url.Parse(next)
	if err != nil {
		return ""
	}
	if u.Scheme != "" || u.Host != "" || u.User != nil || u.Opaque != "" {
		return ""
	}
	// never bounce back into the login machinery
	if u.Path == loginPath || strings.HasPrefix(u.Path, "/auth/login/") ||
		strings.HasPrefix(u.Path, "/auth/callback/") || u.Path == logoutPath {
		return ""
	}
	return u.String()
}
