// Package roles turns provider identity data into application roles.
package roles

import (
	"encoding/json"
	"sort"
	"strings"
)

// Role is an application role name.
type Role string

const (
	Admin      Role = "admin"
	Writer     Role = "writer"
	Researcher Role = "researcher"
	Reader     Role = "reader"
	Viewer     Role = "viewer"
)

// Precedence lists known roles from highest to lowest privilege.
var Precedence = []Role{Admin, Writer, Researcher, Reader, Viewer}

// Default is granted whenever nothing else applies.
const Default = Viewer

func rank(r Role) int {
	for i, p := range Precedence {
		if p == r {
			return i
		}
	}
	return len(Precedence)
}

// Normalize lowercases and trims a role name.
func Normalize(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// RoleSet is a de-duplicated set ordered by privilege. Values built with
// NewRoleSet are never empty.
type RoleSet []Role

// NewRoleSet normalises, de-duplicates and orders roles, adding Default
// when the result would otherwise be empty.
func NewRoleSet(in ...Role) RoleSet {
	seen := make(map[Role]struct{}, len(in))
	out := make(RoleSet, 0, len(in)+1)
	for _, r := range in {
		r = Normalize(string(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		out = append(out, Default)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// FromStrings builds a RoleSet from plain strings.
func FromStrings(in []string) RoleSet {
	rs := make([]Role, len(in))
	for i, s := range in {
		rs[i] = Role(s)
	}
	return NewRoleSet(rs...)
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	for _, v := range s {
		if v == r {
			return true
		}
	}
	return false
}

// HasAny reports whether any of want is in the set.
func (s RoleSet) HasAny(want ...Role) bool {
	for _, r := range want {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// Strings returns the roles as plain strings.
func (s RoleSet) Strings() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = string(r)
	}
	return out
}

// Highest returns the most privileged known role, or Default.
func (s RoleSet) Highest() Role {
	return Highest(s)
}

// Highest scans Precedence from the top and returns the first role held.
func Highest(s RoleSet) Role {
	for _, p := range Precedence {
		if s.Has(p) {
			return p
		}
	}
	return Default
}

// UnmarshalJSON re-applies set normalisation to decoded values.
func (s *RoleSet) UnmarshalJSON(b []byte) error {
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = FromStrings(raw)
	return nil
}
