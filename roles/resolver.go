package roles

import "strings"

// Subject is the provider-neutral input to role resolution.
type Subject struct {
	Username      string
	Email         string
	Entitlements  []string
	AssignedRoles []string
}

// Resolver derives the RoleSet for a subject.
type Resolver interface {
	Resolve(Subject) RoleSet
}

// EntitlementVocabulary is the set of roles an entitlement may grant directly.
var EntitlementVocabulary = []Role{Admin, Writer, Reader, Viewer}

// EntitlementResolver maps federated entitlements to roles.
type EntitlementResolver struct {
	Parser            EntitlementParser
	ResearcherDomains []string
}

// Resolve parses the subject's entitlements and applies ResolveParsed.
func (r EntitlementResolver) Resolve(s Subject) RoleSet {
	return r.ResolveParsed(r.Parser.Parse(s.Entitlements), s.Email)
}

// ResolveParsed keeps direct and institution roles from the vocabulary and
// adds Researcher for allow-listed email domains. Project roles do not grant
// application roles.
func (r EntitlementResolver) ResolveParsed(p Parsed, email string) RoleSet {
	var out []Role
	add := func(name string) {
		role := Normalize(name)
		for _, v := range EntitlementVocabulary {
			if v == role {
				out = append(out, role)
				return
			}
		}
	}
	for _, d := range p.DirectRoles {
		add(d)
	}
	for _, ir := range p.InstitutionRoles {
		add(ir.Role)
	}
	if domainAllowed(EmailDomain(email), r.ResearcherDomains) {
		out = append(out, Researcher)
	}
	return NewRoleSet(out...)
}

// GitHubResolver implements the static mapping used for GitHub accounts.
type GitHubResolver struct {
	// Mappings is keyed by GitHub login; "*" is the fallback entry.
	Mappings       map[string]Role
	OrgEmailSuffix string
	OrgRole        Role
}

// ResolveRole returns exactly one role for a GitHub account.
func (r GitHubResolver) ResolveRole(username, email string) Role {
	if role, ok := r.lookup(username); ok {
		return role
	}
	if r.OrgEmailSuffix != "" && r.OrgRole != "" && domainAllowed(EmailDomain(email), []string{r.OrgEmailSuffix}) {
		return Normalize(string(r.OrgRole))
	}
	if role, ok := r.Mappings["*"]; ok && role != "" {
		return Normalize(string(role))
	}
	return Default
}

func (r GitHubResolver) lookup(username string) (Role, bool) {
	if username == "" || username == "*" {
		return "", false
	}
	if role, ok := r.Mappings[username]; ok && role != "" {
		return Normalize(string(role)), true
	}
	for k, role := range r.Mappings {
		if strings.EqualFold(k, username) && role != "" {
			return Normalize(string(role)), true
		}
	}
	return "", false
}

// Resolve wraps the single GitHub role in a RoleSet.
func (r GitHubResolver) Resolve(s Subject) RoleSet {
	return NewRoleSet(r.ResolveRole(s.Username, s.Email))
}

// StaticResolver returns the roles an administrator assigned to the account.
type StaticResolver struct{}

func (StaticResolver) Resolve(s Subject) RoleSet {
	return FromStrings(s.AssignedRoles)
}

// EmailDomain returns the lowercased domain part of an address.
func EmailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}

// domainAllowed matches the domain itself or any subdomain of an entry.
func domainAllowed(domain string, allowed []string) bool {
	if domain == "" {
		return false
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a), "@"))
		if a == "" {
			continue
		}
		if domain == a || strings.HasSuffix(domain, "."+a) {
			return true
		}
	}
	return false
}
