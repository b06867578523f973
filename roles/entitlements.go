package roles

import "strings"

const (
	DefaultService       = "ASSAS-Data-Hub"
	DefaultProjectMarker = "project-"

	// first position at which the service segment may appear:
	// urn:<namespace>:<authority>:group:<service>...
	minServiceIndex = 4
)

// InstitutionRole is a role granted through an institution sub-group.
type InstitutionRole struct {
	Institution string `json:"institution"`
	Role        string `json:"role"`
}

// ProjectRole is a role granted inside a project sub-group.
type ProjectRole struct {
	Project string `json:"project"`
	Role    string `json:"role"`
}

// Parsed is the structured form of an entitlement list.
type Parsed struct {
	DirectRoles      []string          `json:"direct_roles"`
	InstitutionRoles []InstitutionRole `json:"institution_roles"`
	ProjectRoles     []ProjectRole     `json:"project_roles"`
	Other            []string          `json:"other"`
}

// EntitlementParser decomposes AARC-style group entitlements such as
// urn:geant:helmholtz.de:group:HIFIS:ASSAS-Data-Hub:admin#login.helmholtz.de.
type EntitlementParser struct {
	Service       string
	ProjectMarker string
}

// NewEntitlementParser returns a parser with defaults applied.
func NewEntitlementParser(service, projectMarker string) EntitlementParser {
	if service == "" {
		service = DefaultService
	}
	if projectMarker == "" {
		projectMarker = DefaultProjectMarker
	}
	return EntitlementParser{Service: service, ProjectMarker: projectMarker}
}

// Parse never fails: anything it cannot interpret lands in Other.
func (p EntitlementParser) Parse(entitlements []string) Parsed {
	var out Parsed
	for _, raw := range entitlements {
		suffix, ok := p.suffix(raw)
		if !ok {
			out.Other = append(out.Other, raw)
			continue
		}
		switch {
		case len(suffix) == 1:
			out.DirectRoles = append(out.DirectRoles, suffix[0])
		case len(suffix) == 2:
			out.InstitutionRoles = append(out.InstitutionRoles, InstitutionRole{Institution: suffix[0], Role: suffix[1]})
		case p.ProjectMarker != "" && strings.HasPrefix(suffix[0], p.ProjectMarker):
			out.ProjectRoles = append(out.ProjectRoles, ProjectRole{Project: suffix[0], Role: suffix[len(suffix)-1]})
		default:
			out.Other = append(out.Other, raw)
		}
	}
	return out
}

// suffix returns the segments that follow the service segment.
func (p EntitlementParser) suffix(raw string) ([]string, bool) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	segs := strings.Split(s, ":")
	if len(segs) <= minServiceIndex || !strings.EqualFold(segs[0], "urn") {
		return nil, false
	}
	for i := minServiceIndex; i < len(segs); i++ {
		if segs[i] != p.Service {
			continue
		}
		rest := segs[i+1:]
		if len(rest) == 0 {
			return nil, false
		}
		for _, r := range rest {
			if r == "" {
				return nil, false
			}
		}
		return rest, true
	}
	return nil, false
}
