package roles

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleSetOrderingAndDefault(t *testing.T) {
	assert.Equal(t, RoleSet{Viewer}, NewRoleSet())
	assert.Equal(t, RoleSet{Viewer}, NewRoleSet("", "  "))

	got := NewRoleSet("viewer", "Admin", "reader", "researcher", "admin", "curator")
	assert.Equal(t, RoleSet{Admin, Researcher, Reader, Viewer, "curator"}, got)
	assert.Equal(t, Admin, got.Highest())
}

func TestResolverVariants(t *testing.T) {
	s := Subject{
		Username:      "octo",
		Email:         "octo@kit.edu",
		Entitlements:  []string{"urn:geant:helmholtz.de:group:ASSAS-Data-Hub:writer"},
		AssignedRoles: []string{"Reader"},
	}
	cases := []struct {
		name string
		r    Resolver
		want RoleSet
	}{
		{"entitlements", EntitlementResolver{Parser: NewEntitlementParser("", "")}, RoleSet{Writer}},
		{"github", GitHubResolver{Mappings: map[string]Role{"octo": Admin}}, RoleSet{Admin}},
		{"static", StaticResolver{}, RoleSet{Reader}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.r.Resolve(s))
		})
	}
}

func TestHighestDefaultsToViewer(t *testing.T) {
	assert.Equal(t, Viewer, Highest(nil))
	assert.Equal(t, Viewer, Highest(RoleSet{"visitor"}))
	assert.Equal(t, Researcher, Highest(NewRoleSet(Reader, Researcher)))
	assert.Equal(t, Writer, Highest(NewRoleSet(Viewer, Writer, Researcher)))
}

func TestRoleSetJSONRoundTrip(t *testing.T) {
	in := NewRoleSet(Writer, Viewer)
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `["writer","viewer"]`, string(b))

	var out RoleSet
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	require.NoError(t, json.Unmarshal([]byte(`[]`), &out))
	assert.Equal(t, RoleSet{Viewer}, out)
}

func TestEntitlementResolverDirectAdmin(t *testing.T) {
	r := EntitlementResolver{Parser: NewEntitlementParser("", "")}
	got := r.Resolve(Subject{
		Email: "jane@example.org",
		Entitlements: []string{
			"urn:geant:helmholtz.de:group:HIFIS:ASSAS-Data-Hub:admin",
			"urn:mace:dir:entitlement:common-lib-terms",
		},
	})

	assert.Equal(t, RoleSet{Admin}, got)
	assert.Equal(t, Admin, got.Highest())
}

func TestEntitlementResolverInstitutionResearcherOutsideVocabulary(t *testing.T) {
	ents := []string{"urn:geant:helmholtz.de:group:HIFIS:ASSAS-Data-Hub:KIT:researcher"}

	r := EntitlementResolver{Parser: NewEntitlementParser("", "")}
	assert.Equal(t, RoleSet{Viewer}, r.Resolve(Subject{Email: "jane@example.org", Entitlements: ents}))

	r.ResearcherDomains = []string{"kit.edu"}
	assert.Equal(t, RoleSet{Researcher}, r.Resolve(Subject{Email: "jane@partner.kit.edu", Entitlements: ents}))
	assert.Equal(t, RoleSet{Viewer}, r.Resolve(Subject{Email: "jane@notkit.edu", Entitlements: ents}))
}

func TestEntitlementResolverInstitutionVocabularyRole(t *testing.T) {
	r := EntitlementResolver{Parser: NewEntitlementParser("", "")}
	got := r.Resolve(Subject{Entitlements: []string{
		"urn:geant:helmholtz.de:group:ASSAS-Data-Hub:KIT:writer",
		"urn:geant:helmholtz.de:group:ASSAS-Data-Hub:project-a:x:admin",
	}})
	assert.Equal(t, RoleSet{Writer}, got)
}

func TestGitHubResolver(t *testing.T) {
	r := GitHubResolver{
		Mappings: map[string]Role{
			"octocat": Admin,
			"*":       Reader,
		},
		OrgEmailSuffix: "kit.edu",
		OrgRole:        Researcher,
	}

	assert.Equal(t, Admin, r.ResolveRole("octocat", "octo@kit.edu"))
	assert.Equal(t, Admin, r.ResolveRole("OctoCat", ""))
	assert.Equal(t, Researcher, r.ResolveRole("someone", "someone@kit.edu"))
	assert.Equal(t, Reader, r.ResolveRole("someone", "someone@gmail.com"))
	assert.Equal(t, RoleSet{Reader}, r.Resolve(Subject{Username: "someone"}))

	bare := GitHubResolver{}
	assert.Equal(t, Viewer, bare.ResolveRole("someone", "someone@gmail.com"))
}

func TestStaticResolverIsIdentity(t *testing.T) {
	var r StaticResolver
	assert.Equal(t, RoleSet{Admin, Writer}, r.Resolve(Subject{AssignedRoles: []string{"writer", "admin"}}))
	assert.Equal(t, RoleSet{Viewer}, r.Resolve(Subject{}))
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "kit.edu", EmailDomain("A@KIT.edu"))
	assert.Equal(t, "", EmailDomain("no-at-sign"))
	assert.Equal(t, "", EmailDomain("trailing@"))
}
