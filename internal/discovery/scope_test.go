package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Draegerwerk/sdc11073/internal/namespace"
)

func TestMatchScopesLDAPIsCaseInsensitivePrefix(t *testing.T) {
	required := []string{"sdc.ctxt.loc:/sdc/bldng/H1/flr/1"}
	candidate := []string{"sdc.ctxt.loc:/SDC/BLDNG/H1/flr/1/room/c"}
	assert.True(t, MatchScopes(namespace.MatchByLDAP, required, candidate))
}

func TestMatchScopesRejectsUnmatchedScope(t *testing.T) {
	required := []string{"sdc.ctxt.loc:/sdc/bldng/H1/flr/1"}
	candidate := []string{"sdc.ctxt.loc:/sdc/bldng/H2/flr/3"}
	assert.False(t, MatchScopes(namespace.MatchByLDAP, required, candidate), "unmatched scopes must not be reported as matching")
}

func TestMatchScopesEmptyRequiredAlwaysMatches(t *testing.T) {
	assert.True(t, MatchScopes(namespace.MatchByLDAP, nil, []string{"anything"}))
}

func TestMatchScopesUUIDIgnoresURNPrefix(t *testing.T) {
	required := []string{"urn:uuid:12345678-1234-1234-1234-123456789abc"}
	candidate := []string{"12345678-1234-1234-1234-123456789ABC"}
	assert.True(t, MatchScopes(namespace.MatchByUUID, required, candidate))
}

func TestMatchScopesStrcmpIsExact(t *testing.T) {
	assert.True(t, MatchScopes(namespace.MatchByStrcmp, []string{"exact"}, []string{"exact"}))
	assert.False(t, MatchScopes(namespace.MatchByStrcmp, []string{"exact"}, []string{"Exact"}))
}

func TestMatchTypesRequiresSuperset(t *testing.T) {
	assert.True(t, MatchTypes([]string{"dpws:Device"}, []string{"dpws:Device", "mdpws:MedicalDevice"}))
	assert.False(t, MatchTypes([]string{"dpws:Device", "other:Thing"}, []string{"dpws:Device"}))
}
