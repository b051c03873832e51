package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Draegerwerk/sdc11073/internal/namespace"
)

func TestNormalizeMatchByAcceptsShortConfigNames(t *testing.T) {
	assert.Equal(t, namespace.MatchByLDAP, normalizeMatchBy("ldap"))
	assert.Equal(t, namespace.MatchByURI, normalizeMatchBy("rfc3986"))
	assert.Equal(t, namespace.MatchByUUID, normalizeMatchBy("uuid"))
	assert.Equal(t, namespace.MatchByStrcmp, normalizeMatchBy("strcmp0"))
}

func TestNormalizeMatchByIsIdempotentOnFullURIs(t *testing.T) {
	assert.Equal(t, namespace.MatchByURI, normalizeMatchBy(namespace.MatchByURI))
	assert.Equal(t, namespace.MatchByUUID, normalizeMatchBy(namespace.MatchByUUID))
	assert.Equal(t, namespace.MatchByStrcmp, normalizeMatchBy(namespace.MatchByStrcmp))
}

func TestNormalizeMatchByDefaultsToLDAPOnEmptyOrUnknown(t *testing.T) {
	assert.Equal(t, namespace.MatchByLDAP, normalizeMatchBy(""))
	assert.Equal(t, namespace.MatchByLDAP, normalizeMatchBy("nonsense"))
}
