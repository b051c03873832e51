package discovery

import (
	"strings"

	"github.com/Draegerwerk/sdc11073/internal/namespace"
)

// MatchScopes reports whether candidateScopes satisfies every scope in
// requiredScopes under the named matching algorithm (§4.H "Probe: ... whose
// scopes match per the scope matching rule"). An empty requiredScopes
// always matches (an unscoped probe).
func MatchScopes(algorithm string, requiredScopes, candidateScopes []string) bool {
	for _, required := range requiredScopes {
		if !matchOne(algorithm, required, candidateScopes) {
			return false
		}
	}
	return true
}

func matchOne(algorithm, required string, candidates []string) bool {
	for _, candidate := range candidates {
		if scopeEquals(algorithm, required, candidate) {
			return true
		}
	}
	return false
}

func scopeEquals(algorithm, required, candidate string) bool {
	switch algorithm {
	case namespace.MatchByUUID:
		return strings.EqualFold(strings.TrimPrefix(required, "urn:uuid:"), strings.TrimPrefix(candidate, "urn:uuid:"))
	case namespace.MatchByStrcmp:
		return required == candidate
	case namespace.MatchByURI:
		return rfc3986PrefixMatch(required, candidate)
	case namespace.MatchByLDAP, "":
		return ldapPrefixMatch(required, candidate)
	default:
		return ldapPrefixMatch(required, candidate)
	}
}

// ldapPrefixMatch implements the default "ldap" algorithm: RFC3986
// case-insensitive prefix matching, comparing path segments up to and
// including the required scope's path.
func ldapPrefixMatch(required, candidate string) bool {
	r := strings.ToLower(strings.TrimSuffix(required, "/"))
	c := strings.ToLower(strings.TrimSuffix(candidate, "/"))
	if r == c {
		return true
	}
	return strings.HasPrefix(c, r+"/")
}

// rfc3986PrefixMatch compares scheme+authority case-insensitively and the
// remainder case-sensitively, the plain RFC3986 rule (distinct from ldap's
// fully case-insensitive comparison).
func rfc3986PrefixMatch(required, candidate string) bool {
	rs, rr := splitAuthority(required)
	cs, cr := splitAuthority(candidate)
	if !strings.EqualFold(rs, cs) {
		return false
	}
	rr = strings.TrimSuffix(rr, "/")
	cr = strings.TrimSuffix(cr, "/")
	return cr == rr || strings.HasPrefix(cr, rr+"/")
}

func splitAuthority(uri string) (schemeAndAuthority, rest string) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", uri
	}
	rest = uri[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return uri, ""
	}
	return uri[:idx+3+slash], rest[slash:]
}

// MatchTypes reports whether candidateTypes is a superset of
// requiredTypes, per §4.H "reply ... whose types ⊇ probe types".
func MatchTypes(requiredTypes, candidateTypes []string) bool {
	for _, req := range requiredTypes {
		found := false
		for _, cand := range candidateTypes {
			if req == cand {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
