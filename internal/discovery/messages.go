package discovery

import (
	"encoding/xml"
	"strings"
)

// endpointReference is the WS-Discovery EndpointReference element: a
// stable UUID identifying one service across its whole lifetime.
type endpointReference struct {
	Address string `xml:"Address"`
}

// probeBody is the Probe message payload.
type probeBody struct {
	XMLName xml.Name `xml:"Probe"`
	Types   string   `xml:"Types,omitempty"`
	Scopes  scopesElement `xml:"Scopes"`
}

type scopesElement struct {
	MatchBy string `xml:"MatchBy,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// probeMatchBody is the ProbeMatches message payload: one match per locally
// advertised service whose types/scopes satisfied the probe.
type probeMatchBody struct {
	XMLName xml.Name     `xml:"ProbeMatches"`
	Matches []matchEntry `xml:"ProbeMatch"`
}

type matchEntry struct {
	EndpointReference endpointReference `xml:"EndpointReference"`
	Types             string            `xml:"Types,omitempty"`
	Scopes            scopesElement     `xml:"Scopes"`
	XAddrs            string            `xml:"XAddrs,omitempty"`
	MetadataVersion   uint64            `xml:"MetadataVersion"`
}

// resolveBody is the Resolve message payload.
type resolveBody struct {
	XMLName            xml.Name          `xml:"Resolve"`
	EndpointReference  endpointReference `xml:"EndpointReference"`
}

// resolveMatchBody is the ResolveMatches message payload.
type resolveMatchBody struct {
	XMLName xml.Name   `xml:"ResolveMatches"`
	Match   matchEntry `xml:"ResolveMatch"`
}

// helloBody / byeBody are the unsolicited announce/withdraw messages.
type helloBody struct {
	XMLName            xml.Name          `xml:"Hello"`
	EndpointReference  endpointReference `xml:"EndpointReference"`
	Types              string            `xml:"Types,omitempty"`
	Scopes             scopesElement     `xml:"Scopes"`
	XAddrs             string            `xml:"XAddrs,omitempty"`
	MetadataVersion    uint64            `xml:"MetadataVersion"`
}

type byeBody struct {
	XMLName            xml.Name          `xml:"Bye"`
	EndpointReference  endpointReference `xml:"EndpointReference"`
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func joinFields(items []string) string {
	return strings.Join(items, " ")
}
