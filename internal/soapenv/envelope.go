// Package soapenv implements the wire-level pieces shared by the
// dispatcher, the subscription manager and the subscription client: the
// SOAP 1.2 envelope, WS-Addressing headers, reference-parameter echoing,
// and the descriptor/state XML value codec (§4.I, §4.B).
//
// encoding/xml is used directly here; none of the retrieved example repos
// carry a third-party XML library, and this package's job is exactly the
// struct<->XML mapping encoding/xml exists for.
package soapenv

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
)

// Header carries the WS-Addressing fields plus the SDC-specific MDIB
// headers every state-carrying response/notification adds (§4.F, §4.I).
type Header struct {
	Action            string    `xml:"http://www.w3.org/2005/08/addressing Action"`
	MessageID         string    `xml:"http://www.w3.org/2005/08/addressing MessageID,omitempty"`
	RelatesTo         string    `xml:"http://www.w3.org/2005/08/addressing RelatesTo,omitempty"`
	To                string    `xml:"http://www.w3.org/2005/08/addressing To,omitempty"`
	From              string    `xml:"http://www.w3.org/2005/08/addressing From,omitempty"`
	ReplyTo           string    `xml:"http://www.w3.org/2005/08/addressing ReplyTo,omitempty"`
	FaultTo           string    `xml:"http://www.w3.org/2005/08/addressing FaultTo,omitempty"`
	ReferenceParams   []RawElement `xml:",any"`

	MdibVersion *uint64 `xml:"MdibVersion,omitempty"`
	SequenceID  string  `xml:"SequenceId,omitempty"`
	InstanceID  *uint64 `xml:"InstanceId,omitempty"`
}

// RawElement carries an opaque XML element verbatim, used for reference
// parameters which must be echoed byte-for-byte (§4.F step 2).
type RawElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content []byte     `xml:",innerxml"`
}

// IsReferenceParameter marks r as a WS-Addressing reference parameter per
// the `wsa:IsReferenceParameter="true"` convention.
func (r RawElement) IsReferenceParameter() bool {
	for _, a := range r.Attrs {
		if a.Name.Local == "IsReferenceParameter" && a.Value == "true" {
			return true
		}
	}
	return false
}

// Envelope is the SOAP 1.2 envelope: a Header plus an opaque Body payload
// the dispatcher decodes further by action.
type Envelope struct {
	XMLName xml.Name   `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  Header     `xml:"http://www.w3.org/2003/05/soap-envelope Header"`
	Body    RawElement `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
}

// OutboundEnvelope is used to construct responses and notifications, where
// the body's concrete type is known statically at the call site (unlike an
// inbound Envelope, whose Body is decoded lazily by the dispatcher).
type OutboundEnvelope struct {
	XMLName xml.Name `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  Header   `xml:"http://www.w3.org/2003/05/soap-envelope Header"`
	Body    any      `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
}

// MarshalOutbound serializes env to canonical SOAP/XML bytes, with env.Body
// written as the child element of the SOAP Body.
func MarshalOutbound(env *OutboundEnvelope) ([]byte, error) {
	wire := struct {
		XMLName xml.Name `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
		Header  Header   `xml:"http://www.w3.org/2003/05/soap-envelope Header"`
		Body    struct {
			Content any
		} `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
	}{Header: env.Header}
	wire.Body.Content = env.Body
	out, err := xml.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("soapenv: marshal outbound envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Fault is a SOAP 1.2 fault body (§4.I step 2, §7).
type Fault struct {
	XMLName xml.Name   `xml:"http://www.w3.org/2003/05/soap-envelope Fault"`
	Code    FaultCode  `xml:"Code"`
	Reason  string     `xml:"Reason>Text"`
}

// FaultCode carries the top-level code (Sender/Receiver) and WS-* subcode.
type FaultCode struct {
	Value   string `xml:"Value"`
	Subcode string `xml:"Subcode>Value,omitempty"`
}

// NewRequestHeader builds a Header for an outbound request with a fresh
// MessageID.
func NewRequestHeader(action, to string) Header {
	return Header{Action: action, MessageID: "urn:uuid:" + uuid.NewString(), To: to}
}

// NewResponseHeader builds a Header for a response that relates back to
// request, per §4.I step 4: "preserve the request's wsa:MessageID as
// wsa:RelatesTo".
func NewResponseHeader(action string, request Header) Header {
	h := Header{Action: action, MessageID: "urn:uuid:" + uuid.NewString(), RelatesTo: request.MessageID}
	h.ReferenceParams = request.ReferenceParams
	return h
}

// NewFault builds a SOAP fault with the given top-level code ("Sender" or
// "Receiver") and WS-* subcode (e.g. namespace.FaultActionNotSupported).
func NewFault(code, subcode, reason string) *Fault {
	return &Fault{
		Code: FaultCode{Value: "soap:" + code, Subcode: subcode},
		Reason: reason,
	}
}

// Marshal serializes env to canonical SOAP/XML bytes.
func Marshal(env *Envelope) ([]byte, error) {
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("soapenv: marshal envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Unmarshal parses raw SOAP/XML bytes into an Envelope. Body.Content holds
// the inner XML of the SOAP Body and Body.XMLName is the name of its first
// child element (e.g. Fault).
func Unmarshal(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("soapenv: unmarshal envelope: %w", err)
	}
	dec := xml.NewDecoder(bytes.NewReader(env.Body.Content))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if start, ok := tok.(xml.StartElement); ok {
			env.Body.XMLName = start.Name
			break
		}
	}
	return &env, nil
}
