package soapenv

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/Draegerwerk/sdc11073/internal/model"
)

// wireDescriptor is the XML-facing shape of model.Descriptor. Kind-specific
// attributes are flattened onto one element, matching the "kind tag plus
// attributes" shape the participant model assigns each descriptor type.
type wireDescriptor struct {
	XMLName           xml.Name `xml:"Descriptor"`
	Handle            string   `xml:"Handle,attr"`
	ParentHandle      string   `xml:"ParentHandle,attr,omitempty"`
	Kind              string   `xml:"Kind,attr"`
	DescriptorVersion uint64   `xml:"DescriptorVersion,attr"`
	CodeID            string   `xml:"CodeId,attr,omitempty"`
	SafetyClassification string `xml:"SafetyClassification,attr,omitempty"`

	Unit               string  `xml:"Unit,omitempty"`
	MetricCategory     string  `xml:"MetricCategory,omitempty"`
	MetricAvailability string  `xml:"MetricAvailability,omitempty"`
	Resolution         float64 `xml:"Resolution,omitempty"`
	SamplePeriod       int64   `xml:"SamplePeriod,omitempty"`

	AlertKind     string `xml:"AlertKind,omitempty"`
	AlertPriority string `xml:"AlertPriority,omitempty"`

	OperationTarget   string `xml:"OperationTarget,omitempty"`
	AccessLevel       string `xml:"AccessLevel,omitempty"`
	MaxTimeToFinishMs int64  `xml:"MaxTimeToFinishMs,omitempty"`
}

// EncodeDescriptor serializes d to its XML representation. If d.SourceXML
// is already populated (not cleared by a typed mutation) it is returned
// verbatim instead of re-encoding, per the "mutable shared xml trees"
// design note: the opaque blob is the cache, typed fields are the source
// of truth once touched.
func EncodeDescriptor(d *model.Descriptor) ([]byte, error) {
	if len(d.SourceXML) > 0 {
		return d.SourceXML, nil
	}
	w := wireDescriptor{
		Handle: d.Handle, ParentHandle: d.ParentHandle, Kind: string(d.Kind),
		DescriptorVersion: d.DescriptorVersion, CodeID: d.CodeID, SafetyClassification: d.SafetyClassification,
	}
	if d.Metric != nil {
		w.Unit = d.Metric.Unit
		w.MetricCategory = d.Metric.MetricCategory
		w.MetricAvailability = d.Metric.MetricAvailability
		w.Resolution = d.Metric.Resolution
		w.SamplePeriod = d.Metric.SampleSamplePeriodMs
	}
	if d.Alert != nil {
		w.AlertKind = d.Alert.Kind
		w.AlertPriority = d.Alert.Priority
	}
	if d.Operation != nil {
		w.OperationTarget = d.Operation.OperationTarget
		w.AccessLevel = d.Operation.AccessLevel
		w.MaxTimeToFinishMs = d.Operation.MaxTimeToFinishMs
	}
	out, err := xml.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("soapenv: encode descriptor %q: %w", d.Handle, err)
	}
	return out, nil
}

// DecodeDescriptor parses raw back into a model.Descriptor, retaining raw
// as SourceXML so a subsequent EncodeDescriptor without an intervening
// typed mutation is a byte-identical round trip.
func DecodeDescriptor(raw []byte) (*model.Descriptor, error) {
	var w wireDescriptor
	if err := xml.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("soapenv: decode descriptor: %w", err)
	}
	d := &model.Descriptor{
		Handle: w.Handle, ParentHandle: w.ParentHandle, Kind: model.Kind(w.Kind),
		DescriptorVersion: w.DescriptorVersion, CodeID: w.CodeID, SafetyClassification: w.SafetyClassification,
		SourceXML: append([]byte(nil), raw...),
	}
	switch {
	case d.Kind.IsMetric():
		d.Metric = &model.MetricDescriptor{
			Unit: w.Unit, MetricCategory: w.MetricCategory, MetricAvailability: w.MetricAvailability,
			Resolution: w.Resolution, SampleSamplePeriodMs: w.SamplePeriod,
		}
	case d.Kind.IsAlert():
		d.Alert = &model.AlertDescriptor{Kind: w.AlertKind, Priority: w.AlertPriority}
	case d.Kind.IsOperation():
		d.Operation = &model.OperationDescriptor{
			OperationTarget: w.OperationTarget, AccessLevel: w.AccessLevel, MaxTimeToFinishMs: w.MaxTimeToFinishMs,
		}
	case d.Kind.IsContext():
		d.Context = &model.ContextDescriptor{}
	}
	return d, nil
}

// wireState is the XML-facing shape of model.State.
type wireState struct {
	XMLName            xml.Name  `xml:"State"`
	Handle             string    `xml:"Handle,attr"`
	DescriptorHandle   string    `xml:"DescriptorHandle,attr"`
	Kind               string    `xml:"Kind,attr"`
	StateVersion       uint64    `xml:"StateVersion,attr"`
	BindingMdibVersion uint64    `xml:"BindingMdibVersion,attr"`

	ActivationState   string    `xml:"ActivationState,omitempty"`
	Numeric           float64   `xml:"Numeric,omitempty"`
	StringValue       string    `xml:"StringValue,omitempty"`
	DeterminationTime string    `xml:"DeterminationTime,omitempty"`
	Validity          string    `xml:"Validity,omitempty"`
	Samples           []float64 `xml:"Sample,omitempty"`

	Presence       bool   `xml:"Presence,omitempty"`
	ActualPriority string `xml:"ActualPriority,omitempty"`

	OperatingMode string `xml:"OperatingMode,omitempty"`

	Association     string            `xml:"Association,omitempty"`
	Identification  string            `xml:"Identification,omitempty"`
	ValidatorFields map[string]string `xml:"-"`
}

// EncodeState serializes s, with the same SourceXML caching behavior as
// EncodeDescriptor.
func EncodeState(s *model.State) ([]byte, error) {
	if len(s.SourceXML) > 0 {
		return s.SourceXML, nil
	}
	w := wireState{
		Handle: s.Handle, DescriptorHandle: s.DescriptorHandle, Kind: string(s.Kind),
		StateVersion: s.StateVersion, BindingMdibVersion: s.BindingMdibVersion,
	}
	switch {
	case s.Metric != nil:
		w.ActivationState = s.Metric.ActivationState
		w.Numeric = s.Metric.Value.Numeric
		w.StringValue = s.Metric.Value.String
		w.Validity = s.Metric.Value.Validity
		w.Samples = s.Metric.Samples
		if !s.Metric.Value.DeterminationTime.IsZero() {
			w.DeterminationTime = s.Metric.Value.DeterminationTime.UTC().Format(time.RFC3339Nano)
		}
	case s.Alert != nil:
		w.ActivationState = s.Alert.ActivationState
		w.Presence = s.Alert.Presence
		w.ActualPriority = s.Alert.ActualPriority
	case s.Operation != nil:
		w.OperatingMode = s.Operation.OperatingMode
	case s.Context != nil:
		w.Association = string(s.Context.Association)
		w.Identification = s.Context.Identification
	}
	out, err := xml.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("soapenv: encode state %q: %w", s.Handle, err)
	}
	return out, nil
}

// DecodeState parses raw back into a model.State. Since the wire shape
// does not distinguish kind-specific payloads structurally, callers must
// supply the owning descriptor's Kind; the report processor and dispatcher
// always have it at hand from the accompanying descriptor or MDIB lookup.
func DecodeState(raw []byte, kind model.Kind) (*model.State, error) {
	var w wireState
	if err := xml.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("soapenv: decode state: %w", err)
	}
	s := &model.State{
		Handle: w.Handle, DescriptorHandle: w.DescriptorHandle, Kind: kind,
		StateVersion: w.StateVersion, BindingMdibVersion: w.BindingMdibVersion,
		SourceXML: append([]byte(nil), raw...),
	}
	switch {
	case kind.IsMetric():
		value := model.MetricValue{Numeric: w.Numeric, String: w.StringValue, Validity: w.Validity}
		if w.DeterminationTime != "" {
			if t, err := time.Parse(time.RFC3339Nano, w.DeterminationTime); err == nil {
				value.DeterminationTime = t
			}
		}
		s.Metric = &model.MetricState{
			ActivationState: w.ActivationState,
			Value:           value,
			Samples:         w.Samples,
		}
	case kind.IsAlert():
		s.Alert = &model.AlertState{ActivationState: w.ActivationState, Presence: w.Presence, ActualPriority: w.ActualPriority}
	case kind.IsOperation():
		s.Operation = &model.OperationState{OperatingMode: w.OperatingMode}
	case kind.IsContext():
		s.Context = &model.ContextState{Association: model.ContextAssociation(w.Association), Identification: w.Identification}
	}
	return s, nil
}

// DecodeStateElements splits a report or MDIB body's concatenated <State>
// elements and decodes each one using the Kind attribute the encoder
// always writes onto the wire, so no separate descriptor lookup is needed
// to know which payload pointer to populate.
func DecodeStateElements(content []byte) ([]model.State, error) {
	wrapped := wrapFragment(content)
	dec := xml.NewDecoder(bytes.NewReader(wrapped))

	var states []model.State
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "State" {
			continue
		}
		kind := attrValue(start, "Kind")
		raw, err := decodeInnerElement(dec, start)
		if err != nil {
			return nil, err
		}
		s, err := DecodeState(raw, model.Kind(kind))
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}
	return states, nil
}

// DecodeDescriptorElements splits a GetMdib/GetMdDescription body's
// concatenated <Descriptor> elements and decodes each one.
func DecodeDescriptorElements(content []byte) ([]model.Descriptor, error) {
	wrapped := wrapFragment(content)
	dec := xml.NewDecoder(bytes.NewReader(wrapped))

	var descriptors []model.Descriptor
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Descriptor" {
			continue
		}
		raw, err := decodeInnerElement(dec, start)
		if err != nil {
			return nil, err
		}
		d, err := DecodeDescriptor(raw)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, *d)
	}
	return descriptors, nil
}

func wrapFragment(content []byte) []byte {
	return append(append([]byte("<root>"), content...), []byte("</root>")...)
}

func attrValue(start xml.StartElement, local string) string {
	for _, attr := range start.Attr {
		if attr.Name.Local == local {
			return attr.Value
		}
	}
	return ""
}

func decodeInnerElement(dec *xml.Decoder, start xml.StartElement) ([]byte, error) {
	var raw struct {
		Inner []byte `xml:",innerxml"`
	}
	startCopy := start
	if err := dec.DecodeElement(&raw, &startCopy); err != nil {
		return nil, err
	}
	return rebuildElement(start, raw.Inner), nil
}

func rebuildElement(start xml.StartElement, inner []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(start.Name.Local)
	for _, attr := range start.Attr {
		fmt.Fprintf(&buf, ` %s="%s"`, attr.Name.Local, xmlEscapeAttr(attr.Value))
	}
	buf.WriteByte('>')
	buf.Write(inner)
	buf.WriteString("</")
	buf.WriteString(start.Name.Local)
	buf.WriteByte('>')
	return buf.Bytes()
}

func xmlEscapeAttr(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
