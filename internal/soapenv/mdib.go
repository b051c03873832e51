package soapenv

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/Draegerwerk/sdc11073/internal/model"
)

// rawXMLFragment wraps a block of already-encoded descriptor/state XML in
// a named element, the shape GetMdib/GetMdDescription/GetMdState use to
// carry their payload as a single concatenated blob (§4.C, §4.E bootstrap).
type rawXMLFragment struct {
	XMLName xml.Name
	Content []byte `xml:",innerxml"`
}

// MdibBody is the GetMdibResponse body: the full descriptor/state tree at
// a point-in-time version stamp.
type MdibBody struct {
	XMLName       xml.Name
	MdibVersion   uint64  `xml:"MdibVersion,attr"`
	SequenceID    string  `xml:"SequenceId,attr"`
	InstanceID    *uint64 `xml:"InstanceId,attr,omitempty"`
	MdDescription rawXMLFragment
	MdState       rawXMLFragment
}

// MdDescriptionBody is the GetMdDescriptionResponse body: descriptors only.
type MdDescriptionBody struct {
	XMLName       xml.Name
	MdibVersion   uint64 `xml:"MdibVersion,attr"`
	SequenceID    string `xml:"SequenceId,attr"`
	MdDescription rawXMLFragment
}

// MdStateBody is the GetMdStateResponse body: states only.
type MdStateBody struct {
	XMLName     xml.Name
	MdibVersion uint64 `xml:"MdibVersion,attr"`
	SequenceID  string `xml:"SequenceId,attr"`
	MdState     rawXMLFragment
}

// NewMdibBody builds the GetMdibResponse body from the whole descriptor/
// state tree.
func NewMdibBody(name xml.Name, mdibVersion uint64, sequenceID string, instanceID *uint64,
	descriptors []model.Descriptor, singleStates, contextStates []model.State) (*MdibBody, error) {
	descFrag, err := encodeDescriptorFragment("MdDescription", descriptors)
	if err != nil {
		return nil, err
	}
	allStates := make([]model.State, 0, len(singleStates)+len(contextStates))
	allStates = append(allStates, singleStates...)
	allStates = append(allStates, contextStates...)
	stateFrag, err := encodeStateFragment("MdState", allStates)
	if err != nil {
		return nil, err
	}
	return &MdibBody{
		XMLName: name, MdibVersion: mdibVersion, SequenceID: sequenceID, InstanceID: instanceID,
		MdDescription: descFrag, MdState: stateFrag,
	}, nil
}

// NewMdDescriptionBody builds the GetMdDescriptionResponse body.
func NewMdDescriptionBody(name xml.Name, mdibVersion uint64, sequenceID string, descriptors []model.Descriptor) (*MdDescriptionBody, error) {
	frag, err := encodeDescriptorFragment("MdDescription", descriptors)
	if err != nil {
		return nil, err
	}
	return &MdDescriptionBody{XMLName: name, MdibVersion: mdibVersion, SequenceID: sequenceID, MdDescription: frag}, nil
}

// NewMdStateBody builds the GetMdStateResponse body.
func NewMdStateBody(name xml.Name, mdibVersion uint64, sequenceID string, states []model.State) (*MdStateBody, error) {
	frag, err := encodeStateFragment("MdState", states)
	if err != nil {
		return nil, err
	}
	return &MdStateBody{XMLName: name, MdibVersion: mdibVersion, SequenceID: sequenceID, MdState: frag}, nil
}

func encodeDescriptorFragment(name string, descriptors []model.Descriptor) (rawXMLFragment, error) {
	var buf bytes.Buffer
	for i := range descriptors {
		raw, err := EncodeDescriptor(&descriptors[i])
		if err != nil {
			return rawXMLFragment{}, fmt.Errorf("soapenv: encode mdib descriptors: %w", err)
		}
		buf.Write(raw)
	}
	return rawXMLFragment{XMLName: xml.Name{Local: name}, Content: buf.Bytes()}, nil
}

func encodeStateFragment(name string, states []model.State) (rawXMLFragment, error) {
	var buf bytes.Buffer
	for i := range states {
		raw, err := EncodeState(&states[i])
		if err != nil {
			return rawXMLFragment{}, fmt.Errorf("soapenv: encode mdib states: %w", err)
		}
		buf.Write(raw)
	}
	return rawXMLFragment{XMLName: xml.Name{Local: name}, Content: buf.Bytes()}, nil
}

// DecodeMdibBody parses a GetMdibResponse body and returns its version
// stamp plus whichever of the MdDescription/MdState sections are present,
// so the same helper serves the full GetMdib payload.
func DecodeMdibBody(content []byte) (mdibVersion uint64, sequenceID string, instanceID *uint64, descriptors []model.Descriptor, states []model.State, err error) {
	var w struct {
		MdibVersion   uint64  `xml:"MdibVersion,attr"`
		SequenceID    string  `xml:"SequenceId,attr"`
		InstanceID    *uint64 `xml:"InstanceId,attr"`
		MdDescription struct {
			Content []byte `xml:",innerxml"`
		} `xml:"MdDescription"`
		MdState struct {
			Content []byte `xml:",innerxml"`
		} `xml:"MdState"`
	}
	if err = xml.Unmarshal(content, &w); err != nil {
		return 0, "", nil, nil, nil, fmt.Errorf("soapenv: decode mdib body: %w", err)
	}
	if len(w.MdDescription.Content) > 0 {
		if descriptors, err = DecodeDescriptorElements(w.MdDescription.Content); err != nil {
			return 0, "", nil, nil, nil, fmt.Errorf("soapenv: decode mdib body: %w", err)
		}
	}
	if len(w.MdState.Content) > 0 {
		if states, err = DecodeStateElements(w.MdState.Content); err != nil {
			return 0, "", nil, nil, nil, fmt.Errorf("soapenv: decode mdib body: %w", err)
		}
	}
	return w.MdibVersion, w.SequenceID, w.InstanceID, descriptors, states, nil
}
