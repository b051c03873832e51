package soapenv

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/Draegerwerk/sdc11073/internal/model"
)

// ReportBody is the generic SOAP body shape of every state/description
// report action (EpisodicMetricReport, EpisodicContextReport, Waveform,
// DescriptionModificationReport, ...): the SDC MDIB headers plus the
// encoded payload. Content is built by concatenating the already-encoded
// descriptor/state elements, keeping the "encode once, cache the bytes"
// behavior of the value codec all the way out to the wire.
type ReportBody struct {
	XMLName     xml.Name
	MdibVersion uint64  `xml:"MdibVersion,attr"`
	SequenceID  string  `xml:"SequenceId,attr"`
	InstanceID  *uint64 `xml:"InstanceId,attr,omitempty"`
	Content     []byte  `xml:",innerxml"`
}

// NewStateReportBody encodes states into a ReportBody named name.
func NewStateReportBody(name xml.Name, mdibVersion uint64, sequenceID string, instanceID *uint64, states []model.State) (*ReportBody, error) {
	var buf bytes.Buffer
	for i := range states {
		raw, err := EncodeState(&states[i])
		if err != nil {
			return nil, fmt.Errorf("soapenv: build report body: %w", err)
		}
		buf.Write(raw)
	}
	return &ReportBody{XMLName: name, MdibVersion: mdibVersion, SequenceID: sequenceID, InstanceID: instanceID, Content: buf.Bytes()}, nil
}

// DescriptorReportBody is the DescriptionModificationReport body: it
// carries the encoded created/updated descriptors plus the handles of
// deleted ones (a deleted descriptor has no state to encode).
type DescriptorReportBody struct {
	XMLName     xml.Name
	MdibVersion uint64   `xml:"MdibVersion,attr"`
	SequenceID  string   `xml:"SequenceId,attr"`
	InstanceID  *uint64  `xml:"InstanceId,attr,omitempty"`
	Deleted     []string `xml:"Deleted,omitempty"`
	Content     []byte   `xml:",innerxml"`
}

// NewDescriptorReportBody encodes cs's descriptor-bucket changes.
func NewDescriptorReportBody(name xml.Name, mdibVersion uint64, sequenceID string, instanceID *uint64, cs *model.DescriptorChangeSet) (*DescriptorReportBody, error) {
	var buf bytes.Buffer
	for i := range cs.Created {
		raw, err := EncodeDescriptor(&cs.Created[i])
		if err != nil {
			return nil, fmt.Errorf("soapenv: build descriptor report body: %w", err)
		}
		buf.Write(raw)
	}
	for i := range cs.Updated {
		raw, err := EncodeDescriptor(&cs.Updated[i])
		if err != nil {
			return nil, fmt.Errorf("soapenv: build descriptor report body: %w", err)
		}
		buf.Write(raw)
	}
	for i := range cs.States {
		raw, err := EncodeState(&cs.States[i])
		if err != nil {
			return nil, fmt.Errorf("soapenv: build descriptor report body: %w", err)
		}
		buf.Write(raw)
	}
	return &DescriptorReportBody{
		XMLName: name, MdibVersion: mdibVersion, SequenceID: sequenceID, InstanceID: instanceID,
		Deleted: cs.Deleted, Content: buf.Bytes(),
	}, nil
}
