package model

import "time"

// State is the runtime value attached to a descriptor. For single-state
// descriptors Handle == DescriptorHandle; for context descriptors Handle is
// its own identity distinct from DescriptorHandle (§3.1).
//
// BindingMdibVersion records the mdib_version of the transaction that last
// touched this state (invariant 6); for context states it is specifically
// the version at which the state transitioned to Assoc.
type State struct {
	Handle           string
	DescriptorHandle string
	Kind             Kind
	StateVersion     uint64
	BindingMdibVersion uint64

	Metric    *MetricState
	Alert     *AlertState
	Operation *OperationState
	Context   *ContextState

	SourceXML []byte
}

// Clone returns a deep-enough copy suitable for copy-on-touch semantics.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.SourceXML = append([]byte(nil), s.SourceXML...)
	if s.Metric != nil {
		m := *s.Metric
		clone.Metric = &m
	}
	if s.Alert != nil {
		a := *s.Alert
		clone.Alert = &a
	}
	if s.Operation != nil {
		o := *s.Operation
		clone.Operation = &o
	}
	if s.Context != nil {
		c := *s.Context
		if s.Context.ValidatorFields != nil {
			c.ValidatorFields = make(map[string]string, len(s.Context.ValidatorFields))
			for k, v := range s.Context.ValidatorFields {
				c.ValidatorFields[k] = v
			}
		}
		clone.Context = &c
	}
	return &clone
}

// MetricValue is the value carried by a numeric or string metric state.
type MetricValue struct {
	Numeric         float64
	String          string
	DeterminationTime time.Time
	Validity        string // e.g. "Vld", "Inv", "Oflw"
}

// MetricState carries runtime fields for NumericMetric/StringMetric states.
// RealTimeSampleArray metric states reuse Samples for their sample bundle
// and leave Value zeroed.
type MetricState struct {
	ActivationState string // e.g. "On", "NotRdy", "Off"
	Value           MetricValue
	Samples         []float64
	SamplesTime     time.Time
}

// AlertState carries runtime fields for AlertSystem/AlertCondition/AlertSignal states.
type AlertState struct {
	ActivationState string
	Presence        bool   // AlertCondition presence
	ActualPriority  string // AlertSignal actual priority
}

// OperationState carries runtime fields for SCO operation states.
type OperationState struct {
	OperatingMode string // e.g. "En", "Dis", "NA"
}

// ContextState carries runtime fields for context states (multi-state).
type ContextState struct {
	Association ContextAssociation
	Identification string // opaque external identifier, e.g. patient ID
	ValidatorFields map[string]string
}
