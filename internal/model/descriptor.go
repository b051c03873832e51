package model

// Descriptor is the structural definition of one MDIB node. Handle is
// stable and unique across the whole MDIB; ParentHandle is empty only for
// the MDS root. DescriptorVersion is bumped by exactly one every time the
// entity is touched in a committed transaction (invariant 5).
//
// SourceXML retains the last-serialized wire representation of this
// descriptor, per the "mutable shared XML trees kept alongside typed
// values" design note: a transaction commit that touched the descriptor
// clears it; the codec regenerates the XML the next time the descriptor is
// serialized.
type Descriptor struct {
	Handle            string
	ParentHandle      string
	Kind              Kind
	DescriptorVersion uint64

	CodeID                string
	SafetyClassification  string

	Metric    *MetricDescriptor
	Alert     *AlertDescriptor
	Operation *OperationDescriptor
	Context   *ContextDescriptor

	SourceXML []byte
}

// Clone returns a deep-enough copy suitable for copy-on-touch semantics in
// the transaction manager: payload pointers are copied, not aliased.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	clone := *d
	clone.SourceXML = append([]byte(nil), d.SourceXML...)
	if d.Metric != nil {
		m := *d.Metric
		clone.Metric = &m
	}
	if d.Alert != nil {
		a := *d.Alert
		clone.Alert = &a
	}
	if d.Operation != nil {
		o := *d.Operation
		clone.Operation = &o
	}
	if d.Context != nil {
		c := *d.Context
		clone.Context = &c
	}
	return &clone
}

// MetricDescriptor carries attributes specific to metric descriptors
// (NumericMetric, StringMetric, RealTimeSampleArrayMetric).
type MetricDescriptor struct {
	Unit                string
	MetricCategory      string // e.g. "Msrmt", "Set", "Calc"
	MetricAvailability  string // e.g. "Cont", "Intr"
	Resolution          float64 // for numeric metrics; ignored otherwise
	SampleSamplePeriodMs int64   // for RealTimeSampleArray metrics
}

// AlertDescriptor carries attributes specific to alert descriptors
// (AlertSystem, AlertCondition, AlertSignal).
type AlertDescriptor struct {
	Kind     string // e.g. "Phy"/"Tec" alert condition kind
	Priority string // e.g. "Lo", "Me", "Hi" for AlertSignal
}

// OperationDescriptor carries attributes specific to SCO operation
// descriptors (SetValue, SetString, Activate, SetContextState,
// SetMetricState).
type OperationDescriptor struct {
	OperationTarget string // descriptor handle the operation acts upon
	AccessLevel     string // e.g. "Usr", "Clin"
	MaxTimeToFinishMs int64
}

// ContextDescriptor carries attributes specific to context descriptors
// (PatientContext, LocationContext, SystemContext).
type ContextDescriptor struct{}
