// Package model defines the shared descriptor/state/report/operation domain
// types used by the MDIB engine, the transaction manager, the report
// processor, and the dispatcher. It is intentionally free of dependencies on
// other internal packages to avoid circular imports.
//
// Descriptors and states are modeled as a sum type per family: a common
// header carries the fields every kind shares (handle, parent, version),
// and exactly one kind-specific payload pointer is populated according to
// Kind. This replaces the deep descriptor/state inheritance hierarchy of the
// original implementation with a flat, switchable representation.
package model

// Kind discriminates descriptor/state families. A Descriptor and its
// State(s) always share the same Kind.
type Kind string

const (
	KindMds                    Kind = "Mds"
	KindVmd                    Kind = "Vmd"
	KindChannel                Kind = "Channel"
	KindNumericMetric          Kind = "NumericMetric"
	KindStringMetric           Kind = "StringMetric"
	KindRealTimeSampleArray    Kind = "RealTimeSampleArrayMetric"
	KindAlertSystem            Kind = "AlertSystem"
	KindAlertCondition         Kind = "AlertCondition"
	KindAlertSignal            Kind = "AlertSignal"
	KindSco                    Kind = "Sco"
	KindSetValueOperation      Kind = "SetValueOperation"
	KindSetStringOperation     Kind = "SetStringOperation"
	KindActivateOperation      Kind = "ActivateOperation"
	KindSetContextOperation    Kind = "SetContextStateOperation"
	KindSetMetricStateOperation Kind = "SetMetricStateOperation"
	KindPatientContext         Kind = "PatientContext"
	KindLocationContext        Kind = "LocationContext"
	KindSystemContext          Kind = "SystemContext"
)

// IsContext reports whether the kind is one of the multi-state context
// families (§3.1: zero-or-more states per descriptor).
func (k Kind) IsContext() bool {
	switch k {
	case KindPatientContext, KindLocationContext, KindSystemContext:
		return true
	default:
		return false
	}
}

// IsOperation reports whether the kind is one of the SCO operation families.
func (k Kind) IsOperation() bool {
	switch k {
	case KindSetValueOperation, KindSetStringOperation, KindActivateOperation,
		KindSetContextOperation, KindSetMetricStateOperation:
		return true
	default:
		return false
	}
}

// IsMetric reports whether the kind carries a MetricState/MetricDescriptor payload.
func (k Kind) IsMetric() bool {
	switch k {
	case KindNumericMetric, KindStringMetric, KindRealTimeSampleArray:
		return true
	default:
		return false
	}
}

// IsAlert reports whether the kind carries an AlertState/AlertDescriptor payload.
func (k Kind) IsAlert() bool {
	switch k {
	case KindAlertSystem, KindAlertCondition, KindAlertSignal:
		return true
	default:
		return false
	}
}

// RequiresSingletonAssociation reports whether at most one Assoc state is
// allowed at a time for a descriptor of this context kind (invariant 4).
// Patient and Location contexts are singleton-associated; Ensemble/Workflow
// style contexts (represented here as SystemContext) are not.
func (k Kind) RequiresSingletonAssociation() bool {
	switch k {
	case KindPatientContext, KindLocationContext:
		return true
	default:
		return false
	}
}

// ContextAssociation is the association state of a context state instance.
type ContextAssociation string

const (
	ContextAssociationNo     ContextAssociation = "No"
	ContextAssociationPre    ContextAssociation = "Pre"
	ContextAssociationAssoc  ContextAssociation = "Assoc"
	ContextAssociationDis    ContextAssociation = "Dis"
)
