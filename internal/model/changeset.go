package model

// ChangeSet is what a committed transaction yields (§3.2). Exactly the
// buckets touched by the transaction are non-nil/non-empty; a transaction
// that only touches metrics produces a ChangeSet with only MetricUpdates
// set, for example. The waveform bucket is kept disjoint from
// MetricUpdates even though both carry MetricState values, because the
// subscription manager treats the Waveform action as lossy-ordered while
// EpisodicMetricReport is not (§4.D special rule).
type ChangeSet struct {
	MdibVersion uint64
	SequenceID  string
	InstanceID  *uint64

	DescriptorUpdates  *DescriptorChangeSet
	MetricUpdates      []State
	AlertUpdates       []State
	ComponentUpdates   []State
	OperationalUpdates []State
	ContextUpdates     []State
	WaveformUpdates    []State
}

// IsEmpty reports whether the change-set carries no changes at all. The
// mdib_version is only bumped when something was actually staged; the
// transaction manager never commits an empty transaction (see
// transaction.Transaction.Commit).
func (c *ChangeSet) IsEmpty() bool {
	return c.DescriptorUpdates == nil &&
		len(c.MetricUpdates) == 0 &&
		len(c.AlertUpdates) == 0 &&
		len(c.ComponentUpdates) == 0 &&
		len(c.OperationalUpdates) == 0 &&
		len(c.ContextUpdates) == 0 &&
		len(c.WaveformUpdates) == 0
}

// DescriptorChangeSet carries the descriptor-bucket changes split into
// created/updated/deleted handle subsets (§3.2).
type DescriptorChangeSet struct {
	Created []Descriptor
	Updated []Descriptor
	Deleted []string

	// States holds the initial/updated states that accompany descriptor
	// creation or deletion (e.g. the single-state created alongside a new
	// metric descriptor).
	States []State
}
