package mdib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Draegerwerk/sdc11073/internal/model"
)

func mdsDescriptor() model.Descriptor {
	return model.Descriptor{Handle: "mds0", Kind: model.KindMds, DescriptorVersion: 0}
}

func metricDescriptor(handle, parent string) model.Descriptor {
	return model.Descriptor{
		Handle: handle, ParentHandle: parent, Kind: model.KindNumericMetric,
		Metric: &model.MetricDescriptor{Unit: "MDC_DIM_PERCENT"},
	}
}

func bootstrapChangeSet() *model.ChangeSet {
	return &model.ChangeSet{
		MdibVersion: 1,
		SequenceID:  "urn:uuid:test",
		DescriptorUpdates: &model.DescriptorChangeSet{
			Created: []model.Descriptor{mdsDescriptor(), metricDescriptor("metric1", "mds0")},
			States: []model.State{
				{Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric, Metric: &model.MetricState{}},
			},
		},
	}
}

func TestApplyChangeSetBootstrapsTree(t *testing.T) {
	m := New("urn:uuid:test")
	require.NoError(t, m.ApplyChangeSet(bootstrapChangeSet()))

	assert.Equal(t, uint64(1), m.MdibVersion())
	require.NotNil(t, m.GetDescriptor("mds0"))
	require.NotNil(t, m.GetDescriptor("metric1"))
	assert.Equal(t, []string{"metric1"}, m.Children("mds0"))
	require.NotNil(t, m.GetState("metric1"))
}

func TestApplyChangeSetRejectsNonContiguousVersion(t *testing.T) {
	m := New("urn:uuid:test")
	require.NoError(t, m.ApplyChangeSet(bootstrapChangeSet()))

	cs := &model.ChangeSet{MdibVersion: 3, SequenceID: "urn:uuid:test"}
	err := m.ApplyChangeSet(cs)
	require.Error(t, err)
	assert.Equal(t, uint64(1), m.MdibVersion(), "rejected change-set must not move the version")
}

func TestApplyChangeSetRejectsUnknownParent(t *testing.T) {
	m := New("urn:uuid:test")
	cs := &model.ChangeSet{
		MdibVersion: 1,
		SequenceID:  "urn:uuid:test",
		DescriptorUpdates: &model.DescriptorChangeSet{
			Created: []model.Descriptor{metricDescriptor("metric1", "does-not-exist")},
		},
	}
	require.Error(t, m.ApplyChangeSet(cs))
	assert.Nil(t, m.GetDescriptor("metric1"), "rejected change-set must leave the tree untouched")
}

func TestDeletingDescriptorDeletesSubtree(t *testing.T) {
	m := New("urn:uuid:test")
	require.NoError(t, m.ApplyChangeSet(bootstrapChangeSet()))

	cs := &model.ChangeSet{
		MdibVersion: 2,
		SequenceID:  "urn:uuid:test",
		DescriptorUpdates: &model.DescriptorChangeSet{
			Deleted: []string{"mds0"},
		},
	}
	require.NoError(t, m.ApplyChangeSet(cs))
	assert.Nil(t, m.GetDescriptor("mds0"))
	assert.Nil(t, m.GetDescriptor("metric1"), "deleting the parent must delete the child")
	assert.Nil(t, m.GetState("metric1"))
}

func TestSingletonContextAssociationInvariant(t *testing.T) {
	m := New("urn:uuid:test")
	patient := model.Descriptor{Handle: "patientCtx", ParentHandle: "mds0", Kind: model.KindPatientContext, Context: &model.ContextDescriptor{}}
	bootstrap := &model.ChangeSet{
		MdibVersion: 1,
		SequenceID:  "urn:uuid:test",
		DescriptorUpdates: &model.DescriptorChangeSet{
			Created: []model.Descriptor{mdsDescriptor(), patient},
		},
	}
	require.NoError(t, m.ApplyChangeSet(bootstrap))

	assoc1 := &model.ChangeSet{
		MdibVersion: 2,
		SequenceID:  "urn:uuid:test",
		ContextUpdates: []model.State{
			{Handle: "ctxState1", DescriptorHandle: "patientCtx", Kind: model.KindPatientContext,
				Context: &model.ContextState{Association: model.ContextAssociationAssoc}},
		},
	}
	require.NoError(t, m.ApplyChangeSet(assoc1))

	assoc2 := &model.ChangeSet{
		MdibVersion: 3,
		SequenceID:  "urn:uuid:test",
		ContextUpdates: []model.State{
			{Handle: "ctxState2", DescriptorHandle: "patientCtx", Kind: model.KindPatientContext,
				Context: &model.ContextState{Association: model.ContextAssociationAssoc}},
		},
	}
	err := m.ApplyChangeSet(assoc2)
	require.Error(t, err, "a second concurrently-associated patient context state must be rejected")
}

func TestSnapshotRoundTripsThroughLoadSnapshot(t *testing.T) {
	m := New("urn:uuid:test")
	require.NoError(t, m.ApplyChangeSet(bootstrapChangeSet()))

	snap := m.Snapshot()
	m2 := New("")
	m2.LoadSnapshot(snap)

	assert.Equal(t, m.MdibVersion(), m2.MdibVersion())
	assert.Equal(t, m.SequenceID(), m2.SequenceID())
	require.NotNil(t, m2.GetDescriptor("metric1"))
	assert.Equal(t, []string{"metric1"}, m2.Children("mds0"))
}

func TestApplyWaveformChangeSetSkipsContiguityCheck(t *testing.T) {
	m := New("urn:uuid:test")
	require.NoError(t, m.ApplyChangeSet(bootstrapChangeSet()))

	// Jump straight to version 9, simulating lost samples in between.
	err := m.ApplyWaveformChangeSet(&model.ChangeSet{
		MdibVersion: 9,
		WaveformUpdates: []model.State{
			{Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric,
				Metric: &model.MetricState{Samples: []float64{1, 2, 3}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), m.MdibVersion())
	assert.Equal(t, []float64{1, 2, 3}, m.GetState("metric1").Metric.Samples)
}

func TestApplyWaveformChangeSetRejectsUnknownDescriptor(t *testing.T) {
	m := New("urn:uuid:test")
	err := m.ApplyWaveformChangeSet(&model.ChangeSet{
		MdibVersion:     1,
		WaveformUpdates: []model.State{{Handle: "x", DescriptorHandle: "does-not-exist", Kind: model.KindNumericMetric}},
	})
	require.Error(t, err)
}

func TestGetDescriptorReturnsIndependentClone(t *testing.T) {
	m := New("urn:uuid:test")
	require.NoError(t, m.ApplyChangeSet(bootstrapChangeSet()))

	d := m.GetDescriptor("metric1")
	d.Metric.Unit = "mutated"

	again := m.GetDescriptor("metric1")
	assert.NotEqual(t, "mutated", again.Metric.Unit, "mutating a returned clone must not affect the store")
}
