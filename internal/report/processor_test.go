package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Draegerwerk/sdc11073/internal/mdib"
	"github.com/Draegerwerk/sdc11073/internal/model"
)

func bootstrapSnapshot() mdib.Snapshot {
	return mdib.Snapshot{
		SequenceID:  "urn:uuid:test",
		MdibVersion: 10,
		Descriptors: []model.Descriptor{
			{Handle: "mds0", Kind: model.KindMds},
			{Handle: "metric1", ParentHandle: "mds0", Kind: model.KindNumericMetric, Metric: &model.MetricDescriptor{}},
		},
		SingleStates: []model.State{
			{Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric, Metric: &model.MetricState{}},
		},
	}
}

func changeSetAt(v uint64) *model.ChangeSet {
	return &model.ChangeSet{
		MdibVersion: v,
		SequenceID:  "urn:uuid:test",
		MetricUpdates: []model.State{
			{Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric,
				Metric: &model.MetricState{Value: model.MetricValue{Numeric: float64(v)}}},
		},
	}
}

func TestBootstrapLoadsSnapshotAndSetsExpected(t *testing.T) {
	mirror := mdib.New("")
	fetchCount := 0
	p := New(mirror, func(ctx context.Context) (mdib.Snapshot, error) {
		fetchCount++
		return bootstrapSnapshot(), nil
	}, Options{})

	require.NoError(t, p.Bootstrap(context.Background()))
	assert.Equal(t, 1, fetchCount)
	assert.Equal(t, uint64(10), mirror.MdibVersion())
}

func TestInOrderNotificationsApplyImmediately(t *testing.T) {
	mirror := mdib.New("")
	p := New(mirror, func(ctx context.Context) (mdib.Snapshot, error) { return bootstrapSnapshot(), nil }, Options{})
	require.NoError(t, p.Bootstrap(context.Background()))

	require.NoError(t, p.Handle(context.Background(), Notification{SequenceID: "urn:uuid:test", MdibVersion: 11, ChangeSet: changeSetAt(11)}))
	require.NoError(t, p.Handle(context.Background(), Notification{SequenceID: "urn:uuid:test", MdibVersion: 12, ChangeSet: changeSetAt(12)}))

	assert.Equal(t, uint64(12), mirror.MdibVersion())
	assert.Equal(t, float64(12), mirror.GetState("metric1").Metric.Value.Numeric)
	assert.Equal(t, uint64(2), p.Stats().Applied)
}

func TestStaleNotificationIsDiscarded(t *testing.T) {
	mirror := mdib.New("")
	p := New(mirror, func(ctx context.Context) (mdib.Snapshot, error) { return bootstrapSnapshot(), nil }, Options{})
	require.NoError(t, p.Bootstrap(context.Background()))
	require.NoError(t, p.Handle(context.Background(), Notification{SequenceID: "urn:uuid:test", MdibVersion: 11, ChangeSet: changeSetAt(11)}))

	require.NoError(t, p.Handle(context.Background(), Notification{SequenceID: "urn:uuid:test", MdibVersion: 11, ChangeSet: changeSetAt(11)}))

	assert.Equal(t, uint64(1), p.Stats().DroppedStale)
	assert.Equal(t, uint64(11), mirror.MdibVersion(), "replaying an already-applied report must be a no-op")
}

func TestOutOfOrderNotificationIsBufferedThenDrained(t *testing.T) {
	mirror := mdib.New("")
	p := New(mirror, func(ctx context.Context) (mdib.Snapshot, error) { return bootstrapSnapshot(), nil }, Options{ReorderWindow: time.Hour})
	require.NoError(t, p.Bootstrap(context.Background()))

	require.NoError(t, p.Handle(context.Background(), Notification{SequenceID: "urn:uuid:test", MdibVersion: 12, ChangeSet: changeSetAt(12)}))
	assert.Equal(t, uint64(10), mirror.MdibVersion(), "out-of-order report must not apply until the gap is filled")

	require.NoError(t, p.Handle(context.Background(), Notification{SequenceID: "urn:uuid:test", MdibVersion: 11, ChangeSet: changeSetAt(11)}))
	assert.Equal(t, uint64(12), mirror.MdibVersion(), "filling the gap must drain the buffered report too")
}

func TestReorderWindowExpiryTriggersGapRecovery(t *testing.T) {
	mirror := mdib.New("")
	recovered := make(chan string, 1)
	fetchCount := 0
	p := New(mirror, func(ctx context.Context) (mdib.Snapshot, error) {
		fetchCount++
		return bootstrapSnapshot(), nil
	}, Options{
		ReorderWindow: 10 * time.Millisecond,
		OnGapRecovery: func(reason string) { recovered <- reason },
	})
	require.NoError(t, p.Bootstrap(context.Background()))

	require.NoError(t, p.Handle(context.Background(), Notification{SequenceID: "urn:uuid:test", MdibVersion: 12, ChangeSet: changeSetAt(12)}))

	select {
	case reason := <-recovered:
		assert.Equal(t, "reorder_window_expired", reason)
	case <-time.After(time.Second):
		t.Fatal("expected gap recovery to fire")
	}
	assert.Equal(t, 2, fetchCount)
}

func TestSequenceChangeTriggersImmediateGapRecovery(t *testing.T) {
	mirror := mdib.New("")
	fetchCount := 0
	p := New(mirror, func(ctx context.Context) (mdib.Snapshot, error) {
		fetchCount++
		return bootstrapSnapshot(), nil
	}, Options{})
	require.NoError(t, p.Bootstrap(context.Background()))

	require.NoError(t, p.Handle(context.Background(), Notification{SequenceID: "urn:uuid:different", MdibVersion: 1, ChangeSet: changeSetAt(1)}))
	assert.Equal(t, 2, fetchCount)
}

func TestWaveformSamplesApplyWithoutBlockingOnGaps(t *testing.T) {
	mirror := mdib.New("")
	p := New(mirror, func(ctx context.Context) (mdib.Snapshot, error) { return bootstrapSnapshot(), nil }, Options{})
	require.NoError(t, p.Bootstrap(context.Background()))

	waveformCS := &model.ChangeSet{
		MdibVersion: 50,
		SequenceID:  "urn:uuid:test",
		WaveformUpdates: []model.State{
			{Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric,
				Metric: &model.MetricState{Samples: []float64{1, 2, 3}}},
		},
	}
	require.NoError(t, p.Handle(context.Background(), Notification{SequenceID: "urn:uuid:test", MdibVersion: 50, ChangeSet: waveformCS, IsWaveform: true}))

	assert.Equal(t, []float64{1, 2, 3}, mirror.GetState("metric1").Metric.Samples)
	assert.Equal(t, uint64(50), mirror.MdibVersion())
}
