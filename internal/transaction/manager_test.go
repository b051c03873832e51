package transaction

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Draegerwerk/sdc11073/internal/mdib"
	"github.com/Draegerwerk/sdc11073/internal/model"
)

func newStoreWithMds(t *testing.T) *mdib.Mdib {
	t.Helper()
	store := mdib.New("urn:uuid:test")
	tm := New(store)
	tx := tm.Begin()
	require.NoError(t, tx.CreateDescriptor(model.Descriptor{Handle: "mds0", Kind: model.KindMds}, nil))
	require.NoError(t, tx.CreateDescriptor(
		model.Descriptor{Handle: "metric1", ParentHandle: "mds0", Kind: model.KindNumericMetric, Metric: &model.MetricDescriptor{}},
		&model.State{Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric, Metric: &model.MetricState{}},
	))
	cs, err := tx.Commit()
	require.NoError(t, err)
	require.NotNil(t, cs)
	return store
}

func TestCommitBumpsStateVersionExactlyOnce(t *testing.T) {
	store := newStoreWithMds(t)
	tm := New(store)

	tx := tm.Begin()
	s, err := tx.GetState("metric1")
	require.NoError(t, err)
	s.Metric.Value.Numeric = 42
	cs, err := tx.Commit()
	require.NoError(t, err)
	require.Len(t, cs.MetricUpdates, 1)
	assert.Equal(t, uint64(1), cs.MetricUpdates[0].StateVersion)

	got := store.GetState("metric1")
	assert.Equal(t, uint64(1), got.StateVersion)
	assert.Equal(t, float64(42), got.Metric.Value.Numeric)
}

func TestEmptyTransactionCommitsNothing(t *testing.T) {
	store := newStoreWithMds(t)
	tm := New(store)
	versionBefore := store.MdibVersion()

	tx := tm.Begin()
	cs, err := tx.Commit()
	require.NoError(t, err)
	assert.Nil(t, cs)
	assert.Equal(t, versionBefore, store.MdibVersion())
}

func TestRollbackDiscardsStagedChanges(t *testing.T) {
	store := newStoreWithMds(t)
	tm := New(store)
	versionBefore := store.MdibVersion()

	tx := tm.Begin()
	s, err := tx.GetState("metric1")
	require.NoError(t, err)
	s.Metric.Value.Numeric = 999
	tx.Rollback()

	assert.Equal(t, versionBefore, store.MdibVersion())
	assert.Equal(t, float64(0), store.GetState("metric1").Metric.Value.Numeric)
}

func TestWaveformUpdatesRouteToDisjointBucket(t *testing.T) {
	store := newStoreWithMds(t)
	tm := New(store)

	tx := tm.Begin()
	tx.WriteWaveformState(model.State{
		Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric,
		Metric: &model.MetricState{Samples: []float64{1, 2, 3}},
	})
	cs, err := tx.Commit()
	require.NoError(t, err)
	require.Len(t, cs.WaveformUpdates, 1)
	assert.Empty(t, cs.MetricUpdates, "waveform samples must never land in the metric bucket")
}

func TestCommitLockSerializesConcurrentTransactions(t *testing.T) {
	store := newStoreWithMds(t)
	tm := New(store)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			tx := tm.Begin()
			s, err := tx.GetState("metric1")
			if err != nil {
				tx.Rollback()
				return
			}
			s.Metric.Value.Numeric++
			_, _ = tx.Commit()
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(n), store.GetState("metric1").StateVersion)
}
