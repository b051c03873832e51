package roles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Draegerwerk/sdc11073/internal/mdib"
	"github.com/Draegerwerk/sdc11073/internal/model"
	"github.com/Draegerwerk/sdc11073/internal/transaction"
)

func newTestStore() *mdib.Mdib {
	store := mdib.New("urn:uuid:seq-test")
	txMgr := transaction.New(store)
	tx := txMgr.Begin()
	_ = tx.CreateDescriptor(model.Descriptor{Handle: "mds1", Kind: model.KindMds}, &model.State{Handle: "mds1", DescriptorHandle: "mds1", Kind: model.KindMds})
	_ = tx.CreateDescriptor(model.Descriptor{Handle: "metric1", ParentHandle: "mds1", Kind: model.KindNumericMetric},
		&model.State{Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric, Metric: &model.MetricState{}})
	_ = tx.CreateDescriptor(model.Descriptor{Handle: "wf1", ParentHandle: "mds1", Kind: model.KindRealTimeSampleArray},
		&model.State{Handle: "wf1", DescriptorHandle: "wf1", Kind: model.KindRealTimeSampleArray, Metric: &model.MetricState{}})
	_ = tx.CreateDescriptor(model.Descriptor{Handle: "ctx1", ParentHandle: "mds1", Kind: model.KindPatientContext}, nil)
	_ = tx.CreateDescriptor(model.Descriptor{Handle: "op1", ParentHandle: "mds1", Kind: model.KindSetValueOperation,
		Operation: &model.OperationDescriptor{OperationTarget: "metric1"}},
		&model.State{Handle: "op1", DescriptorHandle: "op1", Kind: model.KindSetValueOperation, Operation: &model.OperationState{}})
	_, err := tx.Commit()
	if err != nil {
		panic(err)
	}
	return store
}

func TestInvokeSetValueCommitsAndReturnsTargets(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	p := New(store, txMgr, Options{})

	p.RegisterSetValue("op1", func(tx *transaction.Transaction, target string, value float64) ([]string, model.InvocationError, error) {
		s, err := tx.GetState(target)
		if err != nil {
			return nil, model.InvocationErrorInvalidValue, err
		}
		s.Metric.Value.Numeric = value
		return []string{target}, model.InvocationErrorNone, nil
	})

	targets, invErr, err := p.InvokeSetValue(context.Background(), "op1", 42)
	require.NoError(t, err)
	assert.Equal(t, model.InvocationErrorNone, invErr)
	assert.Equal(t, []string{"metric1"}, targets)

	updated := store.GetState("metric1")
	assert.Equal(t, 42.0, updated.Metric.Value.Numeric)
	assert.Equal(t, uint64(1), updated.StateVersion)
}

func TestInvokeSetValueUnknownOperationReturnsInvalidValue(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	p := New(store, txMgr, Options{})

	_, invErr, err := p.InvokeSetValue(context.Background(), "no-such-op", 1)
	assert.Error(t, err)
	assert.Equal(t, model.InvocationErrorInvalidValue, invErr)
}

func TestInvokeSetValueDomainFailureRollsBackWithoutBumpingVersion(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	p := New(store, txMgr, Options{})

	p.RegisterSetValue("op1", func(tx *transaction.Transaction, target string, value float64) ([]string, model.InvocationError, error) {
		_, _ = tx.GetState(target)
		return nil, model.InvocationErrorInvalidValue, nil
	})

	_, invErr, err := p.InvokeSetValue(context.Background(), "op1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.InvocationErrorInvalidValue, invErr)
	assert.Equal(t, uint64(0), store.GetState("metric1").StateVersion)
	assert.Equal(t, uint64(0), store.MdibVersion())
}

// TestInvokeSetContextStateUnknownTargetFailsInvalidValue covers the §9
// Open Question resolution: an unknown operation target resolves to a
// domain Fail, not a transport fault.
func TestInvokeSetContextStateUnknownTargetFailsInvalidValue(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	p := New(store, txMgr, Options{})
	p.RegisterSetContextState("opctx", func(tx *transaction.Transaction, target string, proposed model.ContextState) ([]string, model.InvocationError, error) {
		return []string{target}, model.InvocationErrorNone, nil
	})

	_, invErr, err := p.InvokeSetContextState(context.Background(), "opctx", "no-such-ctx", model.ContextState{})
	assert.Error(t, err)
	assert.Equal(t, model.InvocationErrorInvalidValue, invErr)
}

func TestInvokeSetContextStateKnownTargetCommits(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	p := New(store, txMgr, Options{})
	p.RegisterSetContextState("opctx", func(tx *transaction.Transaction, target string, proposed model.ContextState) ([]string, model.InvocationError, error) {
		cs, err := tx.NewContextState(target)
		if err != nil {
			return nil, model.InvocationErrorOther, err
		}
		cs.Context.Association = model.ContextAssociationAssoc
		return []string{cs.Handle}, model.InvocationErrorNone, nil
	})

	targets, invErr, err := p.InvokeSetContextState(context.Background(), "opctx", "ctx1", model.ContextState{})
	require.NoError(t, err)
	assert.Equal(t, model.InvocationErrorNone, invErr)
	require.Len(t, targets, 1)

	states := store.ContextStates("ctx1")
	require.Len(t, states, 1)
	assert.Equal(t, model.ContextAssociationAssoc, states[0].Context.Association)
}

type fakeWaveformSource struct {
	samples []float64
}

func (f *fakeWaveformSource) NextSamples(handle string) ([]float64, bool) {
	return f.samples, true
}

func TestWaveformTickerWritesSamplesWithoutTouchingMetricBucket(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	p := New(store, txMgr, Options{WaveformInterval: 10 * time.Millisecond})
	p.RegisterWaveformSource("wf1", &fakeWaveformSource{samples: []float64{1, 2, 3}})

	p.emitWaveformTick()

	updated := store.GetState("wf1")
	assert.Equal(t, []float64{1, 2, 3}, updated.Metric.Samples)
	assert.Equal(t, uint64(1), updated.StateVersion)
}

func TestInvokeSetValueForwardsCommittedChangeSetToOnChangeSet(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	var got *model.ChangeSet
	p := New(store, txMgr, Options{OnChangeSet: func(cs *model.ChangeSet) { got = cs }})
	p.RegisterSetValue("op1", func(tx *transaction.Transaction, target string, value float64) ([]string, model.InvocationError, error) {
		s, err := tx.GetState(target)
		if err != nil {
			return nil, model.InvocationErrorInvalidValue, err
		}
		s.Metric.Value.Numeric = value
		return []string{target}, model.InvocationErrorNone, nil
	})

	_, _, err := p.InvokeSetValue(context.Background(), "op1", 7)
	require.NoError(t, err)

	require.NotNil(t, got, "a successful commit must be forwarded to OnChangeSet")
	require.Len(t, got.MetricUpdates, 1)
	assert.Equal(t, "metric1", got.MetricUpdates[0].DescriptorHandle)
}

func TestInvokeSetValueDomainFailureNeverCallsOnChangeSet(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	called := false
	p := New(store, txMgr, Options{OnChangeSet: func(cs *model.ChangeSet) { called = true }})
	p.RegisterSetValue("op1", func(tx *transaction.Transaction, target string, value float64) ([]string, model.InvocationError, error) {
		return nil, model.InvocationErrorInvalidValue, nil
	})

	_, _, _ = p.InvokeSetValue(context.Background(), "op1", 7)
	assert.False(t, called, "a rolled-back transaction must not reach OnChangeSet")
}

func TestWaveformTickerForwardsChangeSetToOnChangeSet(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	var got *model.ChangeSet
	p := New(store, txMgr, Options{OnChangeSet: func(cs *model.ChangeSet) { got = cs }})
	p.RegisterWaveformSource("wf1", &fakeWaveformSource{samples: []float64{1, 2, 3}})

	p.emitWaveformTick()

	require.NotNil(t, got)
	require.Len(t, got.WaveformUpdates, 1)
	assert.Equal(t, "wf1", got.WaveformUpdates[0].DescriptorHandle)
}

func TestWaveformTickerSkipsWhenSourceHasNoData(t *testing.T) {
	store := newTestStore()
	txMgr := transaction.New(store)
	p := New(store, txMgr, Options{})

	before := store.MdibVersion()
	p.emitWaveformTick()
	assert.Equal(t, before, store.MdibVersion(), "a tick with no registered sources must not bump mdib_version")
}
