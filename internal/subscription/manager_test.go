package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Draegerwerk/sdc11073/internal/model"
	"github.com/Draegerwerk/sdc11073/internal/namespace"
)

type recordingTransport struct {
	mu    sync.Mutex
	posts []string
	fail  error
}

func (t *recordingTransport) Post(ctx context.Context, endpoint string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.posts = append(t.posts, endpoint)
	return nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.posts)
}

func newTestManager(transport Transport) *Manager {
	return New(transport, Options{SweepInterval: time.Hour})
}

func metricChangeSet(v uint64) *model.ChangeSet {
	return &model.ChangeSet{
		MdibVersion: v,
		SequenceID:  "urn:uuid:test",
		MetricUpdates: []model.State{
			{Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric, Metric: &model.MetricState{}},
		},
	}
}

func TestSubscribeAndNotifyDeliversMatchingAction(t *testing.T) {
	transport := &recordingTransport{}
	m := newTestManager(transport)
	defer m.Shutdown(context.Background())

	_, err := m.Subscribe("http://consumer/sink", []string{namespace.ActionEpisodicMetricReport}, nil, time.Minute)
	require.NoError(t, err)

	m.NotifyChangeSet(metricChangeSet(1))

	require.Eventually(t, func() bool { return transport.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNotifyDoesNotDeliverOutsideFilter(t *testing.T) {
	transport := &recordingTransport{}
	m := newTestManager(transport)
	defer m.Shutdown(context.Background())

	_, err := m.Subscribe("http://consumer/sink", []string{namespace.ActionEpisodicAlertReport}, nil, time.Minute)
	require.NoError(t, err)

	m.NotifyChangeSet(metricChangeSet(1))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, transport.count(), "a subscription must never receive a report outside its filter")
}

func TestRenewIsIdempotentWhenRequestedAboveCap(t *testing.T) {
	transport := &recordingTransport{}
	m := New(transport, Options{SweepInterval: time.Hour, MaxSubscriptionDuration: time.Minute})
	defer m.Shutdown(context.Background())

	sub, err := m.Subscribe("http://consumer/sink", nil, nil, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), sub.Expiration, 50*time.Millisecond, "requested duration above the cap must be clamped")

	first, err := m.Renew(sub.ID, time.Hour)
	require.NoError(t, err)
	second, err := m.Renew(sub.ID, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, first, second, 50*time.Millisecond)
}

func TestRenewUnknownSubscriptionReturnsSentinelError(t *testing.T) {
	m := newTestManager(&recordingTransport{})
	defer m.Shutdown(context.Background())

	_, err := m.Renew("does-not-exist", time.Minute)
	require.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestUnsubscribeRemovesSubscription(t *testing.T) {
	transport := &recordingTransport{}
	m := newTestManager(transport)
	defer m.Shutdown(context.Background())

	sub, err := m.Subscribe("http://consumer/sink", []string{namespace.ActionEpisodicMetricReport}, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Unsubscribe(sub.ID))
	assert.Equal(t, 0, m.Count())

	m.NotifyChangeSet(metricChangeSet(1))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, transport.count())
}

func TestAuthoritativeDeliveryFailureDeletesSubscription(t *testing.T) {
	transport := &recordingTransport{fail: &DeliveryError{Authoritative: true, Err: assertionError("404")}}
	removed := make(chan string, 1)
	m := New(transport, Options{SweepInterval: time.Hour, OnSubscriptionRemoved: func(id, reason string) { removed <- reason }})
	defer m.Shutdown(context.Background())

	_, err := m.Subscribe("http://consumer/sink", []string{namespace.ActionEpisodicMetricReport}, nil, time.Minute)
	require.NoError(t, err)
	m.NotifyChangeSet(metricChangeSet(1))

	select {
	case reason := <-removed:
		assert.Equal(t, "authoritative_delivery_failure", reason)
	case <-time.After(time.Second):
		t.Fatal("expected the subscription to be removed")
	}
	assert.Equal(t, 0, m.Count())
}

func TestSelfExpirationSweeperRemovesExpiredSubscriptions(t *testing.T) {
	m := New(&recordingTransport{}, Options{SweepInterval: 10 * time.Millisecond})
	defer m.Shutdown(context.Background())

	sub, err := m.Subscribe("http://consumer/sink", nil, nil, time.Millisecond)
	require.NoError(t, err)
	_ = sub

	require.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 5*time.Millisecond)
}

type assertionError string

func (e assertionError) Error() string { return string(e) }
