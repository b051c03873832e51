package subscriptionclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRenewer struct {
	mu          sync.Mutex
	subscribes  int
	renews      int
	nextIsUnknown bool
	ids         []string
}

func (f *fakeRenewer) Subscribe(ctx context.Context, filter []string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	id := "sub-" + string(rune('a'+f.subscribes))
	f.ids = append(f.ids, id)
	return id, time.Now().Add(50 * time.Millisecond), nil
}

func (f *fakeRenewer) Renew(ctx context.Context, id string, requested time.Duration) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	if f.nextIsUnknown {
		f.nextIsUnknown = false
		return time.Time{}, ErrUnknownSubscription
	}
	return time.Now().Add(50 * time.Millisecond), nil
}

func (f *fakeRenewer) Unsubscribe(ctx context.Context, id string) error {
	return nil
}

func TestSubscriptionAutoRenews(t *testing.T) {
	renewer := &fakeRenewer{}
	sub, err := Start(context.Background(), renewer, Options{RequestedDuration: 30 * time.Millisecond, SafetyMargin: 20 * time.Millisecond})
	require.NoError(t, err)
	defer sub.Stop(context.Background())

	require.Eventually(t, func() bool {
		renewer.mu.Lock()
		defer renewer.mu.Unlock()
		return renewer.renews >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownSubscriptionRecreatesAndReportsGap(t *testing.T) {
	renewer := &fakeRenewer{nextIsUnknown: true}
	gapCount := 0
	var mu sync.Mutex
	sub, err := Start(context.Background(), renewer, Options{
		RequestedDuration: 20 * time.Millisecond, SafetyMargin: 15 * time.Millisecond,
		OnGap: func() { mu.Lock(); gapCount++; mu.Unlock() },
	})
	require.NoError(t, err)
	defer sub.Stop(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gapCount == 1
	}, time.Second, 5*time.Millisecond)

	renewer.mu.Lock()
	subscribes := renewer.subscribes
	renewer.mu.Unlock()
	assert.Equal(t, 2, subscribes, "recovering from an unknown subscription must recreate it")
}

func TestStopUnsubscribesAndStopsLoop(t *testing.T) {
	renewer := &fakeRenewer{}
	sub, err := Start(context.Background(), renewer, Options{RequestedDuration: time.Hour})
	require.NoError(t, err)

	require.NoError(t, sub.Stop(context.Background()))
}
