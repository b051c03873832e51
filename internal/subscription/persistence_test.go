package subscription

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Draegerwerk/sdc11073/internal/namespace"
)

func TestStorePutLoadDeleteRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	sub := &Subscription{
		ID:         "sub-1",
		Endpoint:   "http://consumer/sink",
		Filter:     []string{namespace.ActionEpisodicMetricReport},
		Expiration: time.Now().Add(time.Minute).Truncate(time.Second),
	}
	require.NoError(t, store.Put(sub))

	records, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, sub.ID, records[0].ID)
	require.Equal(t, sub.Endpoint, records[0].Endpoint)
	require.Equal(t, sub.Filter, records[0].Filter)

	require.NoError(t, store.Delete(sub.ID))
	records, err = store.LoadAll()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestManagerRestoresPersistedSubscriptionsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.db")
	store, err := OpenStore(path)
	require.NoError(t, err)

	m := New(&recordingTransport{}, Options{SweepInterval: time.Hour, Store: store})
	sub, err := m.Subscribe("http://consumer/sink", []string{namespace.ActionEpisodicMetricReport}, nil, time.Hour)
	require.NoError(t, err)
	m.Shutdown(context.Background())
	require.NoError(t, store.Close())

	reopened, err := OpenStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	restored := New(&recordingTransport{}, Options{SweepInterval: time.Hour, Store: reopened})
	defer restored.Shutdown(context.Background())

	require.Equal(t, 1, restored.Count())
	_, err = restored.GetStatus(sub.ID)
	require.NoError(t, err)
}

func TestManagerDropsExpiredPersistedSubscriptionsOnRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(&Subscription{
		ID:         "expired",
		Endpoint:   "http://consumer/sink",
		Expiration: time.Now().Add(-time.Minute),
	}))

	m := New(&recordingTransport{}, Options{SweepInterval: time.Hour, Store: store})
	defer m.Shutdown(context.Background())

	require.Equal(t, 0, m.Count(), "an already-expired persisted subscription must not be restored")
	records, err := store.LoadAll()
	require.NoError(t, err)
	require.Empty(t, records, "restore must also clean up the now-stale row")
}
