package consumer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Draegerwerk/sdc11073/internal/model"
	"github.com/Draegerwerk/sdc11073/pkg/consumer"
	"github.com/Draegerwerk/sdc11073/pkg/factory"
	"github.com/Draegerwerk/sdc11073/pkg/provider"
)

func providerConfig(listenAddr string) *factory.Config {
	return &factory.Config{
		Discovery: factory.DiscoverySection{AdapterName: "lo", MatchBy: "ldap"},
		Provider: &factory.ProviderSection{
			EPRUUID:                    "5f6a1b2c-1111-4000-8000-0123456789ab",
			ListenAddr:                 listenAddr,
			WaveformIntervalMs:         50,
			MaxSubscriptionDurationSec: 600,
			SubscriptionQueueSize:      16,
			OperationFastPath:          true,
		},
	}
}

func consumerConfig(providerEndpoint string) *factory.Config {
	return &factory.Config{
		Discovery: factory.DiscoverySection{AdapterName: "lo", MatchBy: "ldap"},
		Consumer: &factory.ConsumerSection{
			ProviderEPRUUID:         "5f6a1b2c-1111-4000-8000-0123456789ab",
			ProviderEndpoint:        providerEndpoint,
			SubscriptionDurationSec: 600,
			SafetyMarginSec:         60,
			ReorderWindowMs:         20,
			ReorderBufferSize:       8,
		},
	}
}

// TestConsumerBootstrapsAndReceivesEpisodicMetricReport is an end-to-end
// pass over discovery-free bootstrap (GetMdib), subscription establishment,
// and delivered-report application: a real provider and a real consumer
// talk over loopback HTTP, the provider commits a metric update outside any
// operation invocation, and the consumer's mirror is expected to observe it
// once the notification round trips.
func TestConsumerBootstrapsAndReceivesEpisodicMetricReport(t *testing.T) {
	providerAddr := "127.0.0.1:19610"
	notifyAddr := "127.0.0.1:19611"

	p, err := provider.New(providerConfig(providerAddr), "seq-e2e")
	require.NoError(t, err)

	tx := p.Transactions().Begin()
	require.NoError(t, tx.CreateDescriptor(model.Descriptor{Handle: "mds1", Kind: model.KindMds},
		&model.State{Handle: "mds1", DescriptorHandle: "mds1", Kind: model.KindMds}))
	require.NoError(t, tx.CreateDescriptor(model.Descriptor{Handle: "metric1", ParentHandle: "mds1", Kind: model.KindNumericMetric},
		&model.State{Handle: "metric1", DescriptorHandle: "metric1", Kind: model.KindNumericMetric, Metric: &model.MetricState{}}))
	_, err = tx.Commit()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	c, err := consumer.New(consumerConfig("http://"+providerAddr+"/"), notifyAddr)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, notifyAddr))
	defer c.Stop(ctx)

	require.Equal(t, "seq-e2e", c.Mirror().SequenceID())

	updateTx := p.Transactions().Begin()
	s, err := updateTx.GetState("metric1")
	require.NoError(t, err)
	s.Metric.Value.Numeric = 99
	cs, err := updateTx.Commit()
	require.NoError(t, err)
	require.NotNil(t, cs)

	require.Eventually(t, func() bool {
		mirrored := c.Mirror().GetState("metric1")
		return mirrored != nil && mirrored.Metric != nil && mirrored.Metric.Value.Numeric == 99
	}, 3*time.Second, 20*time.Millisecond, "consumer mirror did not observe the provider's committed metric update")
}
