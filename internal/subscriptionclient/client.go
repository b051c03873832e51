// Package subscriptionclient implements the consumer-side subscription
// lifecycle (§4.G): one or more WS-Eventing subscriptions per provider,
// auto-renewed ahead of expiration, with fresh-subscription recovery when a
// renew is rejected as unknown.
package subscriptionclient

import (
	"context"
	"errors"
	"time"

	"github.com/Draegerwerk/sdc11073/internal/logger"
)

// ErrUnknownSubscription is returned by Renewer.Renew when the provider's
// SOAP fault indicates the subscription no longer exists there.
var ErrUnknownSubscription = errors.New("subscriptionclient: unknown subscription")

// Renewer performs the wire-level WS-Eventing calls. Implementations sit on
// top of the dispatcher's SOAP client; this package stays transport-free.
type Renewer interface {
	Subscribe(ctx context.Context, filter []string) (id string, expiration time.Time, err error)
	Renew(ctx context.Context, id string, requested time.Duration) (time.Time, error)
	Unsubscribe(ctx context.Context, id string) error
}

// Options configures one managed subscription.
type Options struct {
	Filter []string
	// RequestedDuration is the expiration the client asks for on Renew; the
	// provider may clamp it. Renewer.Subscribe takes no duration, so it does
	// not apply to the initial Subscribe.
	RequestedDuration time.Duration
	// SafetyMargin is how far ahead of the granted expiration the client
	// schedules the next renew (§4.G "expires - safety_margin").
	SafetyMargin time.Duration
	// OnGap is invoked when the subscription had to be recreated from
	// scratch, so the report processor can be told to gap-recover.
	OnGap func()
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.RequestedDuration <= 0 {
		out.RequestedDuration = 10 * time.Minute
	}
	if out.SafetyMargin <= 0 {
		out.SafetyMargin = out.RequestedDuration / 10
	}
	return out
}

// Subscription manages one auto-renewing WS-Eventing subscription.
type Subscription struct {
	renewer Renewer
	opts    Options

	cancel context.CancelFunc
	done   chan struct{}

	id string
}

// Start subscribes and begins the auto-renew loop, returning once the
// initial subscription succeeds.
func Start(ctx context.Context, renewer Renewer, opts Options) (*Subscription, error) {
	opts = opts.withDefaults()
	id, expiration, err := renewer.Subscribe(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{renewer: renewer, opts: opts, cancel: cancel, done: make(chan struct{}), id: id}
	go s.renewLoop(loopCtx, expiration)
	logger.SubscriptionClientLog.WithField("subscription_id", id).Info("subscription established")
	return s, nil
}

// ID returns the current subscription id (it changes across a
// recreate-on-unknown recovery).
func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) renewLoop(ctx context.Context, expiration time.Time) {
	defer close(s.done)
	for {
		wait := time.Until(expiration) - s.opts.SafetyMargin
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		newExpiration, err := s.renewer.Renew(ctx, s.id, s.opts.RequestedDuration)
		if err == nil {
			expiration = newExpiration
			continue
		}

		if errors.Is(err, ErrUnknownSubscription) {
			logger.SubscriptionClientLog.WithField("subscription_id", s.id).Warn("provider forgot subscription, recreating")
			id, newExp, subErr := s.renewer.Subscribe(ctx, s.opts.Filter)
			if subErr != nil {
				logger.SubscriptionClientLog.WithError(subErr).Error("failed to recreate subscription, retrying next cycle")
				continue
			}
			s.id = id
			expiration = newExp
			if s.opts.OnGap != nil {
				s.opts.OnGap()
			}
			continue
		}

		logger.SubscriptionClientLog.WithError(err).Warn("renew failed, retrying next cycle")
		expiration = time.Now().Add(s.opts.SafetyMargin)
	}
}

// Stop unsubscribes and stops the renew loop.
func (s *Subscription) Stop(ctx context.Context) error {
	s.cancel()
	<-s.done
	return s.renewer.Unsubscribe(ctx, s.id)
}
