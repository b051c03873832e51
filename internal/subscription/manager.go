// Package subscription implements the provider-side subscription manager
// (§4.F): WS-Eventing Subscribe/Renew/Unsubscribe/GetStatus bookkeeping and
// ordered fan-out of committed change-sets to each matching delivery
// endpoint.
package subscription

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/internal/model"
	"github.com/Draegerwerk/sdc11073/internal/namespace"
	"github.com/Draegerwerk/sdc11073/internal/soapenv"
)

// Transport delivers one notification envelope to endpoint. Implementations
// must classify delivery failures via DeliveryError so the manager can
// apply the right policy (§4.F "Delivery failure policy").
type Transport interface {
	Post(ctx context.Context, endpoint string, body []byte) error
}

// DeliveryError distinguishes transient transport failures from
// authoritative end-of-subscription failures.
type DeliveryError struct {
	Authoritative bool
	Err           error
}

func (e *DeliveryError) Error() string { return e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrUnknownSubscription is returned by Renew/Unsubscribe/GetStatus for an
// id the manager has no record of, e.g. because it already expired. The
// dispatcher maps this to a WS-Eventing UnknownSubscription fault.
var ErrUnknownSubscription = errors.New("subscription: unknown subscription")

// report is one action-tagged payload queued for delivery to a single
// subscription.
type report struct {
	action     string
	isWaveform bool
	envelope   []byte
}

type entry struct {
	sub    *Subscription
	queue  chan report
	cancel context.CancelFunc
	failed bool
}

// Subscription is the bookkeeping record for one WS-Eventing subscriber
// (§3.3).
type Subscription struct {
	ID                  string
	Endpoint            string
	ReferenceParams     []soapenv.RawElement
	Filter              []string
	Expiration          time.Time
	NotificationCounter uint64
}

func (s *Subscription) matches(action string) bool {
	for _, f := range s.Filter {
		if f == action {
			return true
		}
	}
	return false
}

// Options configures a Manager.
type Options struct {
	MaxSubscriptionDuration time.Duration
	QueueSize               int
	SweepInterval           time.Duration
	OnSubscriptionRemoved   func(id, reason string)

	// Store, if non-nil, makes the manager durable: every Subscribe/Renew
	// persists the row and New restores whatever survived the last
	// process lifetime (minus anything already expired by wall clock).
	Store *Store
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxSubscriptionDuration <= 0 {
		out.MaxSubscriptionDuration = 1 * time.Hour
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 64
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 5 * time.Second
	}
	return out
}

// Manager owns the subscription table and the per-subscription delivery
// queues. A background sweeper removes expired subscriptions (§4.F
// "Self-expiration").
type Manager struct {
	transport Transport
	opts      Options

	mu      sync.RWMutex
	entries map[string]*entry

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a Manager that delivers through transport and starts its
// expiration sweeper. If opts.Store is set, any subscriptions that
// survived the last process lifetime are restored before the sweeper
// starts, each on its own deliverLoop exactly as if Subscribe had just
// been called for it.
func New(transport Transport, opts Options) *Manager {
	m := &Manager{
		transport: transport,
		opts:      opts.withDefaults(),
		entries:   make(map[string]*entry),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	m.restore()
	go m.sweepLoop()
	return m
}

func (m *Manager) restore() {
	if m.opts.Store == nil {
		return
	}
	records, err := m.opts.Store.LoadAll()
	if err != nil {
		logger.SubscriptionLog.WithError(err).Error("failed to load persisted subscriptions")
		return
	}
	now := time.Now()
	for _, rec := range records {
		sub := rec.toSubscription()
		if now.After(sub.Expiration) {
			_ = m.opts.Store.Delete(sub.ID)
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		e := &entry{sub: sub, queue: make(chan report, m.opts.QueueSize), cancel: cancel}
		m.entries[sub.ID] = e
		go m.deliverLoop(ctx, e)
	}
	if len(records) > 0 {
		logger.SubscriptionLog.WithField("restored", len(m.entries)).Info("restored persisted subscriptions")
	}
}

// Subscribe registers a new subscription (§4.F). The granted expiration is
// requestedExpires clamped to MaxSubscriptionDuration.
func (m *Manager) Subscribe(endpoint string, filter []string, refParams []soapenv.RawElement, requestedExpires time.Duration) (*Subscription, error) {
	if endpoint == "" {
		return nil, errors.New("subscription: empty delivery endpoint")
	}
	granted := requestedExpires
	if granted <= 0 || granted > m.opts.MaxSubscriptionDuration {
		granted = m.opts.MaxSubscriptionDuration
	}

	sub := &Subscription{
		ID:              uuid.NewString(),
		Endpoint:        endpoint,
		ReferenceParams: refParams,
		Filter:          append([]string(nil), filter...),
		Expiration:      time.Now().Add(granted),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{sub: sub, queue: make(chan report, m.opts.QueueSize), cancel: cancel}

	m.mu.Lock()
	m.entries[sub.ID] = e
	m.mu.Unlock()

	go m.deliverLoop(ctx, e)
	if m.opts.Store != nil {
		if err := m.opts.Store.Put(sub); err != nil {
			logger.SubscriptionLog.WithError(err).Error("failed to persist new subscription")
		}
	}
	logger.SubscriptionLog.WithField("subscription_id", sub.ID).WithField("filter", filter).Info("subscription created")
	return sub, nil
}

// Renew extends subscription id's expiration, clamped the same way
// Subscribe is. Testable property 8: issuing the same Renew twice in a row
// yields the same granted expiration within clock resolution, because the
// clamp is deterministic given the same requested value and cap.
func (m *Manager) Renew(id string, requestedExpires time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return time.Time{}, ErrUnknownSubscription
	}
	granted := requestedExpires
	if granted <= 0 || granted > m.opts.MaxSubscriptionDuration {
		granted = m.opts.MaxSubscriptionDuration
	}
	e.sub.Expiration = time.Now().Add(granted)
	if m.opts.Store != nil {
		if err := m.opts.Store.Put(e.sub); err != nil {
			logger.SubscriptionLog.WithError(err).Error("failed to persist renewed subscription")
		}
	}
	return e.sub.Expiration, nil
}

// Unsubscribe removes subscription id immediately, no SubscriptionEnd is
// sent (that is reserved for provider-initiated removal).
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, id)
	}
	e.cancel()
	if m.opts.Store != nil {
		if err := m.opts.Store.Delete(id); err != nil {
			logger.SubscriptionLog.WithError(err).Error("failed to delete persisted subscription")
		}
	}
	logger.SubscriptionLog.WithField("subscription_id", id).Info("subscription removed by consumer")
	return nil
}

// GetStatus returns the remaining lifetime of subscription id.
func (m *Manager) GetStatus(id string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSubscription, id)
	}
	return time.Until(e.sub.Expiration), nil
}

// Count returns the number of live subscriptions (ambient: exercised by
// internal/metrics' subscription gauge).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// NotifyChangeSet fans a committed change-set out to every subscription
// whose filter matches one of its actions (§4.F fan-out algorithm). Each
// non-empty bucket of cs becomes its own report with its own action.
func (m *Manager) NotifyChangeSet(cs *model.ChangeSet) {
	for _, b := range bucketsOf(cs) {
		if len(b.states) == 0 && b.descriptors == nil {
			continue
		}
		m.notifyBucket(cs, b)
	}
}

// NotifyRaw fans body out to every subscription matching action, for
// notifications that do not originate from a ChangeSet
// (OperationInvokedReport, SystemErrorReport). Each subscriber gets its own
// envelope so its reference parameters are echoed correctly.
func (m *Manager) NotifyRaw(action string, body any) {
	m.mu.RLock()
	var targets []*entry
	for _, e := range m.entries {
		if e.sub.matches(action) {
			targets = append(targets, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range targets {
		header := soapenv.Header{Action: action, MessageID: "urn:uuid:" + uuid.NewString(), ReferenceParams: e.sub.ReferenceParams}
		envelope, err := soapenv.MarshalOutbound(&soapenv.OutboundEnvelope{Header: header, Body: body})
		if err != nil {
			logger.SubscriptionLog.WithError(err).Error("failed to build raw notification envelope")
			continue
		}
		m.enqueue(e, report{action: action, envelope: envelope})
	}
}

type bucket struct {
	action      string
	states      []model.State
	descriptors *model.DescriptorChangeSet
	isWaveform  bool
}

func bucketsOf(cs *model.ChangeSet) []bucket {
	buckets := []bucket{
		{action: namespace.ActionEpisodicMetricReport, states: cs.MetricUpdates},
		{action: namespace.ActionEpisodicAlertReport, states: cs.AlertUpdates},
		{action: namespace.ActionEpisodicComponentReport, states: cs.ComponentUpdates},
		{action: namespace.ActionEpisodicOperationalReport, states: cs.OperationalUpdates},
		{action: namespace.ActionEpisodicContextReport, states: cs.ContextUpdates},
		{action: namespace.ActionWaveform, states: cs.WaveformUpdates, isWaveform: true},
	}
	if cs.DescriptorUpdates != nil {
		buckets = append(buckets, bucket{action: namespace.ActionDescriptionModificationReport, descriptors: cs.DescriptorUpdates})
	}
	return buckets
}

func (m *Manager) notifyBucket(cs *model.ChangeSet, b bucket) {
	m.mu.RLock()
	var targets []*entry
	for _, e := range m.entries {
		if e.sub.matches(b.action) {
			targets = append(targets, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range targets {
		envelope, err := m.buildEnvelope(cs, b, e.sub.ReferenceParams)
		if err != nil {
			logger.SubscriptionLog.WithError(err).Error("failed to build report envelope")
			continue
		}
		m.enqueue(e, report{action: b.action, isWaveform: b.isWaveform, envelope: envelope})
	}
}

func (m *Manager) buildEnvelope(cs *model.ChangeSet, b bucket, refParams []soapenv.RawElement) ([]byte, error) {
	header := soapenv.Header{Action: b.action, MessageID: "urn:uuid:" + uuid.NewString(), ReferenceParams: refParams}
	header.MdibVersion = &cs.MdibVersion
	header.SequenceID = cs.SequenceID
	header.InstanceID = cs.InstanceID

	var body any
	var err error
	if b.descriptors != nil {
		body, err = soapenv.NewDescriptorReportBody(xml.Name{Space: namespace.NSMSG, Local: "DescriptionModificationReport"}, cs.MdibVersion, cs.SequenceID, cs.InstanceID, b.descriptors)
	} else {
		body, err = soapenv.NewStateReportBody(xml.Name{Space: namespace.NSMSG, Local: reportLocalName(b.action)}, cs.MdibVersion, cs.SequenceID, cs.InstanceID, b.states)
	}
	if err != nil {
		return nil, err
	}

	return soapenv.MarshalOutbound(&soapenv.OutboundEnvelope{Header: header, Body: body})
}

func reportLocalName(action string) string {
	for i := len(action) - 1; i >= 0; i-- {
		if action[i] == '/' {
			return action[i+1:]
		}
	}
	return action
}

func (m *Manager) enqueue(e *entry, r report) {
	select {
	case e.queue <- r:
		return
	default:
	}
	if r.isWaveform {
		// drop the oldest waveform notification to make room, §4.F
		// "on overflow drop the oldest waveform notifications first".
		select {
		case <-e.queue:
			select {
			case e.queue <- r:
				return
			default:
			}
		default:
		}
	}
	logger.SubscriptionLog.WithField("subscription_id", e.sub.ID).Warn("delivery queue overflow, terminating subscription")
	m.terminate(e, namespace.SubscriptionEndReasonDeliveryFailure)
}

// deliverLoop is the single-lane FIFO that preserves per-subscriber order
// (§4.F step 3, §5 "per subscription delivery endpoint, HTTP POSTs are
// sent in emission order").
func (m *Manager) deliverLoop(ctx context.Context, e *entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-e.queue:
			if !ok {
				return
			}
			err := m.transport.Post(ctx, e.sub.Endpoint, r.envelope)
			if err == nil {
				m.mu.Lock()
				e.sub.NotificationCounter++
				m.mu.Unlock()
				continue
			}
			m.handleDeliveryError(e, err)
			return
		}
	}
}

func (m *Manager) handleDeliveryError(e *entry, err error) {
	var de *DeliveryError
	if errors.As(err, &de) && de.Authoritative {
		logger.SubscriptionLog.WithField("subscription_id", e.sub.ID).Warn("authoritative delivery failure, deleting subscription")
		m.remove(e.sub.ID, "authoritative_delivery_failure")
		return
	}
	logger.SubscriptionLog.WithField("subscription_id", e.sub.ID).WithError(err).Warn("transient delivery failure, subscription marked failed")
	m.mu.Lock()
	e.failed = true
	m.mu.Unlock()
}

func (m *Manager) terminate(e *entry, reason string) {
	m.remove(e.sub.ID, reason)
}

func (m *Manager) remove(id, reason string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	if m.opts.Store != nil {
		if err := m.opts.Store.Delete(id); err != nil {
			logger.SubscriptionLog.WithError(err).Error("failed to delete persisted subscription")
		}
	}
	if m.opts.OnSubscriptionRemoved != nil {
		m.opts.OnSubscriptionRemoved(id, reason)
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	var expired []string
	m.mu.RLock()
	for id, e := range m.entries {
		if now.After(e.sub.Expiration) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range expired {
		m.remove(id, "expired")
	}
}

// Shutdown emits SubscriptionEnd with reason SourceShuttingDown to every
// live subscription and stops the sweeper (§4.F).
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopSweep)
	<-m.sweepDone

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		m.sendSubscriptionEnd(ctx, e, namespace.SubscriptionEndReasonSourceShuttingDown)
		e.cancel()
	}
}

func (m *Manager) sendSubscriptionEnd(ctx context.Context, e *entry, reason string) {
	header := soapenv.Header{Action: namespace.ActionSubscriptionEnd, MessageID: "urn:uuid:" + uuid.NewString(), ReferenceParams: e.sub.ReferenceParams}
	body := struct {
		XMLName xml.Name `xml:"http://schemas.xmlsoap.org/ws/2004/08/eventing SubscriptionEnd"`
		Reason  string   `xml:"Status"`
	}{Reason: reason}
	env, err := soapenv.MarshalOutbound(&soapenv.OutboundEnvelope{Header: header, Body: body})
	if err != nil {
		logger.SubscriptionLog.WithError(err).Error("failed to build SubscriptionEnd")
		return
	}
	if err := m.transport.Post(ctx, e.sub.Endpoint, env); err != nil {
		logger.SubscriptionLog.WithField("subscription_id", e.sub.ID).WithError(err).Debug("SubscriptionEnd delivery failed, ignoring")
	}
}
