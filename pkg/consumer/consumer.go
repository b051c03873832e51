// Package consumer wires the MDIB mirror, report processor, subscription
// client and WS-Discovery engine into one runnable SDC consumer process.
package consumer

import (
	"bytes"
	stdctx "context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Draegerwerk/sdc11073/internal/discovery"
	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/internal/mdib"
	"github.com/Draegerwerk/sdc11073/internal/metrics"
	"github.com/Draegerwerk/sdc11073/internal/model"
	"github.com/Draegerwerk/sdc11073/internal/namespace"
	"github.com/Draegerwerk/sdc11073/internal/report"
	"github.com/Draegerwerk/sdc11073/internal/soapenv"
	"github.com/Draegerwerk/sdc11073/internal/subscriptionclient"
	"github.com/Draegerwerk/sdc11073/pkg/factory"
)

// soapClient performs the wire-level request/response calls toward one
// provider endpoint, shared by the report processor's bootstrap fetch and
// the subscription client's Subscribe/Renew/Unsubscribe calls (§4.E, §4.G).
type soapClient struct {
	endpoint string
	http     *http.Client
}

func (c *soapClient) call(ctx stdctx.Context, action string, refParams []soapenv.RawElement, body any) (*soapenv.Envelope, error) {
	header := soapenv.NewRequestHeader(action, c.endpoint)
	header.ReferenceParams = refParams
	raw, err := soapenv.MarshalOutbound(&soapenv.OutboundEnvelope{Header: header, Body: body})
	if err != nil {
		return nil, fmt.Errorf("consumer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/soap+xml")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("consumer: %s: %w", action, err)
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("consumer: read response: %w", err)
	}
	return soapenv.Unmarshal(respBytes)
}

func subscriptionRefParam(id string) []soapenv.RawElement {
	return []soapenv.RawElement{{XMLName: xml.Name{Local: "SubscriptionId"}, Content: []byte(id)}}
}

// renewer implements subscriptionclient.Renewer over soapClient.
type renewer struct {
	client   *soapClient
	notifyTo string
}

type subscribeRequest struct {
	XMLName  xml.Name `xml:"Subscribe"`
	Filter   string   `xml:"Filter"`
	Delivery struct {
		NotifyTo string `xml:"NotifyTo>Address"`
	} `xml:"Delivery"`
	Expires string `xml:"Expires,omitempty"`
}

type subscribeResponse struct {
	Identifier string `xml:"SubscriptionManager>Address"`
	Expires    string `xml:"Expires"`
}

func (r *renewer) Subscribe(ctx stdctx.Context, filter []string) (string, time.Time, error) {
	req := subscribeRequest{Filter: joinActions(filter), Expires: "600s"}
	req.Delivery.NotifyTo = r.notifyTo
	env, err := r.client.call(ctx, namespace.ActionSubscribe, nil, req)
	if err != nil {
		return "", time.Time{}, err
	}
	var resp subscribeResponse
	if err := xml.Unmarshal(env.Body.Content, &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("consumer: decode SubscribeResponse: %w", err)
	}
	expires, err := time.ParseDuration(resp.Expires)
	if err != nil {
		expires = 10 * time.Minute
	}
	return resp.Identifier, time.Now().Add(expires), nil
}

func (r *renewer) Renew(ctx stdctx.Context, id string, requested time.Duration) (time.Time, error) {
	type renewRequest struct {
		XMLName xml.Name `xml:"Renew"`
		Expires string   `xml:"Expires,omitempty"`
	}
	env, err := r.client.call(ctx, namespace.ActionRenew, subscriptionRefParam(id), renewRequest{Expires: requested.String()})
	if err != nil {
		return time.Time{}, err
	}
	if env.Header.Action != "" && containsFault(env) {
		return time.Time{}, subscriptionclient.ErrUnknownSubscription
	}
	var resp struct {
		Expires string `xml:"Expires"`
	}
	if err := xml.Unmarshal(env.Body.Content, &resp); err != nil {
		return time.Time{}, fmt.Errorf("consumer: decode RenewResponse: %w", err)
	}
	expires, err := time.ParseDuration(resp.Expires)
	if err != nil {
		expires = requested
	}
	return time.Now().Add(expires), nil
}

func (r *renewer) Unsubscribe(ctx stdctx.Context, id string) error {
	_, err := r.client.call(ctx, namespace.ActionUnsubscribe, subscriptionRefParam(id), struct {
		XMLName xml.Name `xml:"Unsubscribe"`
	}{})
	return err
}

func containsFault(env *soapenv.Envelope) bool {
	return env.Body.XMLName.Local == "Fault"
}

func joinActions(actions []string) string {
	out := ""
	for i, a := range actions {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// OperationInvokedEvent is delivered to a Consumer's operation-invoked
// handler whenever the provider's OperationInvokedReport reports a
// lifecycle transition for an operation this consumer invoked (§6, S5).
type OperationInvokedEvent struct {
	TransactionID   uint64
	OperationHandle string
	OperationTarget string
	InvocationState model.InvocationState
	Error           model.InvocationError
	ErrorMessage    string
}

// Consumer is a fully wired SDC consumer process, mirroring exactly one
// provider's MDIB and receiving its reports.
type Consumer struct {
	cfg    *factory.Config
	mirror *mdib.Mdib
	proc   *report.Processor
	client *soapClient
	sub    *subscriptionclient.Subscription
	disc   *discovery.Engine
	reg    *metrics.Registry

	server *http.Server

	mu                 sync.Mutex
	started            bool
	onOperationInvoked func(OperationInvokedEvent)
}

// OnOperationInvoked registers fn to be called with every OperationInvokedReport
// notification delivered by the provider, in place of routing it through the
// MDIB report processor (it carries no MDIB version stamp to reorder against).
// Must be called before Start.
func (c *Consumer) OnOperationInvoked(fn func(OperationInvokedEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOperationInvoked = fn
}

// New constructs a Consumer from cfg. notifyListenAddr is the address this
// process listens on for the provider's delivered reports; it must be
// reachable from the provider.
func New(cfg *factory.Config, notifyListenAddr string) (*Consumer, error) {
	if cfg.Consumer == nil {
		return nil, fmt.Errorf("consumer: config has no consumer section")
	}

	mirror := mdib.New("")
	client := &soapClient{endpoint: cfg.Consumer.ProviderEndpoint, http: &http.Client{Timeout: 10 * time.Second}}
	reg := metrics.New()

	proc := report.New(mirror, func(ctx stdctx.Context) (mdib.Snapshot, error) {
		env, err := client.call(ctx, namespace.ActionGetMdib, nil, struct {
			XMLName xml.Name `xml:"GetMdib"`
		}{})
		if err != nil {
			return mdib.Snapshot{}, err
		}
		mdibVersion, sequenceID, instanceID, descriptors, states, err := soapenv.DecodeMdibBody(env.Body.Content)
		if err != nil {
			return mdib.Snapshot{}, fmt.Errorf("consumer: decode GetMdibResponse: %w", err)
		}
		snap := mdib.Snapshot{
			SequenceID: sequenceID, InstanceID: instanceID, MdibVersion: mdibVersion, Descriptors: descriptors,
		}
		for _, s := range states {
			if s.Kind.IsContext() {
				snap.ContextStates = append(snap.ContextStates, s)
			} else {
				snap.SingleStates = append(snap.SingleStates, s)
			}
		}
		return snap, nil
	}, report.Options{
		ReorderWindow:     time.Duration(cfg.Consumer.ReorderWindowMs) * time.Millisecond,
		ReorderBufferSize: cfg.Consumer.ReorderBufferSize,
		OnGapRecovery:     func(reason string) { reg.GapRecoveriesTotal.Inc() },
		OnStatsChanged:    func(s report.Stats) {},
	})

	disc, err := discovery.New(cfg.Discovery.AdapterName, cfg.Discovery.MatchBy)
	if err != nil {
		return nil, fmt.Errorf("consumer: create discovery engine: %w", err)
	}

	return &Consumer{cfg: cfg, mirror: mirror, proc: proc, client: client, disc: disc, reg: reg}, nil
}

// Mirror exposes the consumer's read-only MDIB mirror.
func (c *Consumer) Mirror() *mdib.Mdib         { return c.mirror }
func (c *Consumer) Metrics() *metrics.Registry { return c.reg }

// Start bootstraps the MDIB mirror, subscribes to the provider's report
// streams, and begins listening for delivered reports.
func (c *Consumer) Start(ctx stdctx.Context, notifyListenAddr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if err := c.proc.Bootstrap(ctx); err != nil {
		return fmt.Errorf("consumer: bootstrap mdib: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/notify", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := c.handleNotification(ctx, raw); err != nil {
			logger.ReportLog.WithError(err).Warn("failed to apply delivered report")
		}
		w.WriteHeader(http.StatusOK)
	})
	c.server = &http.Server{Addr: notifyListenAddr, Handler: mux}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.MainLog.WithError(err).Error("consumer notify server stopped")
		}
	}()

	sub, err := subscriptionclient.Start(ctx, &renewer{client: c.client, notifyTo: "http://" + notifyListenAddr + "/notify"}, subscriptionclient.Options{
		Filter: []string{
			namespace.ActionEpisodicMetricReport, namespace.ActionEpisodicAlertReport,
			namespace.ActionEpisodicComponentReport, namespace.ActionEpisodicOperationalReport,
			namespace.ActionEpisodicContextReport, namespace.ActionWaveform,
			namespace.ActionDescriptionModificationReport, namespace.ActionOperationInvokedReport,
			namespace.ActionSystemErrorReport,
		},
		RequestedDuration: time.Duration(c.cfg.Consumer.SubscriptionDurationSec) * time.Second,
		SafetyMargin:      time.Duration(c.cfg.Consumer.SafetyMarginSec) * time.Second,
		OnGap: func() {
			logger.SubscriptionClientLog.Warn("subscription recreated after UnknownSubscription fault")
		},
	})
	if err != nil {
		return fmt.Errorf("consumer: subscribe to provider: %w", err)
	}
	c.sub = sub

	c.disc.Start(ctx)

	c.started = true
	logger.MainLog.Info("sdc consumer started")
	return nil
}

func (c *Consumer) handleNotification(ctx stdctx.Context, raw []byte) error {
	env, err := soapenv.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("unmarshal notification: %w", err)
	}

	switch env.Header.Action {
	case namespace.ActionOperationInvokedReport:
		return c.handleOperationInvokedReport(env.Body.Content)
	case namespace.ActionSystemErrorReport:
		logger.ReportLog.WithField("body", string(env.Body.Content)).Warn("received SystemErrorReport")
		return nil
	}

	isWaveform := env.Header.Action == namespace.ActionWaveform
	isDescriptionReport := env.Header.Action == namespace.ActionDescriptionModificationReport

	var instanceID *uint64
	if env.Header.InstanceID != nil {
		v := *env.Header.InstanceID
		instanceID = &v
	}
	n := report.Notification{
		SequenceID: env.Header.SequenceID,
		InstanceID: instanceID,
		IsWaveform: isWaveform,
	}
	if env.Header.MdibVersion != nil {
		n.MdibVersion = *env.Header.MdibVersion
	}

	states, err := soapenv.DecodeStateElements(env.Body.Content)
	if err != nil {
		return fmt.Errorf("decode report body: %w", err)
	}

	cs := &model.ChangeSet{MdibVersion: n.MdibVersion, SequenceID: n.SequenceID, InstanceID: instanceID}
	switch {
	case isWaveform:
		cs.WaveformUpdates = states
	case isDescriptionReport:
		cs.DescriptorUpdates = &model.DescriptorChangeSet{States: states}
	case env.Header.Action == namespace.ActionEpisodicContextReport || env.Header.Action == namespace.ActionPeriodicContextReport:
		cs.ContextUpdates = states
	case env.Header.Action == namespace.ActionEpisodicAlertReport || env.Header.Action == namespace.ActionPeriodicAlertReport:
		cs.AlertUpdates = states
	case env.Header.Action == namespace.ActionEpisodicComponentReport || env.Header.Action == namespace.ActionPeriodicComponentReport:
		cs.ComponentUpdates = states
	case env.Header.Action == namespace.ActionEpisodicOperationalReport || env.Header.Action == namespace.ActionPeriodicOperationalReport:
		cs.OperationalUpdates = states
	default:
		cs.MetricUpdates = states
	}
	n.ChangeSet = cs

	c.reg.ReportsAppliedTotal.Inc()
	return c.proc.Handle(ctx, n)
}

func (c *Consumer) handleOperationInvokedReport(content []byte) error {
	var w struct {
		TransactionID      uint64 `xml:"TransactionId"`
		OperationHandleRef string `xml:"OperationHandleRef"`
		OperationTarget    string `xml:"OperationTarget"`
		InvocationState    string `xml:"InvocationState"`
		InvocationError    string `xml:"InvocationError"`
		InvocationErrorMsg string `xml:"InvocationErrorMessage"`
	}
	if err := xml.Unmarshal(content, &w); err != nil {
		return fmt.Errorf("consumer: decode OperationInvokedReport: %w", err)
	}

	c.mu.Lock()
	fn := c.onOperationInvoked
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	fn(OperationInvokedEvent{
		TransactionID:   w.TransactionID,
		OperationHandle: w.OperationHandleRef,
		OperationTarget: w.OperationTarget,
		InvocationState: model.InvocationState(w.InvocationState),
		Error:           model.InvocationError(w.InvocationError),
		ErrorMessage:    w.InvocationErrorMsg,
	})
	return nil
}

// Stop unsubscribes and shuts down the notify listener.
func (c *Consumer) Stop(ctx stdctx.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}

	if c.sub != nil {
		_ = c.sub.Stop(ctx)
	}
	c.disc.Shutdown(ctx, 2*time.Second)
	if c.server != nil {
		_ = c.server.Shutdown(ctx)
	}

	c.started = false
	logger.MainLog.Info("sdc consumer stopped")
	return nil
}
