// Package provider wires the MDIB store, transaction manager, subscription
// manager, WS-Discovery engine, dispatcher and role glue into one runnable
// SDC provider process: component construction in dependency order behind
// a mutex-guarded Start/Stop lifecycle.
package provider

import (
	"bytes"
	stdctx "context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Draegerwerk/sdc11073/internal/discovery"
	"github.com/Draegerwerk/sdc11073/internal/dispatch"
	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/internal/mdib"
	"github.com/Draegerwerk/sdc11073/internal/metrics"
	"github.com/Draegerwerk/sdc11073/internal/model"
	"github.com/Draegerwerk/sdc11073/internal/namespace"
	"github.com/Draegerwerk/sdc11073/internal/roles"
	"github.com/Draegerwerk/sdc11073/internal/soapenv"
	"github.com/Draegerwerk/sdc11073/internal/subscription"
	"github.com/Draegerwerk/sdc11073/internal/transaction"
	"github.com/Draegerwerk/sdc11073/pkg/factory"
)

// httpTransport posts notification envelopes over plain HTTP, the delivery
// mechanism WS-Eventing subscribers register a URL for.
type httpTransport struct {
	client *http.Client
}

func (t *httpTransport) Post(ctx stdctx.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytesReader(body))
	if err != nil {
		return fmt.Errorf("provider: build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/soap+xml")
	resp, err := t.client.Do(req)
	if err != nil {
		return &subscription.DeliveryError{Authoritative: false, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return &subscription.DeliveryError{Authoritative: true, Err: fmt.Errorf("delivery endpoint reported %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return &subscription.DeliveryError{Authoritative: false, Err: fmt.Errorf("delivery endpoint returned %d", resp.StatusCode)}
	}
	return nil
}

// Provider is a fully wired SDC provider process.
type Provider struct {
	cfg    *factory.Config
	store    *mdib.Mdib
	txMgr    *transaction.Manager
	subMgr   *subscription.Manager
	subStore *subscription.Store
	roles    *roles.Provider
	disc     *discovery.Engine
	disp     *dispatch.Dispatcher
	reg      *metrics.Registry

	server        *http.Server
	metricsServer *http.Server

	mu      sync.Mutex
	started bool
}

// New constructs a Provider from cfg and an initial (possibly empty) MDIB
// snapshot. Callers populate the initial tree with a transaction before or
// after New returns; New itself performs no mutation.
func New(cfg *factory.Config, sequenceID string) (*Provider, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider: config has no provider section")
	}

	store := mdib.New(sequenceID)
	txMgr := transaction.New(store)

	reg := metrics.New()

	var subStore *subscription.Store
	if cfg.Provider.PersistencePath != "" {
		var err error
		subStore, err = subscription.OpenStore(cfg.Provider.PersistencePath)
		if err != nil {
			return nil, fmt.Errorf("provider: open subscription persistence: %w", err)
		}
	}

	subMgr := subscription.New(&httpTransport{client: &http.Client{Timeout: 10 * time.Second}}, subscription.Options{
		MaxSubscriptionDuration: time.Duration(cfg.Provider.MaxSubscriptionDurationSec) * time.Second,
		QueueSize:               cfg.Provider.SubscriptionQueueSize,
		Store:                   subStore,
		OnSubscriptionRemoved: func(id, reason string) {
			logger.MainLog.WithField("subscription_id", id).WithField("reason", reason).Info("subscription removed")
		},
	})

	roleProvider := roles.New(store, txMgr, roles.Options{
		WaveformInterval: time.Duration(cfg.Provider.WaveformIntervalMs) * time.Millisecond,
		AlertInterval:    time.Duration(cfg.Provider.AlertIntervalMs) * time.Millisecond,
		OnChangeSet:      subMgr.NotifyChangeSet,
	})

	disc, err := discovery.New(cfg.Discovery.AdapterName, cfg.Discovery.MatchBy)
	if err != nil {
		return nil, fmt.Errorf("provider: create discovery engine: %w", err)
	}

	p := &Provider{cfg: cfg, store: store, txMgr: txMgr, subMgr: subMgr, subStore: subStore, roles: roleProvider, disc: disc, reg: reg}
	p.disp = dispatch.New(true)
	p.registerHandlers()
	return p, nil
}

// Store exposes the MDIB so callers can seed descriptors/states via
// txMgr.Begin() before Start, or register role handlers against it.
func (p *Provider) Store() *mdib.Mdib                   { return p.store }
func (p *Provider) Transactions() *transaction.Manager   { return p.txMgr }
func (p *Provider) Roles() *roles.Provider               { return p.roles }
func (p *Provider) Metrics() *metrics.Registry           { return p.reg }

func (p *Provider) registerHandlers() {
	p.disp.Register(namespace.ActionGetMdib, p.handleGetMdib)
	p.disp.Register(namespace.ActionGetMdDescription, p.handleGetMdDescription)
	p.disp.Register(namespace.ActionGetMdState, p.handleGetMdState)
	p.disp.Register(namespace.ActionGetContainmentTree, p.handleGetContainmentTree)
	p.disp.Register(namespace.ActionSubscribe, p.handleSubscribe)
	p.disp.Register(namespace.ActionRenew, p.handleRenew)
	p.disp.Register(namespace.ActionUnsubscribe, p.handleUnsubscribe)
	p.disp.Register(namespace.ActionGetStatus, p.handleGetStatus)
	p.disp.Register(namespace.ActionSetValue, p.handleSetValue)
	p.disp.Register(namespace.ActionSetString, p.handleSetString)
	p.disp.Register(namespace.ActionActivate, p.handleActivate)
	p.disp.Register(namespace.ActionSetContextState, p.handleSetContextState)
	p.disp.Register(namespace.ActionSetMetricState, p.handleSetMetricState)
}

func (p *Provider) handleGetMdib(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	snap := p.store.Snapshot()
	body, err := soapenv.NewMdibBody(xml.Name{Local: "GetMdibResponse"}, snap.MdibVersion, snap.SequenceID, snap.InstanceID,
		snap.Descriptors, snap.SingleStates, snap.ContextStates)
	if err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeReceiver, "", err.Error()), nil
	}
	return body, nil, nil
}

func (p *Provider) handleGetMdDescription(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	body, err := soapenv.NewMdDescriptionBody(xml.Name{Local: "GetMdDescriptionResponse"}, p.store.MdibVersion(), p.store.SequenceID(), p.store.MdDescription())
	if err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeReceiver, "", err.Error()), nil
	}
	return body, nil, nil
}

func (p *Provider) handleGetMdState(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	body, err := soapenv.NewMdStateBody(xml.Name{Local: "GetMdStateResponse"}, p.store.MdibVersion(), p.store.SequenceID(), p.store.MdState())
	if err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeReceiver, "", err.Error()), nil
	}
	return body, nil, nil
}

type containmentTreeEntry struct {
	Handle string                  `xml:"Handle,attr"`
	Kind   string                  `xml:"Kind,attr"`
	CodeID string                  `xml:"CodeId,attr,omitempty"`
	Entry  []containmentTreeEntry  `xml:"Entry,omitempty"`
}

type getContainmentTreeResponseBody struct {
	XMLName xml.Name                `xml:"GetContainmentTreeResponse"`
	Entry   []containmentTreeEntry `xml:"Entry"`
}

func wireContainmentTree(nodes []mdib.ContainmentTreeNode) []containmentTreeEntry {
	out := make([]containmentTreeEntry, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, containmentTreeEntry{
			Handle: n.Handle, Kind: string(n.Kind), CodeID: n.CodeID,
			Entry: wireContainmentTree(n.Children),
		})
	}
	return out
}

func (p *Provider) handleGetContainmentTree(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	return getContainmentTreeResponseBody{Entry: wireContainmentTree(p.store.ContainmentTree())}, nil, nil
}

type subscribeRequestBody struct {
	XMLName  xml.Name `xml:"Subscribe"`
	Filter   string   `xml:"Filter"`
	Delivery struct {
		NotifyTo string `xml:"NotifyTo>Address"`
	} `xml:"Delivery"`
	Expires string `xml:"Expires,omitempty"`
}

type subscribeResponseBody struct {
	XMLName    xml.Name `xml:"SubscribeResponse"`
	Identifier string   `xml:"SubscriptionManager>Address"`
	Expires    string   `xml:"Expires"`
}

func (p *Provider) handleSubscribe(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	var body subscribeRequestBody
	if err := xml.Unmarshal(req.Body.Content, &body); err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeInvalidMessage, err.Error()), nil
	}
	requested := p.cfg.Provider.MaxSubscriptionDurationSec
	if d, err := time.ParseDuration(body.Expires); err == nil {
		requested = int(d.Seconds())
	}
	sub, err := p.subMgr.Subscribe(body.Delivery.NotifyTo, splitFilter(body.Filter), req.Header.ReferenceParams, time.Duration(requested)*time.Second)
	if err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeDeliveryModeUnavail, err.Error()), nil
	}
	return subscribeResponseBody{Identifier: sub.ID, Expires: time.Until(sub.Expiration).String()}, nil, nil
}

type renewRequestBody struct {
	XMLName xml.Name `xml:"Renew"`
	Expires string   `xml:"Expires,omitempty"`
}

type renewResponseBody struct {
	XMLName xml.Name `xml:"RenewResponse"`
	Expires string   `xml:"Expires"`
}

func (p *Provider) handleRenew(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	id := subscriptionIDFromReferenceParams(req.Header.ReferenceParams)
	var body renewRequestBody
	_ = xml.Unmarshal(req.Body.Content, &body)
	requested := p.cfg.Provider.MaxSubscriptionDurationSec
	if d, err := time.ParseDuration(body.Expires); err == nil {
		requested = int(d.Seconds())
	}
	expiration, err := p.subMgr.Renew(id, time.Duration(requested)*time.Second)
	if err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeUnknownSubscription, err.Error()), nil
	}
	return renewResponseBody{Expires: time.Until(expiration).String()}, nil, nil
}

func (p *Provider) handleUnsubscribe(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	id := subscriptionIDFromReferenceParams(req.Header.ReferenceParams)
	if err := p.subMgr.Unsubscribe(id); err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeUnknownSubscription, err.Error()), nil
	}
	return struct {
		XMLName xml.Name `xml:"UnsubscribeResponse"`
	}{}, nil, nil
}

type getStatusResponseBody struct {
	XMLName xml.Name `xml:"GetStatusResponse"`
	Expires string   `xml:"Expires"`
}

func (p *Provider) handleGetStatus(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	id := subscriptionIDFromReferenceParams(req.Header.ReferenceParams)
	remaining, err := p.subMgr.GetStatus(id)
	if err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeUnknownSubscription, err.Error()), nil
	}
	return getStatusResponseBody{Expires: remaining.String()}, nil, nil
}

type setValueRequestBody struct {
	XMLName             xml.Name `xml:"SetValue"`
	OperationHandleRef  string   `xml:"OperationHandleRef"`
	RequestedNumericValue float64 `xml:"RequestedNumericValue"`
}

func (p *Provider) handleSetValue(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	var body setValueRequestBody
	if err := xml.Unmarshal(req.Body.Content, &body); err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeInvalidMessage, err.Error()), nil
	}
	resp := p.disp.InvokeOperation(ctx, body.OperationHandleRef, p.cfg.Provider.OperationFastPath,
		func(ctx stdctx.Context) ([]string, model.InvocationError, string) {
			targets, invErr, err := p.roles.InvokeSetValue(ctx, body.OperationHandleRef, body.RequestedNumericValue)
			return targets, invErr, errMessage(err)
		},
		p.reportOperationInvoked)
	return resp, nil, nil
}

type setStringRequestBody struct {
	XMLName            xml.Name `xml:"SetString"`
	OperationHandleRef string   `xml:"OperationHandleRef"`
	RequestedStringValue string `xml:"RequestedStringValue"`
}

func (p *Provider) handleSetString(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	var body setStringRequestBody
	if err := xml.Unmarshal(req.Body.Content, &body); err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeInvalidMessage, err.Error()), nil
	}
	resp := p.disp.InvokeOperation(ctx, body.OperationHandleRef, p.cfg.Provider.OperationFastPath,
		func(ctx stdctx.Context) ([]string, model.InvocationError, string) {
			targets, invErr, err := p.roles.InvokeSetString(ctx, body.OperationHandleRef, body.RequestedStringValue)
			return targets, invErr, errMessage(err)
		},
		p.reportOperationInvoked)
	return resp, nil, nil
}

type activateRequestBody struct {
	XMLName            xml.Name `xml:"Activate"`
	OperationHandleRef string   `xml:"OperationHandleRef"`
	Argument           []string `xml:"Argument"`
}

func (p *Provider) handleActivate(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	var body activateRequestBody
	if err := xml.Unmarshal(req.Body.Content, &body); err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeInvalidMessage, err.Error()), nil
	}
	resp := p.disp.InvokeOperation(ctx, body.OperationHandleRef, p.cfg.Provider.OperationFastPath,
		func(ctx stdctx.Context) ([]string, model.InvocationError, string) {
			targets, invErr, err := p.roles.InvokeActivate(ctx, body.OperationHandleRef, body.Argument)
			return targets, invErr, errMessage(err)
		},
		p.reportOperationInvoked)
	return resp, nil, nil
}

type setContextStateRequestBody struct {
	XMLName            xml.Name `xml:"SetContextState"`
	OperationHandleRef string   `xml:"OperationHandleRef"`
	OperationTarget    string   `xml:"ProposedContextState>DescriptorHandle"`
}

func (p *Provider) handleSetContextState(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	var body setContextStateRequestBody
	if err := xml.Unmarshal(req.Body.Content, &body); err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeInvalidMessage, err.Error()), nil
	}
	resp := p.disp.InvokeOperation(ctx, body.OperationHandleRef, p.cfg.Provider.OperationFastPath,
		func(ctx stdctx.Context) ([]string, model.InvocationError, string) {
			targets, invErr, err := p.roles.InvokeSetContextState(ctx, body.OperationHandleRef, body.OperationTarget,
				model.ContextState{Association: model.ContextAssociationAssoc})
			return targets, invErr, errMessage(err)
		},
		p.reportOperationInvoked)
	return resp, nil, nil
}

type setMetricStateRequestBody struct {
	XMLName            xml.Name `xml:"SetMetricState"`
	OperationHandleRef string   `xml:"OperationHandleRef"`
	OperationTarget    string   `xml:"ProposedMetricState>DescriptorHandle"`
	ActivationState    string   `xml:"ProposedMetricState>ActivationState"`
	Numeric            float64  `xml:"ProposedMetricState>Value>Numeric"`
	StringValue        string   `xml:"ProposedMetricState>Value>String"`
}

func (p *Provider) handleSetMetricState(ctx stdctx.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
	var body setMetricStateRequestBody
	if err := xml.Unmarshal(req.Body.Content, &body); err != nil {
		return nil, soapenv.NewFault(namespace.FaultCodeSender, namespace.FaultSubcodeInvalidMessage, err.Error()), nil
	}
	proposed := model.MetricState{
		ActivationState: body.ActivationState,
		Value:           model.MetricValue{Numeric: body.Numeric, String: body.StringValue},
	}
	resp := p.disp.InvokeOperation(ctx, body.OperationHandleRef, p.cfg.Provider.OperationFastPath,
		func(ctx stdctx.Context) ([]string, model.InvocationError, string) {
			targets, invErr, err := p.roles.InvokeSetMetricState(ctx, body.OperationHandleRef, body.OperationTarget, proposed)
			return targets, invErr, errMessage(err)
		},
		p.reportOperationInvoked)
	return resp, nil, nil
}

type operationInvokedReportBody struct {
	XMLName            xml.Name `xml:"OperationInvokedReport"`
	TransactionID      uint64   `xml:"TransactionId"`
	OperationHandleRef string   `xml:"OperationHandleRef"`
	OperationTarget    string   `xml:"OperationTarget,omitempty"`
	InvocationState    string   `xml:"InvocationState"`
	InvocationError    string   `xml:"InvocationError,omitempty"`
	InvocationErrorMsg string   `xml:"InvocationErrorMessage,omitempty"`
}

func (p *Provider) reportOperationInvoked(inv model.OperationInvocation) {
	p.reg.OperationInvocationsTotal.WithLabelValues(string(inv.InvocationState)).Inc()
	var target string
	if len(inv.OperationTargetRef) > 0 {
		target = inv.OperationTargetRef[0]
	}
	p.subMgr.NotifyRaw(namespace.ActionOperationInvokedReport, operationInvokedReportBody{
		TransactionID:      inv.TransactionID,
		OperationHandleRef: inv.OperationHandle,
		OperationTarget:    target,
		InvocationState:    string(inv.InvocationState),
		InvocationError:    string(inv.Error),
		InvocationErrorMsg: inv.ErrorMessage,
	})
}

// Start brings the provider online: HTTP SOAP listener, metrics endpoint,
// WS-Discovery advertisement, and the waveform ticker.
func (p *Provider) Start(ctx stdctx.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		raw, err := readAll(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/soap+xml")
		_, _ = w.Write(p.disp.Dispatch(r.Context(), raw))
	})
	ln, err := net.Listen("tcp", p.cfg.Provider.ListenAddr)
	if err != nil {
		return fmt.Errorf("provider: listen on %s: %w", p.cfg.Provider.ListenAddr, err)
	}
	if p.cfg.Metrics.Enable {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", p.reg.Handler())
		p.metricsServer = &http.Server{Addr: p.cfg.Metrics.ListenAddr, Handler: metricsMux}
		go func() {
			if err := p.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.MainLog.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	p.server = &http.Server{Addr: p.cfg.Provider.ListenAddr, Handler: mux}
	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.MainLog.WithError(err).Error("provider SOAP server stopped")
		}
	}()

	p.disc.Start(ctx)
	p.disc.Advertise(ctx, discovery.Service{
		EndpointRef: "urn:uuid:" + p.cfg.Provider.EPRUUID,
		Types:       p.cfg.Discovery.Types,
		Scopes:      p.cfg.Discovery.Scopes,
		XAddrs:      []string{"http://" + p.cfg.Provider.ListenAddr},
	})

	p.roles.StartWaveformTicker(ctx)
	p.roles.StartAlertTicker(ctx)

	p.started = true
	logger.MainLog.Info("sdc provider started")
	return nil
}

// Stop drains and terminates every subscription, withdraws the
// advertisement, and shuts down the HTTP listener.
func (p *Provider) Stop(ctx stdctx.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}

	p.roles.Stop()
	p.subMgr.Shutdown(ctx)
	p.disc.Shutdown(ctx, 2*time.Second)
	if p.server != nil {
		_ = p.server.Shutdown(ctx)
	}
	if p.metricsServer != nil {
		_ = p.metricsServer.Shutdown(ctx)
	}
	if p.subStore != nil {
		if err := p.subStore.Close(); err != nil {
			logger.MainLog.WithError(err).Warn("failed to close subscription persistence store")
		}
	}

	p.started = false
	logger.MainLog.Info("sdc provider stopped")
	return nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func splitFilter(filter string) []string {
	return strings.Fields(filter)
}

// subscriptionIDFromReferenceParams extracts the subscription id the
// consumer attaches as a SubscriptionId reference parameter on every
// Renew/Unsubscribe/GetStatus call, echoing the Identifier the provider
// returned in the original SubscribeResponse (§4.F step 2).
func subscriptionIDFromReferenceParams(params []soapenv.RawElement) string {
	for _, p := range params {
		if p.XMLName.Local == "SubscriptionId" {
			return string(p.Content)
		}
	}
	return ""
}
