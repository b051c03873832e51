// Package discovery implements the WS-Discovery 2005/04 multicast engine
// (§4.H): a single-adapter-bound UDP node that announces and discovers
// peers via Hello/Bye/Probe/Resolve, reproducing the standard's timing and
// scope-matching rules.
package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/internal/namespace"
	"github.com/Draegerwerk/sdc11073/internal/soapenv"
)

// Service is one locally advertised endpoint (the provider's own
// DPWS/BICEPS service, usually exactly one per process).
type Service struct {
	EndpointRef     string
	Types           []string
	Scopes          []string
	XAddrs          []string
	MetadataVersion uint64
}

// RemoteInfo is the bookkeeping kept per known remote (§4.H "State per
// known remote").
type RemoteInfo struct {
	EndpointRef     string
	Types           []string
	Scopes          []string
	XAddrs          []string
	MetadataVersion uint64
	LastSeen        time.Time
}

// Event is an observer notification kind.
type Event string

const (
	EventHello Event = "hello"
	EventBye   Event = "bye"
)

// Observer receives discovery events for known remotes.
type Observer func(info RemoteInfo, event Event)

type outboundDatagram struct {
	payload []byte
	addr    *net.UDPAddr
}

// Engine is a UDP multicast WS-Discovery node bound to exactly one network
// adapter (§4.H: "single-address binding is mandated ... selecting the
// wrong adapter is the classic bug this rule prevents").
type Engine struct {
	conn    *ipv4.PacketConn
	iface   *net.Interface
	group   *net.UDPAddr
	matchBy string

	localMu sync.RWMutex
	local   map[string]*Service

	knownMu sync.RWMutex
	known   map[string]*RemoteInfo

	observersMu sync.Mutex
	observers   []Observer

	pendingMu sync.Mutex
	pending   map[string]chan matchEntry

	sendCh chan outboundDatagram

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New binds adapterName as the single multicast interface and joins the
// WS-Discovery group. matchBy selects the default scope-matching algorithm
// (empty means namespace.MatchByLDAP).
func New(adapterName, matchBy string) (*Engine, error) {
	iface, err := net.InterfaceByName(adapterName)
	if err != nil {
		return nil, fmt.Errorf("discovery: no such network adapter %q: %w", adapterName, err)
	}

	rawConn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", namespace.DiscoveryMulticastPort))
	if err != nil {
		return nil, fmt.Errorf("discovery: listen on port %d: %w", namespace.DiscoveryMulticastPort, err)
	}
	conn := ipv4.NewPacketConn(rawConn)
	group := &net.UDPAddr{IP: net.ParseIP(namespace.DiscoveryMulticastAddress), Port: namespace.DiscoveryMulticastPort}

	if err := conn.JoinGroup(iface, group); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("discovery: join multicast group on %q: %w", adapterName, err)
	}
	if err := conn.SetMulticastInterface(iface); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("discovery: bind multicast interface %q: %w", adapterName, err)
	}
	_ = conn.SetMulticastLoopback(false)

	matchBy = normalizeMatchBy(matchBy)

	return &Engine{
		conn: conn, iface: iface, group: group, matchBy: matchBy,
		local:   make(map[string]*Service),
		known:   make(map[string]*RemoteInfo),
		pending: make(map[string]chan matchEntry),
		sendCh:  make(chan outboundDatagram, 64),
		stopCh:  make(chan struct{}),
	}, nil
}

// normalizeMatchBy accepts either the short algorithm names used in
// configuration ("ldap", "rfc3986", "uuid", "strcmp0") or the full
// namespace.MatchBy* URIs, and returns the full URI the WS-Discovery wire
// format requires in the Scopes MatchBy attribute. An empty or unrecognized
// value defaults to namespace.MatchByLDAP.
func normalizeMatchBy(matchBy string) string {
	switch matchBy {
	case "", namespace.MatchByLDAP, "ldap":
		return namespace.MatchByLDAP
	case namespace.MatchByURI, "rfc3986":
		return namespace.MatchByURI
	case namespace.MatchByUUID, "uuid":
		return namespace.MatchByUUID
	case namespace.MatchByStrcmp, "strcmp0":
		return namespace.MatchByStrcmp
	default:
		return namespace.MatchByLDAP
	}
}

// Observe registers a callback for known-remote events.
func (e *Engine) Observe(o Observer) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) notify(info RemoteInfo, ev Event) {
	e.observersMu.Lock()
	observers := append([]Observer(nil), e.observers...)
	e.observersMu.Unlock()
	for _, o := range observers {
		o(info, ev)
	}
}

// Advertise registers a local service and announces it with Hello. A
// second call with the same EndpointRef bumps MetadataVersion and
// re-announces (§4.H "MetadataVersion is monotonic per endpoint").
func (e *Engine) Advertise(ctx context.Context, svc Service) {
	e.localMu.Lock()
	if existing, ok := e.local[svc.EndpointRef]; ok && svc.MetadataVersion <= existing.MetadataVersion {
		svc.MetadataVersion = existing.MetadataVersion + 1
	}
	e.local[svc.EndpointRef] = &svc
	e.localMu.Unlock()

	e.sendHello(ctx, svc)
}

// Withdraw removes a local service; callers should do this only as part of
// Shutdown (Bye is sent there) or an explicit service teardown.
func (e *Engine) Withdraw(endpointRef string) {
	e.localMu.Lock()
	delete(e.local, endpointRef)
	e.localMu.Unlock()
}

// Start launches the receive and send loops. Call once after New.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.receiveLoop(ctx)
	go e.sendLoop(ctx)
}

// Known returns a snapshot of every currently-known remote.
func (e *Engine) Known() []RemoteInfo {
	e.knownMu.RLock()
	defer e.knownMu.RUnlock()
	out := make([]RemoteInfo, 0, len(e.known))
	for _, r := range e.known {
		out = append(out, *r)
	}
	return out
}

// Probe sends a WS-Discovery Probe for types/scopes and collects
// ProbeMatches for MatchTimeout (§4.H "Active side").
func (e *Engine) Probe(ctx context.Context, types, scopes []string) ([]RemoteInfo, error) {
	messageID := "urn:uuid:" + uuid.NewString()
	collected := make(chan matchEntry, 32)
	e.pendingMu.Lock()
	e.pending[messageID] = collected
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, messageID)
		e.pendingMu.Unlock()
	}()

	body := probeBody{Types: joinFields(types), Scopes: scopesElement{MatchBy: e.matchBy, Value: joinFields(scopes)}}
	payload, err := e.buildEnvelopeWithID(namespace.ActionProbe, body, messageID, "")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, MatchTimeout)
	defer cancel()

	go e.repeatSend(ctx, payload, e.group, MulticastUDPRepeat)

	var results []RemoteInfo
	deadline := time.After(MatchTimeout)
	for {
		select {
		case m := <-collected:
			results = append(results, e.recordRemote(m, EventHello))
		case <-deadline:
			return results, nil
		case <-ctx.Done():
			return results, nil
		}
	}
}

// Resolve sends a WS-Discovery Resolve for endpointRef and waits for a
// single ResolveMatches, or returns an error on timeout.
func (e *Engine) Resolve(ctx context.Context, endpointRef string) (*RemoteInfo, error) {
	messageID := "urn:uuid:" + uuid.NewString()
	collected := make(chan matchEntry, 1)
	e.pendingMu.Lock()
	e.pending[messageID] = collected
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, messageID)
		e.pendingMu.Unlock()
	}()

	body := resolveBody{EndpointReference: endpointReference{Address: endpointRef}}
	payload, err := e.buildEnvelopeWithID(namespace.ActionResolve, body, messageID, "")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, MatchTimeout)
	defer cancel()
	go e.repeatSend(ctx, payload, e.group, MulticastUDPRepeat)

	select {
	case m := <-collected:
		info := e.recordRemote(m, EventHello)
		return &info, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("discovery: resolve %q: no answer within %s", endpointRef, MatchTimeout)
	}
}

func (e *Engine) sendHello(ctx context.Context, svc Service) {
	body := helloBody{
		EndpointReference: endpointReference{Address: svc.EndpointRef},
		Types:             joinFields(svc.Types),
		Scopes:            scopesElement{MatchBy: e.matchBy, Value: joinFields(svc.Scopes)},
		XAddrs:            joinFields(svc.XAddrs),
		MetadataVersion:   svc.MetadataVersion,
	}
	payload, err := e.buildEnvelope(namespace.ActionHello, body, "")
	if err != nil {
		logger.DiscoveryLog.WithError(err).Error("failed to build Hello")
		return
	}
	go e.repeatSend(ctx, payload, e.group, MulticastUDPRepeat)
}

func (e *Engine) sendBye(ctx context.Context, endpointRef string) {
	body := byeBody{EndpointReference: endpointReference{Address: endpointRef}}
	payload, err := e.buildEnvelope(namespace.ActionBye, body, "")
	if err != nil {
		logger.DiscoveryLog.WithError(err).Error("failed to build Bye")
		return
	}
	e.repeatSend(ctx, payload, e.group, MulticastUDPRepeat)
}

// repeatSend implements the standard's repeat pattern: an initial jitter up
// to AppMaxDelay before the first send (the standard's application-level
// delay, also used for directed match replies), then further sends spaced
// by a delay drawn from [UDPMinDelay, UDPMaxDelay] and doubled each round,
// capped at UDPUpperDelay (§4.H Timing rules).
func (e *Engine) repeatSend(ctx context.Context, payload []byte, addr *net.UDPAddr, repeatCount int) {
	delay := time.Duration(rand.Int63n(int64(AppMaxDelay)))
	for i := 0; i < repeatCount; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		select {
		case e.sendCh <- outboundDatagram{payload: payload, addr: addr}:
		case <-ctx.Done():
			return
		}
		if i == 0 {
			delay = UDPMinDelay + time.Duration(rand.Int63n(int64(UDPMaxDelay-UDPMinDelay)))
		} else {
			delay *= 2
		}
		if delay > UDPUpperDelay {
			delay = UDPUpperDelay
		}
	}
}

// sendLoop serializes every outbound datagram through one goroutine so
// that a graceful shutdown can drain it before the socket closes (§4.H
// "send queue serializes outbound to preserve the finish-draining-before-
// shutdown rule so Bye is actually transmitted").
func (e *Engine) sendLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case d := <-e.sendCh:
			if _, err := e.conn.WriteTo(d.payload, nil, d.addr); err != nil {
				logger.DiscoveryLog.WithError(err).Debug("discovery send failed")
			}
		case <-e.stopCh:
			// stopCh and sendCh may both be ready (Shutdown enqueues Bye
			// before closing stopCh); drain whatever is already buffered
			// so Bye is transmitted before the socket closes.
			e.drainSendCh()
			return
		}
	}
}

func (e *Engine) drainSendCh() {
	for {
		select {
		case d := <-e.sendCh:
			if _, err := e.conn.WriteTo(d.payload, nil, d.addr); err != nil {
				logger.DiscoveryLog.WithError(err).Debug("discovery send failed")
			}
		default:
			return
		}
	}
}

func (e *Engine) receiveLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, src, err := e.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-e.stopCh:
				return
			default:
				logger.DiscoveryLog.WithError(err).Debug("discovery receive error")
				continue
			}
		}
		e.dispatch(ctx, append([]byte(nil), buf[:n]...), src)
	}
}

func (e *Engine) dispatch(ctx context.Context, raw []byte, src net.Addr) {
	env, err := soapenv.Unmarshal(raw)
	if err != nil {
		return
	}
	switch env.Header.Action {
	case namespace.ActionProbe:
		e.handleProbe(ctx, env, src)
	case namespace.ActionResolve:
		e.handleResolve(ctx, env, src)
	case namespace.ActionProbeMatches:
		e.handleProbeMatches(env)
	case namespace.ActionResolveMatch:
		e.handleResolveMatches(env)
	case namespace.ActionHello:
		e.handleHello(env)
	case namespace.ActionBye:
		e.handleBye(env)
	}
}

func (e *Engine) handleProbe(ctx context.Context, env *soapenv.Envelope, src net.Addr) {
	var body probeBody
	if err := xml.Unmarshal(env.Body.Content, &body); err != nil {
		return
	}
	requiredTypes := splitFields(body.Types)
	requiredScopes := splitFields(body.Scopes.Value)
	algorithm := body.Scopes.MatchBy
	if algorithm == "" {
		algorithm = e.matchBy
	}

	e.localMu.RLock()
	var matches []matchEntry
	for _, svc := range e.local {
		if MatchTypes(requiredTypes, svc.Types) && MatchScopes(algorithm, requiredScopes, svc.Scopes) {
			matches = append(matches, matchEntry{
				EndpointReference: endpointReference{Address: svc.EndpointRef},
				Types:             joinFields(svc.Types),
				Scopes:            scopesElement{MatchBy: algorithm, Value: joinFields(svc.Scopes)},
				XAddrs:            joinFields(svc.XAddrs),
				MetadataVersion:   svc.MetadataVersion,
			})
		}
	}
	e.localMu.RUnlock()
	if len(matches) == 0 {
		return
	}

	payload, err := e.buildEnvelope(namespace.ActionProbeMatches, probeMatchBody{Matches: matches}, env.Header.MessageID)
	if err != nil {
		return
	}
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	go e.repeatSend(ctx, payload, udpAddr, UnicastUDPRepeat)
}

func (e *Engine) handleResolve(ctx context.Context, env *soapenv.Envelope, src net.Addr) {
	var body resolveBody
	if err := xml.Unmarshal(env.Body.Content, &body); err != nil {
		return
	}
	e.localMu.RLock()
	svc, ok := e.local[body.EndpointReference.Address]
	e.localMu.RUnlock()
	if !ok {
		return
	}
	match := matchEntry{
		EndpointReference: endpointReference{Address: svc.EndpointRef},
		Types:             joinFields(svc.Types),
		Scopes:            scopesElement{MatchBy: e.matchBy, Value: joinFields(svc.Scopes)},
		XAddrs:            joinFields(svc.XAddrs),
		MetadataVersion:   svc.MetadataVersion,
	}
	payload, err := e.buildEnvelope(namespace.ActionResolveMatch, resolveMatchBody{Match: match}, env.Header.MessageID)
	if err != nil {
		return
	}
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	go e.repeatSend(ctx, payload, udpAddr, UnicastUDPRepeat)
}

func (e *Engine) handleProbeMatches(env *soapenv.Envelope) {
	var body probeMatchBody
	if err := xml.Unmarshal(env.Body.Content, &body); err != nil {
		return
	}
	e.pendingMu.Lock()
	ch, ok := e.pending[env.Header.RelatesTo]
	e.pendingMu.Unlock()
	for _, m := range body.Matches {
		if ok {
			select {
			case ch <- m:
			default:
			}
		} else {
			e.recordRemote(m, EventHello)
		}
	}
}

func (e *Engine) handleResolveMatches(env *soapenv.Envelope) {
	var body resolveMatchBody
	if err := xml.Unmarshal(env.Body.Content, &body); err != nil {
		return
	}
	e.pendingMu.Lock()
	ch, ok := e.pending[env.Header.RelatesTo]
	e.pendingMu.Unlock()
	if ok {
		select {
		case ch <- body.Match:
		default:
		}
		return
	}
	e.recordRemote(body.Match, EventHello)
}

func (e *Engine) handleHello(env *soapenv.Envelope) {
	var body helloBody
	if err := xml.Unmarshal(env.Body.Content, &body); err != nil {
		return
	}
	e.recordRemote(matchEntry{
		EndpointReference: body.EndpointReference, Types: body.Types, Scopes: body.Scopes,
		XAddrs: body.XAddrs, MetadataVersion: body.MetadataVersion,
	}, EventHello)
}

func (e *Engine) handleBye(env *soapenv.Envelope) {
	var body byeBody
	if err := xml.Unmarshal(env.Body.Content, &body); err != nil {
		return
	}
	e.knownMu.Lock()
	info, ok := e.known[body.EndpointReference.Address]
	if ok {
		delete(e.known, body.EndpointReference.Address)
	}
	e.knownMu.Unlock()
	if ok {
		e.notify(*info, EventBye)
	}
}

func (e *Engine) recordRemote(m matchEntry, ev Event) RemoteInfo {
	e.knownMu.Lock()
	existing, ok := e.known[m.EndpointReference.Address]
	if ok && m.MetadataVersion < existing.MetadataVersion {
		info := *existing
		e.knownMu.Unlock()
		return info // peers must use the last-seen highest MetadataVersion
	}
	info := &RemoteInfo{
		EndpointRef: m.EndpointReference.Address, Types: splitFields(m.Types),
		Scopes: splitFields(m.Scopes.Value), XAddrs: splitFields(m.XAddrs),
		MetadataVersion: m.MetadataVersion, LastSeen: time.Now(),
	}
	e.known[info.EndpointRef] = info
	e.knownMu.Unlock()
	e.notify(*info, ev)
	return *info
}

func (e *Engine) buildEnvelope(action string, body any, relatesTo string) ([]byte, error) {
	return e.buildEnvelopeWithID(action, body, "urn:uuid:"+uuid.NewString(), relatesTo)
}

func (e *Engine) buildEnvelopeWithID(action string, body any, messageID, relatesTo string) ([]byte, error) {
	header := soapenv.Header{Action: action, MessageID: messageID, RelatesTo: relatesTo}
	return soapenv.MarshalOutbound(&soapenv.OutboundEnvelope{Header: header, Body: body})
}

// Shutdown implements the graceful staged shutdown of §5: stop accepting
// new work, send Bye for every local service, drain the send queue up to
// deadline, then close the socket.
func (e *Engine) Shutdown(ctx context.Context, deadline time.Duration) {
	e.localMu.RLock()
	refs := make([]string, 0, len(e.local))
	for ref := range e.local {
		refs = append(refs, ref)
	}
	e.localMu.RUnlock()

	byeCtx, cancel := context.WithTimeout(ctx, deadline)
	for _, ref := range refs {
		e.sendBye(byeCtx, ref)
	}
	cancel()

	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.conn.Close()
	logger.DiscoveryLog.Info("discovery engine stopped")
}
