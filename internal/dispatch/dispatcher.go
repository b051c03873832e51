// Package dispatch implements the SOAP/DPWS request router (§4.I): action
// based handler lookup, reference-parameter correlation, fault encoding,
// and the operation-invocation lifecycle shared by SetValue/SetString/
// Activate/SetContextState/SetMetricState.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/internal/model"
	"github.com/Draegerwerk/sdc11073/internal/namespace"
	"github.com/Draegerwerk/sdc11073/internal/soapenv"
)

// Handler answers one request action with a response body or a fault.
type Handler func(ctx context.Context, req *soapenv.Envelope) (body any, fault *soapenv.Fault, err error)

// Dispatcher routes inbound SOAP requests to registered handlers keyed by
// wsa:Action (§4.I step 2).
type Dispatcher struct {
	mu              sync.RWMutex
	handlers        map[string]Handler
	strictValidation bool

	nextTransactionID uint64
}

// New creates a Dispatcher. strictValidation is stored but not consulted:
// Dispatch performs no schema validation in either mode, and rejects only
// envelopes that do not parse as SOAP/XML (InvalidMessage) or whose action
// has no registered handler (ActionNotSupported).
func New(strictValidation bool) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), strictValidation: strictValidation}
}

// Register binds a handler to action.
func (d *Dispatcher) Register(action string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// NextTransactionID returns a fresh, per-dispatcher-unique transaction id
// for an asynchronous operation invocation (§4.I).
func (d *Dispatcher) NextTransactionID() uint64 {
	return atomic.AddUint64(&d.nextTransactionID, 1)
}

// Dispatch parses raw, routes it by action, and returns the encoded
// response (or fault) envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) []byte {
	req, err := soapenv.Unmarshal(raw)
	if err != nil {
		return d.encodeFault(soapenv.Header{}, namespace.FaultCodeSender, namespace.FaultSubcodeInvalidMessage, err.Error())
	}

	d.mu.RLock()
	h, ok := d.handlers[req.Header.Action]
	d.mu.RUnlock()
	if !ok {
		logger.DispatchLog.WithField("action", req.Header.Action).Warn("no handler for action")
		return d.encodeFault(req.Header, namespace.FaultCodeSender, namespace.FaultSubcodeActionNotSupported,
			fmt.Sprintf("no handler registered for action %q", req.Header.Action))
	}

	body, fault, err := h(ctx, req)
	if err != nil {
		logger.DispatchLog.WithField("action", req.Header.Action).WithError(err).Error("handler failed")
		return d.encodeFault(req.Header, namespace.FaultCodeReceiver, "", err.Error())
	}
	if fault != nil {
		out, _ := soapenv.MarshalOutbound(&soapenv.OutboundEnvelope{
			Header: soapenv.NewResponseHeader(req.Header.Action+"Fault", req.Header),
			Body:   fault,
		})
		return out
	}

	respHeader := soapenv.NewResponseHeader(req.Header.Action+"Response", req.Header)
	out, err := soapenv.MarshalOutbound(&soapenv.OutboundEnvelope{Header: respHeader, Body: body})
	if err != nil {
		logger.DispatchLog.WithError(err).Error("failed to encode response")
		return d.encodeFault(req.Header, namespace.FaultCodeReceiver, "", "internal encoding error")
	}
	return out
}

func (d *Dispatcher) encodeFault(reqHeader soapenv.Header, code, subcode, reason string) []byte {
	fault := soapenv.NewFault(code, subcode, reason)
	respHeader := soapenv.NewResponseHeader(reqHeader.Action+"Fault", reqHeader)
	out, _ := soapenv.MarshalOutbound(&soapenv.OutboundEnvelope{Header: respHeader, Body: fault})
	return out
}

// OperationResponse is the immediate reply to an operation invocation
// request (§4.I "Immediate response").
type OperationResponse struct {
	TransactionID   uint64 `xml:"TransactionId,attr"`
	InvocationState string `xml:"InvocationState,attr"`
}

// InvokeOperation runs the fast-path/async operation-invocation protocol
// shared by every SetService operation (§4.I "Operation invocation"):
// exec is expected to perform (or kick off) the domain action and report
// back the final state; fastPath lets the caller collapse straight to Fin
// without intermediate Wait/Started. The returned OperationResponse is
// what the handler should put in its immediate SOAP response; the final
// model.OperationInvocation is handed to onFinal once exec completes (the
// caller typically wires onFinal to emit an OperationInvokedReport via the
// subscription manager).
func (d *Dispatcher) InvokeOperation(
	ctx context.Context,
	operationHandle string,
	fastPath bool,
	exec func(ctx context.Context) (targets []string, invErr model.InvocationError, errMsg string),
	onFinal func(model.OperationInvocation),
) OperationResponse {
	txID := d.NextTransactionID()

	if fastPath {
		targets, invErr, errMsg := exec(ctx)
		final := model.OperationInvocation{
			TransactionID: txID, OperationHandle: operationHandle,
			InvocationState: terminalState(invErr), Error: invErr, ErrorMessage: errMsg, OperationTargetRef: targets,
		}
		if onFinal != nil {
			onFinal(final)
		}
		return OperationResponse{TransactionID: txID, InvocationState: string(final.InvocationState)}
	}

	go func() {
		targets, invErr, errMsg := exec(ctx)
		final := model.OperationInvocation{
			TransactionID: txID, OperationHandle: operationHandle,
			InvocationState: terminalState(invErr), Error: invErr, ErrorMessage: errMsg, OperationTargetRef: targets,
		}
		if onFinal != nil {
			onFinal(final)
		}
	}()

	return OperationResponse{TransactionID: txID, InvocationState: string(model.InvocationWait)}
}

func terminalState(invErr model.InvocationError) model.InvocationState {
	if invErr == model.InvocationErrorNone {
		return model.InvocationFin
	}
	return model.InvocationFail
}
