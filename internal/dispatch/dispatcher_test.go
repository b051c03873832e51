package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Draegerwerk/sdc11073/internal/model"
	"github.com/Draegerwerk/sdc11073/internal/namespace"
	"github.com/Draegerwerk/sdc11073/internal/soapenv"
)

func buildRequest(action string) []byte {
	env := &soapenv.OutboundEnvelope{
		Header: soapenv.NewRequestHeader(action, "urn:uuid:device"),
		Body:   struct{}{},
	}
	raw, _ := soapenv.MarshalOutbound(env)
	return raw
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := New(false)
	called := false
	d.Register("urn:test:Ping", func(ctx context.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
		called = true
		return struct{}{}, nil, nil
	})

	resp := d.Dispatch(context.Background(), buildRequest("urn:test:Ping"))

	assert.True(t, called)
	env, err := soapenv.Unmarshal(resp)
	require.NoError(t, err)
	assert.Equal(t, "urn:test:PingResponse", env.Header.Action)
}

func TestDispatchUnknownActionReturnsActionNotSupportedFault(t *testing.T) {
	d := New(false)

	resp := d.Dispatch(context.Background(), buildRequest("urn:test:NoSuchAction"))

	env, err := soapenv.Unmarshal(resp)
	require.NoError(t, err)
	assert.Contains(t, env.Header.Action, "Fault")
	assert.Contains(t, string(env.Body.Content), namespace.FaultSubcodeActionNotSupported)
}

func TestDispatchResponseRelatesToRequestMessageID(t *testing.T) {
	d := New(false)
	d.Register("urn:test:Ping", func(ctx context.Context, req *soapenv.Envelope) (any, *soapenv.Fault, error) {
		return struct{}{}, nil, nil
	})

	raw := buildRequest("urn:test:Ping")
	reqEnv, _ := soapenv.Unmarshal(raw)

	resp := d.Dispatch(context.Background(), raw)
	respEnv, err := soapenv.Unmarshal(resp)
	require.NoError(t, err)
	assert.Equal(t, reqEnv.Header.MessageID, respEnv.Header.RelatesTo)
}

// TestOperationInvocationFastPathSkipsWait covers the fast-path variant of
// S5: the dispatcher collapses straight to Fin without an intermediate
// Wait response.
func TestOperationInvocationFastPathSkipsWait(t *testing.T) {
	d := New(false)

	var final model.OperationInvocation
	resp := d.InvokeOperation(context.Background(), "handle1", true,
		func(ctx context.Context) ([]string, model.InvocationError, string) {
			return []string{"handle1"}, model.InvocationErrorNone, ""
		},
		func(inv model.OperationInvocation) { final = inv },
	)

	assert.Equal(t, string(model.InvocationFin), resp.InvocationState)
	assert.Equal(t, model.InvocationFin, final.InvocationState)
	assert.Equal(t, resp.TransactionID, final.TransactionID)
}

// TestOperationInvocationAsyncReportsFinAfterWait covers S5: SetString
// returns an immediate Wait response, then asynchronously reports Fin via
// onFinal (which pkg/provider wires to subscription.Manager.NotifyRaw
// for the OperationInvokedReport).
func TestOperationInvocationAsyncReportsFinAfterWait(t *testing.T) {
	d := New(false)

	done := make(chan model.OperationInvocation, 1)
	resp := d.InvokeOperation(context.Background(), "handle1", false,
		func(ctx context.Context) ([]string, model.InvocationError, string) {
			return []string{"handle1"}, model.InvocationErrorNone, ""
		},
		func(inv model.OperationInvocation) { done <- inv },
	)

	assert.Equal(t, string(model.InvocationWait), resp.InvocationState)

	select {
	case final := <-done:
		assert.Equal(t, model.InvocationFin, final.InvocationState)
		assert.Equal(t, resp.TransactionID, final.TransactionID)
		assert.Equal(t, []string{"handle1"}, final.OperationTargetRef)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async operation invocation report")
	}
}

func TestOperationInvocationAsyncReportsFailOnInvalidValue(t *testing.T) {
	d := New(false)

	done := make(chan model.OperationInvocation, 1)
	d.InvokeOperation(context.Background(), "handle1", false,
		func(ctx context.Context) ([]string, model.InvocationError, string) {
			return nil, model.InvocationErrorInvalidValue, "handle1 does not exist"
		},
		func(inv model.OperationInvocation) { done <- inv },
	)

	select {
	case final := <-done:
		assert.Equal(t, model.InvocationFail, final.InvocationState)
		assert.Equal(t, model.InvocationErrorInvalidValue, final.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async operation invocation report")
	}
}

func TestTransactionIDsAreUniqueAcrossInvocations(t *testing.T) {
	d := New(false)
	ids := make(map[uint64]bool)
	for i := 0; i < 10; i++ {
		resp := d.InvokeOperation(context.Background(), "h", true,
			func(ctx context.Context) ([]string, model.InvocationError, string) {
				return nil, model.InvocationErrorNone, ""
			}, nil)
		assert.False(t, ids[resp.TransactionID], "transaction id reused")
		ids[resp.TransactionID] = true
	}
}
