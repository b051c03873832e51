// Package roles implements the provider-side bridge between the SCO
// operation handlers a consumer invokes over the dispatcher and the
// transaction manager that is the only legal way to mutate a provider's
// MDIB (§4.J). It also owns the periodic waveform/alert report scheduling
// that has no request to respond to at all.
//
// Grounded on the OperationDefinition-subclass pattern of dispatching
// SetValue/SetString/Activate/SetContextState/SetMetricState to a
// product-specific provider callback, generalized here to plain Go
// function values registered per operation handle.
package roles

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/internal/mdib"
	"github.com/Draegerwerk/sdc11073/internal/model"
	"github.com/Draegerwerk/sdc11073/internal/transaction"
)

// SetValueHandler applies a numeric value request to the MDIB within tx and
// returns the handles affected, or a domain error.
type SetValueHandler func(tx *transaction.Transaction, operationTarget string, value float64) ([]string, model.InvocationError, error)

// SetStringHandler applies a string value request.
type SetStringHandler func(tx *transaction.Transaction, operationTarget string, value string) ([]string, model.InvocationError, error)

// ActivateHandler invokes an Activate operation with a list of opaque
// string arguments.
type ActivateHandler func(tx *transaction.Transaction, operationTarget string, args []string) ([]string, model.InvocationError, error)

// SetContextStateHandler applies a context-state proposal (association
// changes, validator updates) to the MDIB.
type SetContextStateHandler func(tx *transaction.Transaction, operationTarget string, proposed model.ContextState) ([]string, model.InvocationError, error)

// SetMetricStateHandler applies a metric-state proposal directly (used by
// operator-overridden metric states, as distinct from SetValue's
// numeric-only shortcut).
type SetMetricStateHandler func(tx *transaction.Transaction, operationTarget string, proposed model.MetricState) ([]string, model.InvocationError, error)

// WaveformSource produces the next bundle of samples for one
// RealTimeSampleArrayMetric descriptor. Implementations are product
// specific (signal generators, hardware acquisition adapters); this
// package only owns the scheduling and the write-through to the MDIB.
type WaveformSource interface {
	// NextSamples returns the next sample bundle for descriptorHandle, or
	// ok=false if no new data is currently available.
	NextSamples(descriptorHandle string) (samples []float64, ok bool)
}

// AlertSource evaluates one alert condition/signal descriptor and reports
// its current presence/activation state. Like WaveformSource, the
// evaluation logic itself is product specific.
type AlertSource interface {
	Evaluate(descriptorHandle string) (presence bool, activationState string, ok bool)
}

// Provider bridges invoked operations and periodic report sources to a
// transaction manager bound to one provider's MDIB.
type Provider struct {
	store *mdib.Mdib
	txMgr *transaction.Manager

	onChangeSet func(*model.ChangeSet)

	mu               sync.RWMutex
	setValueHandlers map[string]SetValueHandler
	setStringHandlers map[string]SetStringHandler
	activateHandlers map[string]ActivateHandler
	setContextHandlers map[string]SetContextStateHandler
	setMetricHandlers map[string]SetMetricStateHandler

	waveformSources map[string]WaveformSource
	alertSources    map[string]AlertSource

	waveformInterval time.Duration
	alertInterval    time.Duration
	stopCh           chan struct{}
	stopOnce         sync.Once
}

// Options configures periodic report cadence and change-set delivery.
type Options struct {
	// WaveformInterval is the tick period for waveform sample emission
	// (§9 Open Question: default 100ms).
	WaveformInterval time.Duration

	// AlertInterval is the tick period for alert condition evaluation.
	// Defaults to 1s: alert signals change far less often than waveform
	// samples, so a coarser cadence than WaveformInterval is appropriate.
	AlertInterval time.Duration

	// OnChangeSet, if set, is called with every non-empty ChangeSet this
	// Provider commits, whether from an invoked operation, a waveform
	// tick, or an alert tick. The caller wires this to the subscription
	// manager's NotifyChangeSet so committed state actually reaches
	// subscribers.
	OnChangeSet func(*model.ChangeSet)
}

func (o Options) withDefaults() Options {
	if o.WaveformInterval <= 0 {
		o.WaveformInterval = 100 * time.Millisecond
	}
	if o.AlertInterval <= 0 {
		o.AlertInterval = time.Second
	}
	return o
}

// New creates a Provider bound to store/txMgr.
func New(store *mdib.Mdib, txMgr *transaction.Manager, opts Options) *Provider {
	opts = opts.withDefaults()
	return &Provider{
		store:              store,
		txMgr:              txMgr,
		onChangeSet:        opts.OnChangeSet,
		setValueHandlers:   make(map[string]SetValueHandler),
		setStringHandlers:  make(map[string]SetStringHandler),
		activateHandlers:   make(map[string]ActivateHandler),
		setContextHandlers: make(map[string]SetContextStateHandler),
		setMetricHandlers:  make(map[string]SetMetricStateHandler),
		waveformSources:    make(map[string]WaveformSource),
		alertSources:       make(map[string]AlertSource),
		waveformInterval:   opts.WaveformInterval,
		alertInterval:      opts.AlertInterval,
		stopCh:             make(chan struct{}),
	}
}

// RegisterSetValue binds a SetValueHandler to the operation descriptor handle.
func (p *Provider) RegisterSetValue(operationHandle string, h SetValueHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setValueHandlers[operationHandle] = h
}

// RegisterSetString binds a SetStringHandler.
func (p *Provider) RegisterSetString(operationHandle string, h SetStringHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setStringHandlers[operationHandle] = h
}

// RegisterActivate binds an ActivateHandler.
func (p *Provider) RegisterActivate(operationHandle string, h ActivateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activateHandlers[operationHandle] = h
}

// RegisterSetContextState binds a SetContextStateHandler.
func (p *Provider) RegisterSetContextState(operationHandle string, h SetContextStateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setContextHandlers[operationHandle] = h
}

// RegisterSetMetricState binds a SetMetricStateHandler.
func (p *Provider) RegisterSetMetricState(operationHandle string, h SetMetricStateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setMetricHandlers[operationHandle] = h
}

// RegisterWaveformSource binds descriptorHandle's sample production to src.
func (p *Provider) RegisterWaveformSource(descriptorHandle string, src WaveformSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waveformSources[descriptorHandle] = src
}

// RegisterAlertSource binds descriptorHandle's alert evaluation to src.
func (p *Provider) RegisterAlertSource(descriptorHandle string, src AlertSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alertSources[descriptorHandle] = src
}

// InvokeSetValue runs the registered handler for operationHandle in a fresh
// transaction and commits on success. It returns the affected handles, the
// resulting InvocationError (InvocationErrorNone on success), and any
// internal error that occurred outside the domain-error channel (e.g. a
// commit failure), which the dispatcher maps to InvocationError=Other.
// The handler receives the operation descriptor's OperationTarget (the
// operation handle itself when the descriptor names no target).
func (p *Provider) InvokeSetValue(ctx context.Context, operationHandle string, value float64) ([]string, model.InvocationError, error) {
	p.mu.RLock()
	h, ok := p.setValueHandlers[operationHandle]
	p.mu.RUnlock()
	if !ok {
		return nil, model.InvocationErrorInvalidValue, fmt.Errorf("roles: no SetValue handler for %q", operationHandle)
	}
	target := operationHandle
	if d := p.store.GetDescriptor(operationHandle); d != nil && d.Operation != nil && d.Operation.OperationTarget != "" {
		target = d.Operation.OperationTarget
	}
	return p.runInTransaction(func(tx *transaction.Transaction) ([]string, model.InvocationError, error) {
		return h(tx, target, value)
	})
}

// InvokeSetString runs the registered handler for operationHandle.
func (p *Provider) InvokeSetString(ctx context.Context, operationHandle string, value string) ([]string, model.InvocationError, error) {
	p.mu.RLock()
	h, ok := p.setStringHandlers[operationHandle]
	p.mu.RUnlock()
	if !ok {
		return nil, model.InvocationErrorInvalidValue, fmt.Errorf("roles: no SetString handler for %q", operationHandle)
	}
	target := operationHandle
	if d := p.store.GetDescriptor(operationHandle); d != nil && d.Operation != nil && d.Operation.OperationTarget != "" {
		target = d.Operation.OperationTarget
	}
	return p.runInTransaction(func(tx *transaction.Transaction) ([]string, model.InvocationError, error) {
		return h(tx, target, value)
	})
}

// InvokeActivate runs the registered handler for operationHandle.
func (p *Provider) InvokeActivate(ctx context.Context, operationHandle string, args []string) ([]string, model.InvocationError, error) {
	p.mu.RLock()
	h, ok := p.activateHandlers[operationHandle]
	p.mu.RUnlock()
	if !ok {
		return nil, model.InvocationErrorInvalidValue, fmt.Errorf("roles: no Activate handler for %q", operationHandle)
	}
	target := operationHandle
	if d := p.store.GetDescriptor(operationHandle); d != nil && d.Operation != nil && d.Operation.OperationTarget != "" {
		target = d.Operation.OperationTarget
	}
	return p.runInTransaction(func(tx *transaction.Transaction) ([]string, model.InvocationError, error) {
		return h(tx, target, args)
	})
}

// InvokeSetContextState runs the registered handler for operationHandle.
// An operationTarget naming an unknown context descriptor handle resolves
// to InvocationError=InvalidValue rather than a transport-level fault (§9
// Open Question).
func (p *Provider) InvokeSetContextState(ctx context.Context, operationHandle, operationTarget string, proposed model.ContextState) ([]string, model.InvocationError, error) {
	p.mu.RLock()
	h, ok := p.setContextHandlers[operationHandle]
	p.mu.RUnlock()
	if !ok {
		return nil, model.InvocationErrorInvalidValue, fmt.Errorf("roles: no SetContextState handler for %q", operationHandle)
	}
	if p.store.GetDescriptor(operationTarget) == nil {
		return nil, model.InvocationErrorInvalidValue, fmt.Errorf("roles: unknown context descriptor %q", operationTarget)
	}
	return p.runInTransaction(func(tx *transaction.Transaction) ([]string, model.InvocationError, error) {
		return h(tx, operationTarget, proposed)
	})
}

// InvokeSetMetricState runs the registered handler for operationHandle.
func (p *Provider) InvokeSetMetricState(ctx context.Context, operationHandle, operationTarget string, proposed model.MetricState) ([]string, model.InvocationError, error) {
	p.mu.RLock()
	h, ok := p.setMetricHandlers[operationHandle]
	p.mu.RUnlock()
	if !ok {
		return nil, model.InvocationErrorInvalidValue, fmt.Errorf("roles: no SetMetricState handler for %q", operationHandle)
	}
	return p.runInTransaction(func(tx *transaction.Transaction) ([]string, model.InvocationError, error) {
		return h(tx, operationTarget, proposed)
	})
}

// runInTransaction begins a transaction, runs fn, and commits on success.
// A domain-level failure (non-nil InvocationError or error) rolls the
// transaction back instead of committing it, since a Fail invocation must
// not mutate the MDIB.
func (p *Provider) runInTransaction(fn func(tx *transaction.Transaction) ([]string, model.InvocationError, error)) ([]string, model.InvocationError, error) {
	tx := p.txMgr.Begin()
	targets, invErr, err := fn(tx)
	if err != nil || invErr != model.InvocationErrorNone {
		tx.Rollback()
		return targets, invErr, err
	}
	cs, commitErr := tx.Commit()
	if commitErr != nil {
		return nil, model.InvocationErrorOther, commitErr
	}
	if cs != nil && p.onChangeSet != nil {
		p.onChangeSet(cs)
	}
	return targets, model.InvocationErrorNone, nil
}

// StartWaveformTicker launches the periodic waveform emission loop (§4.J):
// every WaveformInterval it asks each registered WaveformSource for a fresh
// sample bundle and writes it through a transaction's waveform bucket,
// which the subscription manager treats as lossy-ordered traffic.
func (p *Provider) StartWaveformTicker(ctx context.Context) {
	ticker := time.NewTicker(p.waveformInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.emitWaveformTick()
			}
		}
	}()
}

func (p *Provider) emitWaveformTick() {
	p.mu.RLock()
	sources := make(map[string]WaveformSource, len(p.waveformSources))
	for k, v := range p.waveformSources {
		sources[k] = v
	}
	p.mu.RUnlock()
	if len(sources) == 0 {
		return
	}

	tx := p.txMgr.Begin()
	wrote := false
	for handle, src := range sources {
		samples, ok := src.NextSamples(handle)
		if !ok {
			continue
		}
		// Cloned from the committed store directly rather than via
		// tx.GetState: staging through the transaction's normal state
		// map would route this update into the metric bucket on commit,
		// double-reporting it outside the lossy waveform bucket.
		current := p.store.GetState(handle)
		if current == nil {
			logger.RoleLog.WithField("handle", handle).Debug("waveform source has no matching state, skipping tick")
			continue
		}
		state := current.Clone()
		state.StateVersion++
		if state.Metric == nil {
			state.Metric = &model.MetricState{}
		}
		state.Metric.Samples = samples
		tx.WriteWaveformState(*state)
		wrote = true
	}
	if !wrote {
		tx.Rollback()
		return
	}
	cs, err := tx.Commit()
	if err != nil {
		logger.RoleLog.WithError(err).Error("failed to commit waveform tick")
		return
	}
	if cs != nil && p.onChangeSet != nil {
		p.onChangeSet(cs)
	}
}

// StartAlertTicker launches the periodic alert-condition evaluation loop:
// every AlertInterval it asks each registered AlertSource for its current
// presence/activation state and commits the change through a transaction,
// producing an EpisodicAlertReport when anything actually changed.
func (p *Provider) StartAlertTicker(ctx context.Context) {
	ticker := time.NewTicker(p.alertInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.emitAlertTick()
			}
		}
	}()
}

func (p *Provider) emitAlertTick() {
	p.mu.RLock()
	sources := make(map[string]AlertSource, len(p.alertSources))
	for k, v := range p.alertSources {
		sources[k] = v
	}
	p.mu.RUnlock()
	if len(sources) == 0 {
		return
	}

	tx := p.txMgr.Begin()
	touched := false
	for handle, src := range sources {
		presence, activationState, ok := src.Evaluate(handle)
		if !ok {
			continue
		}
		state, err := tx.GetState(handle)
		if err != nil {
			logger.RoleLog.WithField("handle", handle).Debug("alert source has no matching state, skipping tick")
			continue
		}
		if state.Alert == nil {
			state.Alert = &model.AlertState{}
		}
		if state.Alert.Presence == presence && state.Alert.ActivationState == activationState {
			continue
		}
		state.Alert.Presence = presence
		state.Alert.ActivationState = activationState
		touched = true
	}
	if !touched {
		tx.Rollback()
		return
	}
	cs, err := tx.Commit()
	if err != nil {
		logger.RoleLog.WithError(err).Error("failed to commit alert tick")
		return
	}
	if cs != nil && p.onChangeSet != nil {
		p.onChangeSet(cs)
	}
}

// Stop halts the waveform and alert tickers. Safe to call multiple times.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
