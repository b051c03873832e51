// Package transaction implements the provider-side transaction manager
// (§4.D): the only legal way to mutate a provider's MDIB. A Transaction
// stages clones of whatever it touches, and Commit turns the staged clones
// into a single ChangeSet that is applied to the MDIB and returned to the
// caller. Commit itself does not deliver the ChangeSet to subscribers;
// internal/roles passes the change-sets of the commits it makes to its
// Options.OnChangeSet hook.
//
// Any code that wants to change a provider's MDIB state must go through a
// Transaction; internal/mdib.Mdib.ApplyChangeSet is not meant to be called
// directly outside of Manager.Commit and the consumer-side report
// processor.
package transaction

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/internal/mdib"
	"github.com/Draegerwerk/sdc11073/internal/model"
)

// Manager owns the single commit lock for one provider's MDIB (§4.D: "a
// single serialization point"). Begin takes the lock and Commit/Rollback
// release it, so transactions from different goroutines block against each
// other for the whole transaction lifetime, which keeps the staged clones
// consistent with exactly one committed view at a time.
type Manager struct {
	store *mdib.Mdib

	commitMu sync.Mutex
}

// New creates a transaction manager bound to store.
func New(store *mdib.Mdib) *Manager {
	return &Manager{store: store}
}

// Begin starts a new transaction against the bound store, holding the
// commit lock until Commit or Rollback releases it.
func (m *Manager) Begin() *Transaction {
	m.commitMu.Lock()
	return &Transaction{
		mgr:                m,
		store:              m.store,
		touchedDescriptors: make(map[string]*model.Descriptor),
		touchedStates:      make(map[string]*model.State),
		touchedContextStates: make(map[string]*model.State),
	}
}

// Transaction stages mutations against the bound Mdib; nothing is visible
// to readers of the Mdib until Commit succeeds.
type Transaction struct {
	mgr   *Manager
	store *mdib.Mdib

	touchedDescriptors   map[string]*model.Descriptor // handle -> staged clone
	touchedStates        map[string]*model.State      // descriptor handle -> staged single state
	touchedContextStates map[string]*model.State      // state handle -> staged context state

	createdDescriptors []model.Descriptor
	deletedDescriptors []string
	createdStates      []model.State

	waveformStates []model.State

	done bool
}

func (tx *Transaction) release() {
	if !tx.done {
		tx.done = true
		tx.mgr.commitMu.Unlock()
	}
}

// GetDescriptor stages and returns a mutable clone of the descriptor with
// the given handle. Repeated calls within one transaction return the same
// staged clone (copy-on-touch is idempotent per transaction).
func (tx *Transaction) GetDescriptor(handle string) (*model.Descriptor, error) {
	if staged, ok := tx.touchedDescriptors[handle]; ok {
		return staged, nil
	}
	d := tx.store.GetDescriptor(handle)
	if d == nil {
		return nil, fmt.Errorf("transaction: unknown descriptor %q", handle)
	}
	tx.touchedDescriptors[handle] = d
	return d, nil
}

// GetState stages and returns a mutable clone of the single state bound to
// descriptorHandle.
func (tx *Transaction) GetState(descriptorHandle string) (*model.State, error) {
	if staged, ok := tx.touchedStates[descriptorHandle]; ok {
		return staged, nil
	}
	s := tx.store.GetState(descriptorHandle)
	if s == nil {
		return nil, fmt.Errorf("transaction: unknown state for descriptor %q", descriptorHandle)
	}
	tx.touchedStates[descriptorHandle] = s
	return s, nil
}

// GetContextState stages and returns a mutable clone of the context state
// identified by stateHandle.
func (tx *Transaction) GetContextState(descriptorHandle, stateHandle string) (*model.State, error) {
	if staged, ok := tx.touchedContextStates[stateHandle]; ok {
		return staged, nil
	}
	for _, s := range tx.store.ContextStates(descriptorHandle) {
		if s.Handle == stateHandle {
			clone := s.Clone()
			tx.touchedContextStates[stateHandle] = clone
			return clone, nil
		}
	}
	return nil, fmt.Errorf("transaction: unknown context state %q for descriptor %q", stateHandle, descriptorHandle)
}

// NewContextState creates a fresh, not-yet-associated context state for
// descriptorHandle with a freshly generated handle, staged for this
// transaction.
func (tx *Transaction) NewContextState(descriptorHandle string) (*model.State, error) {
	d := tx.store.GetDescriptor(descriptorHandle)
	if d == nil {
		return nil, fmt.Errorf("transaction: unknown context descriptor %q", descriptorHandle)
	}
	if !d.Kind.IsContext() {
		return nil, fmt.Errorf("transaction: descriptor %q is not a context descriptor", descriptorHandle)
	}
	s := &model.State{
		Handle:           uuid.NewString(),
		DescriptorHandle: descriptorHandle,
		Kind:             d.Kind,
		Context:          &model.ContextState{Association: model.ContextAssociationNo},
	}
	tx.touchedContextStates[s.Handle] = s
	return s, nil
}

// CreateDescriptor stages the creation of a new descriptor and its initial
// state (required for every kind except context kinds, which start with no
// states at all). The parent must already exist in the committed store or
// be staged for creation earlier in the same transaction.
func (tx *Transaction) CreateDescriptor(d model.Descriptor, initialState *model.State) error {
	if d.ParentHandle != "" {
		if tx.store.GetDescriptor(d.ParentHandle) == nil && !tx.isStagedForCreation(d.ParentHandle) {
			return fmt.Errorf("transaction: parent %q of new descriptor %q does not exist", d.ParentHandle, d.Handle)
		}
	}
	tx.createdDescriptors = append(tx.createdDescriptors, d)
	if initialState != nil {
		tx.createdStates = append(tx.createdStates, *initialState)
	}
	return nil
}

func (tx *Transaction) isStagedForCreation(handle string) bool {
	for i := range tx.createdDescriptors {
		if tx.createdDescriptors[i].Handle == handle {
			return true
		}
	}
	return false
}

// DeleteDescriptor stages the deletion of handle and its whole subtree.
func (tx *Transaction) DeleteDescriptor(handle string) error {
	if tx.store.GetDescriptor(handle) == nil {
		return fmt.Errorf("transaction: unknown descriptor %q", handle)
	}
	tx.deletedDescriptors = append(tx.deletedDescriptors, handle)
	return nil
}

// WriteWaveformState stages a RealTimeSampleArrayMetric state into the
// waveform bucket rather than the metric bucket (§4.D special rule): the
// subscription manager treats Waveform delivery as lossy-ordered, so
// waveform samples must never be mixed into EpisodicMetricReport.
func (tx *Transaction) WriteWaveformState(s model.State) {
	tx.waveformStates = append(tx.waveformStates, s)
}

// Commit finalizes the transaction: it bumps the version of every staged
// descriptor and state by exactly one (invariant 5), assembles the
// resulting ChangeSet, applies it to the bound Mdib, and releases the
// commit lock. A transaction that staged nothing is a no-op: Commit returns
// a nil ChangeSet and releases the lock without touching the store.
func (tx *Transaction) Commit() (*model.ChangeSet, error) {
	defer tx.release()
	if tx.done {
		return nil, errors.New("transaction: already committed or rolled back")
	}

	cs := &model.ChangeSet{MdibVersion: tx.store.MdibVersion() + 1, SequenceID: tx.store.SequenceID()}

	var descChanges *model.DescriptorChangeSet
	if len(tx.createdDescriptors) > 0 || len(tx.deletedDescriptors) > 0 || len(tx.touchedDescriptors) > 0 {
		descChanges = &model.DescriptorChangeSet{Deleted: tx.deletedDescriptors}
		for i := range tx.createdDescriptors {
			d := tx.createdDescriptors[i]
			d.DescriptorVersion = 0
			descChanges.Created = append(descChanges.Created, d)
		}
		for _, d := range tx.touchedDescriptors {
			d.DescriptorVersion++
			d.SourceXML = nil
			descChanges.Updated = append(descChanges.Updated, *d)
		}
		descChanges.States = append(descChanges.States, tx.createdStates...)
	}
	cs.DescriptorUpdates = descChanges

	for _, s := range tx.touchedStates {
		s.StateVersion++
		s.BindingMdibVersion = cs.MdibVersion
		s.SourceXML = nil
		tx.routeState(cs, *s)
	}
	for _, s := range tx.touchedContextStates {
		s.StateVersion++
		s.SourceXML = nil
		if s.Context != nil && s.Context.Association == model.ContextAssociationAssoc {
			wasAssoc := false
			for _, old := range tx.store.ContextStates(s.DescriptorHandle) {
				if old.Handle == s.Handle && old.Context != nil && old.Context.Association == model.ContextAssociationAssoc {
					wasAssoc = true
				}
			}
			if !wasAssoc {
				s.BindingMdibVersion = cs.MdibVersion
			}
		}
		cs.ContextUpdates = append(cs.ContextUpdates, *s)
	}
	for i := range tx.waveformStates {
		s := tx.waveformStates[i]
		s.BindingMdibVersion = cs.MdibVersion
		s.SourceXML = nil
		cs.WaveformUpdates = append(cs.WaveformUpdates, s)
	}

	if cs.IsEmpty() {
		logger.TransactionLog.Debug("commit of empty transaction, nothing applied")
		return nil, nil
	}
	if err := tx.store.ApplyChangeSet(cs); err != nil {
		return nil, errors.Wrap(err, "transaction: commit")
	}
	logger.TransactionLog.WithField("mdib_version", cs.MdibVersion).Debug("transaction committed")
	return cs, nil
}

// routeState appends s to the ChangeSet bucket matching its Kind.
func (tx *Transaction) routeState(cs *model.ChangeSet, s model.State) {
	switch {
	case s.Kind.IsMetric():
		cs.MetricUpdates = append(cs.MetricUpdates, s)
	case s.Kind.IsAlert():
		cs.AlertUpdates = append(cs.AlertUpdates, s)
	case s.Kind.IsOperation():
		cs.OperationalUpdates = append(cs.OperationalUpdates, s)
	case s.Kind == model.KindMds || s.Kind == model.KindVmd || s.Kind == model.KindChannel || s.Kind == model.KindSco:
		cs.ComponentUpdates = append(cs.ComponentUpdates, s)
	default:
		cs.ComponentUpdates = append(cs.ComponentUpdates, s)
	}
}

// Rollback discards every staged change and releases the commit lock
// without touching the store.
func (tx *Transaction) Rollback() {
	defer tx.release()
	if tx.done {
		return
	}
	logger.TransactionLog.Debug("transaction rolled back")
}
