// Package mdib implements the versioned descriptor/state tree described in
// §4.C: the authoritative store on a provider, and the mirrored store kept
// by a consumer's report processor. Both roles share the same type because
// both need the same indices and the same invariant checks; the only
// difference is who calls ApplyChangeSet (the transaction manager on the
// provider, the report processor on the consumer).
package mdib

import (
	"fmt"
	"sync"

	"github.com/Draegerwerk/sdc11073/internal/model"
)

// Mdib is the in-memory descriptor/state tree plus its indices. All export
// methods are safe for concurrent use.
type Mdib struct {
	mu sync.RWMutex

	sequenceID  string
	instanceID  *uint64
	mdibVersion uint64

	descriptors   map[string]*model.Descriptor
	singleStates  map[string]*model.State            // descriptor handle -> state, for non-context kinds
	contextStates map[string]map[string]*model.State // descriptor handle -> state handle -> state

	childrenOf map[string][]string // parent handle -> child handles, insertion order
	byCode     map[string][]string // code id -> descriptor handles
}

// New creates an empty Mdib identified by sequenceID (§3.1: the sequence id
// is stable for the lifetime of one provider process).
func New(sequenceID string) *Mdib {
	return &Mdib{
		sequenceID:    sequenceID,
		descriptors:   make(map[string]*model.Descriptor),
		singleStates:  make(map[string]*model.State),
		contextStates: make(map[string]map[string]*model.State),
		childrenOf:    make(map[string][]string),
		byCode:        make(map[string][]string),
	}
}

// SequenceID returns the MDIB sequence id.
func (m *Mdib) SequenceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sequenceID
}

// MdibVersion returns the current committed mdib_version.
func (m *Mdib) MdibVersion() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mdibVersion
}

// InstanceID returns the current instance id, or nil if none has been set
// (a provider only sets one after a sequence-id change, §4.E).
func (m *Mdib) InstanceID() *uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.instanceID == nil {
		return nil
	}
	v := *m.instanceID
	return &v
}

// GetDescriptor returns a clone of the descriptor with the given handle, or
// nil if unknown.
func (m *Mdib) GetDescriptor(handle string) *model.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.descriptors[handle].Clone()
}

// GetState returns a clone of the single state bound to the descriptor with
// the given handle, or nil if unknown or if the descriptor is a context
// kind (use ContextStates for those).
func (m *Mdib) GetState(descriptorHandle string) *model.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.singleStates[descriptorHandle].Clone()
}

// ContextStates returns clones of every state currently associated with the
// given context descriptor handle, in no particular order.
func (m *Mdib) ContextStates(descriptorHandle string) []model.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.contextStates[descriptorHandle]
	out := make([]model.State, 0, len(bucket))
	for _, st := range bucket {
		out = append(out, *st.Clone())
	}
	return out
}

// Children returns the handles of the direct children of parentHandle, in
// the order they were created. An empty parentHandle returns the mds root
// handles.
func (m *Mdib) Children(parentHandle string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.childrenOf[parentHandle]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// DescriptorsByCode returns the handles of descriptors carrying the given
// code id.
func (m *Mdib) DescriptorsByCode(codeID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.byCode[codeID]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// MdDescription returns a clone of every descriptor currently in the tree,
// the payload of a GetMdDescriptionResponse.
func (m *Mdib) MdDescription() []model.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Descriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		out = append(out, *d.Clone())
	}
	return out
}

// MdState returns a clone of every single and context state currently in
// the tree, the payload of a GetMdStateResponse.
func (m *Mdib) MdState() []model.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.State, 0, len(m.singleStates))
	for _, s := range m.singleStates {
		out = append(out, *s.Clone())
	}
	for _, bucket := range m.contextStates {
		for _, s := range bucket {
			out = append(out, *s.Clone())
		}
	}
	return out
}

// ContainmentTreeNode is one entry of the reconstructed MDS->VMD->Channel->
// leaf hierarchy, the payload of a GetContainmentTreeResponse.
type ContainmentTreeNode struct {
	Handle   string
	Kind     model.Kind
	CodeID   string
	Children []ContainmentTreeNode
}

// ContainmentTree reconstructs the containment hierarchy rooted at every
// mds-level descriptor (empty ParentHandle), walking the parent index
// depth-first in insertion order.
func (m *Mdib) ContainmentTree() []ContainmentTreeNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subtree("")
}

func (m *Mdib) subtree(parentHandle string) []ContainmentTreeNode {
	children := m.childrenOf[parentHandle]
	out := make([]ContainmentTreeNode, 0, len(children))
	for _, h := range children {
		d := m.descriptors[h]
		if d == nil {
			continue
		}
		out = append(out, ContainmentTreeNode{
			Handle:   d.Handle,
			Kind:     d.Kind,
			CodeID:   d.CodeID,
			Children: m.subtree(h),
		})
	}
	return out
}

// Snapshot is a point-in-time, independently-mutable copy of the whole tree
// plus its version stamp, the payload of a GetMdibResponse (§4.C, §4.E
// bootstrap/gap-recovery).
type Snapshot struct {
	SequenceID  string
	InstanceID  *uint64
	MdibVersion uint64

	Descriptors   []model.Descriptor
	SingleStates  []model.State
	ContextStates []model.State
}

// Snapshot returns a consistent, independently-mutable copy of the whole
// tree under a single read lock.
func (m *Mdib) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		SequenceID:  m.sequenceID,
		MdibVersion: m.mdibVersion,
	}
	if m.instanceID != nil {
		v := *m.instanceID
		snap.InstanceID = &v
	}
	for _, d := range m.descriptors {
		snap.Descriptors = append(snap.Descriptors, *d.Clone())
	}
	for _, s := range m.singleStates {
		snap.SingleStates = append(snap.SingleStates, *s.Clone())
	}
	for _, bucket := range m.contextStates {
		for _, s := range bucket {
			snap.ContextStates = append(snap.ContextStates, *s.Clone())
		}
	}
	return snap
}

// LoadSnapshot replaces the whole tree with snap's contents. Used by a
// consumer's report processor after a GetMdib bootstrap or a gap-recovery
// refetch (§4.E).
func (m *Mdib) LoadSnapshot(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequenceID = snap.SequenceID
	m.instanceID = snap.InstanceID
	m.mdibVersion = snap.MdibVersion
	m.descriptors = make(map[string]*model.Descriptor, len(snap.Descriptors))
	m.singleStates = make(map[string]*model.State)
	m.contextStates = make(map[string]map[string]*model.State)
	m.childrenOf = make(map[string][]string)
	m.byCode = make(map[string][]string)

	for i := range snap.Descriptors {
		d := snap.Descriptors[i].Clone()
		m.descriptors[d.Handle] = d
		m.childrenOf[d.ParentHandle] = append(m.childrenOf[d.ParentHandle], d.Handle)
		if d.CodeID != "" {
			m.byCode[d.CodeID] = append(m.byCode[d.CodeID], d.Handle)
		}
	}
	for i := range snap.SingleStates {
		s := snap.SingleStates[i].Clone()
		m.singleStates[s.DescriptorHandle] = s
	}
	for i := range snap.ContextStates {
		s := snap.ContextStates[i].Clone()
		if m.contextStates[s.DescriptorHandle] == nil {
			m.contextStates[s.DescriptorHandle] = make(map[string]*model.State)
		}
		m.contextStates[s.DescriptorHandle][s.Handle] = s
	}
}

// ApplyChangeSet merges a committed change-set into the tree. It is the
// single mutator of Mdib: the transaction manager calls it once per commit
// on the provider side, and the report processor calls it once per applied
// report on the consumer side. Callers are responsible for ordering
// (invariant 6 requires cs.MdibVersion == current+1); ApplyChangeSet
// enforces that and the checks of validateChangeSet (invariants 1, 2 and
// 4) and refuses the whole change-set if any of them fails, leaving the
// tree untouched.
func (m *Mdib) ApplyChangeSet(cs *model.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cs.MdibVersion != m.mdibVersion+1 {
		return fmt.Errorf("mdib: non-contiguous mdib_version: have %d, got %d", m.mdibVersion, cs.MdibVersion)
	}
	if err := m.validateChangeSet(cs); err != nil {
		return err
	}

	if cs.DescriptorUpdates != nil {
		for i := range cs.DescriptorUpdates.Deleted {
			m.removeDescriptorSubtree(cs.DescriptorUpdates.Deleted[i])
		}
		for i := range cs.DescriptorUpdates.Created {
			m.insertDescriptor(cs.DescriptorUpdates.Created[i].Clone())
		}
		for i := range cs.DescriptorUpdates.Updated {
			d := cs.DescriptorUpdates.Updated[i].Clone()
			m.descriptors[d.Handle] = d
		}
		for i := range cs.DescriptorUpdates.States {
			m.applyState(cs.DescriptorUpdates.States[i].Clone())
		}
	}
	for _, bucket := range [][]model.State{
		cs.MetricUpdates, cs.AlertUpdates, cs.ComponentUpdates,
		cs.OperationalUpdates, cs.ContextUpdates, cs.WaveformUpdates,
	} {
		for i := range bucket {
			m.applyState(bucket[i].Clone())
		}
	}

	m.sequenceID = cs.SequenceID
	if cs.InstanceID != nil {
		v := *cs.InstanceID
		m.instanceID = &v
	}
	m.mdibVersion = cs.MdibVersion
	return nil
}

// ApplyWaveformChangeSet merges a single waveform state update outside the
// strict mdib_version contiguity check: §4.E treats the waveform stream as
// lossy, so a consumer that missed an earlier sample must keep applying
// later ones rather than blocking on (or gap-recovering over) the hole.
// The reported mdib_version only ever moves forward, never backward.
func (m *Mdib) ApplyWaveformChangeSet(cs *model.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range cs.WaveformUpdates {
		s := &cs.WaveformUpdates[i]
		if m.descriptors[s.DescriptorHandle] == nil {
			return fmt.Errorf("mdib: waveform state references unknown descriptor %q", s.DescriptorHandle)
		}
	}
	for i := range cs.WaveformUpdates {
		m.applyState(cs.WaveformUpdates[i].Clone())
	}
	if cs.MdibVersion > m.mdibVersion {
		m.mdibVersion = cs.MdibVersion
	}
	return nil
}

func (m *Mdib) applyState(s *model.State) {
	if s.Kind.IsContext() {
		if m.contextStates[s.DescriptorHandle] == nil {
			m.contextStates[s.DescriptorHandle] = make(map[string]*model.State)
		}
		if s.Context != nil && s.Context.Association != model.ContextAssociationAssoc &&
			s.Context.Association != model.ContextAssociationPre {
			// Dis/No states remain addressable for history but are no
			// longer the active association; keep them, invariant 4 only
			// bounds concurrently-Assoc states.
		}
		m.contextStates[s.DescriptorHandle][s.Handle] = s
		return
	}
	m.singleStates[s.DescriptorHandle] = s
}

func (m *Mdib) insertDescriptor(d *model.Descriptor) {
	m.descriptors[d.Handle] = d
	m.childrenOf[d.ParentHandle] = append(m.childrenOf[d.ParentHandle], d.Handle)
	if d.CodeID != "" {
		m.byCode[d.CodeID] = append(m.byCode[d.CodeID], d.Handle)
	}
}

// removeDescriptorSubtree deletes handle and every descendant, along with
// their states, so no state or child outlives its descriptor (invariants 1
// and 2).
func (m *Mdib) removeDescriptorSubtree(handle string) {
	for _, child := range m.childrenOf[handle] {
		m.removeDescriptorSubtree(child)
	}
	d := m.descriptors[handle]
	if d == nil {
		return
	}
	delete(m.descriptors, handle)
	delete(m.singleStates, handle)
	delete(m.contextStates, handle)
	delete(m.childrenOf, handle)
	if d.CodeID != "" {
		siblings := m.byCode[d.CodeID]
		for i, h := range siblings {
			if h == handle {
				m.byCode[d.CodeID] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	if parent := m.childrenOf[d.ParentHandle]; parent != nil {
		for i, h := range parent {
			if h == handle {
				m.childrenOf[d.ParentHandle] = append(parent[:i], parent[i+1:]...)
				break
			}
		}
	}
}

// validateChangeSet checks invariants 1 (state must reference a known
// descriptor; the kinds are not compared), 2 (parent must exist unless it
// is the created descriptor's own creation alongside its parent in the same
// change-set) and 4 (singleton context association) before anything is
// mutated.
func (m *Mdib) validateChangeSet(cs *model.ChangeSet) error {
	createdHandles := make(map[string]bool)
	deletedHandles := make(map[string]bool)
	if cs.DescriptorUpdates != nil {
		for i := range cs.DescriptorUpdates.Deleted {
			deletedHandles[cs.DescriptorUpdates.Deleted[i]] = true
		}
		for i := range cs.DescriptorUpdates.Created {
			d := &cs.DescriptorUpdates.Created[i]
			createdHandles[d.Handle] = true
			if d.ParentHandle == "" {
				continue // mds root
			}
			if m.descriptors[d.ParentHandle] == nil && !createdHandles[d.ParentHandle] {
				return fmt.Errorf("mdib: descriptor %q references unknown parent %q", d.Handle, d.ParentHandle)
			}
		}
		for i := range cs.DescriptorUpdates.States {
			s := &cs.DescriptorUpdates.States[i]
			if m.descriptors[s.DescriptorHandle] == nil && !createdHandles[s.DescriptorHandle] {
				return fmt.Errorf("mdib: state references unknown descriptor %q", s.DescriptorHandle)
			}
		}
	}
	for _, bucket := range [][]model.State{
		cs.MetricUpdates, cs.AlertUpdates, cs.ComponentUpdates,
		cs.OperationalUpdates, cs.ContextUpdates, cs.WaveformUpdates,
	} {
		for i := range bucket {
			s := &bucket[i]
			if m.descriptors[s.DescriptorHandle] == nil && !createdHandles[s.DescriptorHandle] {
				return fmt.Errorf("mdib: state references unknown descriptor %q", s.DescriptorHandle)
			}
			if deletedHandles[s.DescriptorHandle] {
				return fmt.Errorf("mdib: state references descriptor %q deleted in the same change-set", s.DescriptorHandle)
			}
		}
	}

	for i := range cs.ContextUpdates {
		s := &cs.ContextUpdates[i]
		if s.Context == nil || s.Context.Association != model.ContextAssociationAssoc {
			continue
		}
		d := m.descriptors[s.DescriptorHandle]
		if d == nil || !d.Kind.RequiresSingletonAssociation() {
			continue
		}
		for _, existing := range m.contextStates[s.DescriptorHandle] {
			if existing.Handle == s.Handle {
				continue
			}
			if existing.Context != nil && existing.Context.Association == model.ContextAssociationAssoc {
				return fmt.Errorf("mdib: descriptor %q already has an associated context state %q", s.DescriptorHandle, existing.Handle)
			}
		}
	}
	return nil
}
