package dpa

import (
	"fmt"
	"sync"
)

// duarKey identifies one doorbell-to-event mapping (spec §4.4
// "Doorbell-to-event mapping (DUAR)": "associates a
// (emulated_vhca_id, queue_id) with a DPA-mapped completion queue").
type duarKey struct {
	vhcaID  uint16
	queueID uint16
}

// DUARRegistry maps emulated (vhca_id, queue_id) pairs to the DPA
// thread whose completion queue a host doorbell write should wake.
type DUARRegistry struct {
	mu      sync.Mutex
	entries map[duarKey]*Thread
	nextID  uint32
}

func NewDUARRegistry() *DUARRegistry {
	return &DUARRegistry{entries: make(map[duarKey]*Thread)}
}

// Register creates a DUAR mapping vhcaID/queueID's doorbell to thread's
// completion queue, returning an opaque DUAR id (spec §4.4 step 1:
// "creates a DUAR mapping the virtq doorbell to the thread's CQ").
func (r *DUARRegistry) Register(vhcaID, queueID uint16, thread *Thread) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries[duarKey{vhcaID, queueID}] = thread
	return r.nextID
}

// Unregister removes the mapping for vhcaID/queueID.
func (r *DUARRegistry) Unregister(vhcaID, queueID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, duarKey{vhcaID, queueID})
}

// Doorbell returns the DPA thread mapped to (vhcaID, queueID), or an
// error if no mapping exists. It only resolves the mapping: it does not
// post a completion to the thread or wake it.
func (r *DUARRegistry) Doorbell(vhcaID, queueID uint16) (*Thread, error) {
	r.mu.Lock()
	thread := r.entries[duarKey{vhcaID, queueID}]
	r.mu.Unlock()
	if thread == nil {
		return nil, fmt.Errorf("dpa: no DUAR mapping for vhca=%d queue=%d", vhcaID, queueID)
	}
	return thread, nil
}
