package nvme

import (
	"sync"
)

// ioRequest mirrors pci_nvme_ioreq: a preallocated descriptor carrying the
// PRP-derived iovec for one in-flight I/O, plus the condition variable
// used when a transfer is too large for one batch and must drain
// mid-build (spec.md §3, §4.3).
type ioRequest struct {
	ctrl *Controller
	sq   *submissionQueue
	sqid uint16

	opc  uint8
	cid  uint16
	nsid uint32

	walk prpWalkResult

	mu   sync.Mutex
	cv   *sync.Cond
	busy bool // true while a partial-I/O drain is in flight

	onDone func(IOCompletion)
}

func newIORequest() *ioRequest {
	r := &ioRequest{}
	r.cv = sync.NewCond(&r.mu)
	return r
}

// reset clears per-command state before reuse, leaving the cond var intact.
func (r *ioRequest) reset() {
	r.ctrl = nil
	r.sq = nil
	r.sqid = 0
	r.opc = 0
	r.cid = 0
	r.nsid = 0
	r.walk.reset()
	r.busy = false
}

// waitDrain blocks until a partial-I/O completion callback signals that the
// backend has consumed the current batch (spec.md §4.3 overflow path).
func (r *ioRequest) waitDrain() {
	r.mu.Lock()
	for r.busy {
		r.cv.Wait()
	}
	r.mu.Unlock()
}

func (r *ioRequest) markBusy() {
	r.mu.Lock()
	r.busy = true
	r.mu.Unlock()
}

func (r *ioRequest) signalDrained() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
	r.cv.Signal()
}

// ioReqPool is a fixed-size pool of ioRequest descriptors gated by a
// counting semaphore (spec.md §4.4). The semaphore is a buffered channel,
// the idiomatic Go counting semaphore, used instead of a raw
// sync.Mutex+counter the way the teacher reaches for sync/atomic rather
// than over-synchronizing its own hot paths.
type ioReqPool struct {
	sem  chan struct{}
	mu   sync.Mutex // guards free list + pendingIOs, same granularity as Controller.mu's request bookkeeping
	free []*ioRequest

	pendingIOs int

	// onDrainedToZero is invoked (after mu is released) whenever pendingIOs reaches 0;
	// the controller uses it to complete a deferred CSTS.RDY transition
	// (spec.md §4.4, §4.7, §9 "Pending-enable interlock").
	onDrainedToZero func()
}

func newIOReqPool(slots int) *ioReqPool {
	p := &ioReqPool{sem: make(chan struct{}, slots)}
	for i := 0; i < slots; i++ {
		p.free = append(p.free, newIORequest())
		p.sem <- struct{}{}
	}
	return p
}

// acquire blocks on the semaphore, then pops the free list.
func (p *ioReqPool) acquire() *ioRequest {
	<-p.sem
	p.mu.Lock()
	r := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.pendingIOs++
	p.mu.Unlock()
	return r
}

// release returns a request to the free list and posts the semaphore.
func (p *ioReqPool) release(r *ioRequest) {
	r.reset()

	p.mu.Lock()
	p.free = append(p.free, r)
	p.pendingIOs--
	drained := p.pendingIOs == 0
	cb := p.onDrainedToZero
	p.mu.Unlock()

	p.sem <- struct{}{}

	if drained && cb != nil {
		cb()
	}
}

func (p *ioReqPool) freeListLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *ioReqPool) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingIOs
}
