package nvme

import (
	"sync"
	"sync/atomic"

	"github.com/vhostnvme/nvme/internal/nvmeabi"
)

// submissionQueue is a guest-memory ring of 64-byte commands (spec.md §3).
// head/tail/busy are atomics with no surrounding lock — the `busy` CAS
// try-lock is what serializes the executor loop against itself per-SQ; see
// spec.md §9 on why this must not be collapsed into a single mutex.
type submissionQueue struct {
	qbase []byte // guest memory backing size*CommandLen bytes; nil when unmapped
	size  uint32 // entries
	cqid  uint16
	prio  uint8

	head atomic.Uint32 // emulator's consumer progress
	tail atomic.Uint32 // guest's producer progress
	busy atomic.Uint32 // 0/1 CAS try-lock
}

func (sq *submissionQueue) mapped() bool { return sq.qbase != nil }

func (sq *submissionQueue) reset() {
	sq.qbase = nil
	sq.size = 0
	sq.cqid = 0
	sq.head.Store(0)
	sq.tail.Store(0)
	sq.busy.Store(0)
}

// tryLock attempts the CAS try-lock; returns false if another executor is
// already draining this SQ.
func (sq *submissionQueue) tryLock() bool {
	return sq.busy.CompareAndSwap(0, 1)
}

func (sq *submissionQueue) unlock() { sq.busy.Store(0) }

func (sq *submissionQueue) commandAt(idx uint32) nvmeabi.Command {
	off := int(idx) * nvmeabi.CommandLen
	return nvmeabi.DecodeCommand(sq.qbase[off : off+nvmeabi.CommandLen])
}

// completionQueue is a guest-memory ring of 16-byte completions, with a
// mutex guarding posting and phase-bit toggling (spec.md §3, §4.2).
type completionQueue struct {
	mu sync.Mutex

	qbase   []byte
	size    uint32
	tail    uint32 // emulator's producer progress, guarded by mu
	intVec  uint16
	intEn   bool // INTEN
	intCoal bool // INTCOAL
	phase   uint32 // current phase bit value for the next posted entry

	head atomic.Uint32 // guest's consumer progress, doorbell-written
}

func (cq *completionQueue) mapped() bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.qbase != nil
}

func (cq *completionQueue) reset() {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.qbase = nil
	cq.size = 0
	cq.tail = 0
	cq.intVec = 0
	cq.intEn = false
	cq.intCoal = false
	cq.phase = 1 // guest expects phase 1 on the first completion after (re)enable
	cq.head.Store(0)
}

// post writes one completion entry, toggling the phase bit on wrap and
// advancing the tail, then reports whether an interrupt should fire and on
// which vector. Returns ok=false if the CQ is unmapped (a controller reset
// raced with an in-flight I/O's completion callback — spec.md §5
// "Cancellation": the implementation must detect null qbase and drop
// silently).
func (cq *completionQueue) post(sqhd uint16, sqid uint16, cid uint16, status nvmeabi.Status) (vector uint16, fire bool, ok bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.qbase == nil {
		return 0, false, false
	}

	entry := nvmeabi.Completion{
		SQHD:   sqhd,
		SQID:   sqid,
		CID:    cid,
		Status: status,
		Phase:  cq.phase != 0,
	}
	off := int(cq.tail) * nvmeabi.CompletionLen
	entry.Encode(cq.qbase[off : off+nvmeabi.CompletionLen])

	cq.tail++
	if cq.tail >= cq.size {
		cq.tail = 0
		cq.phase ^= 1
	}

	return cq.intVec, cq.intEn, true
}
