//go:build linux

package iouring

import "sync/atomic"

// PeekCQE returns the oldest unseen completion without consuming it. A
// closed ring reports no completion.
func (r *Ring) PeekCQE() (userData uint64, res int32, ok bool) {
	if r.closed.Load() {
		return 0, 0, false
	}
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	if head == tail {
		return 0, 0, false
	}
	cqe := &r.cqes[head&r.cqMask]
	return cqe.UserData, cqe.Res, true
}

// SeenCQE advances the CQ head past the most recently peeked entry.
func (r *Ring) SeenCQE() {
	head := atomic.LoadUint32(r.cqHead)
	atomic.StoreUint32(r.cqHead, head+1)
}

// WaitCQE blocks until at least one completion is available.
func (r *Ring) WaitCQE() (userData uint64, res int32, err error) {
	for {
		if ud, res, ok := r.PeekCQE(); ok {
			return ud, res, nil
		}
		if _, err := r.SubmitAndWait(1); err != nil {
			return 0, 0, err
		}
	}
}

// ResultError converts a negative io_uring result into a Go error.
func ResultError(res int32) error {
	if res >= 0 {
		return nil
	}
	return syscallErrno(-res)
}
