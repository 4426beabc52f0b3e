//go:build linux

package iouring

import (
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/vhostnvme/nvme/internal/iouring/internal/sys"
)

// getSQE returns the next free SQE slot. Caller must hold sqLock.
func (r *Ring) getSQE() *sys.SQE {
	head := atomic.LoadUint32(r.sqHead)
	tail := r.sqPending + atomic.LoadUint32(r.sqTail)
	if tail-head >= r.sqEntries {
		return nil
	}
	idx := tail & r.sqMask
	sqe := &r.sqes[idx]
	sqe.Reset()
	r.sqArray[idx] = idx
	r.sqPending++
	return sqe
}

// PrepReadv queues a vectored read at the given file offset.
func (r *Ring) PrepReadv(fd int, iovecs []syscall.Iovec, offset uint64, userData uint64) error {
	r.sqLock.Lock()
	defer r.sqLock.Unlock()

	sqe := r.getSQE()
	if sqe == nil {
		return ErrSQFull
	}
	sqe.Opcode = uint8(sys.IORING_OP_READV)
	sqe.Fd = int32(fd)
	sqe.Off = offset
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&iovecs[0])))
	sqe.Len = uint32(len(iovecs))
	sqe.UserData = userData
	return nil
}

// PrepWritev queues a vectored write at the given file offset.
func (r *Ring) PrepWritev(fd int, iovecs []syscall.Iovec, offset uint64, userData uint64) error {
	r.sqLock.Lock()
	defer r.sqLock.Unlock()

	sqe := r.getSQE()
	if sqe == nil {
		return ErrSQFull
	}
	sqe.Opcode = uint8(sys.IORING_OP_WRITEV)
	sqe.Fd = int32(fd)
	sqe.Off = offset
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&iovecs[0])))
	sqe.Len = uint32(len(iovecs))
	sqe.UserData = userData
	return nil
}

// PrepFsync queues a flush of fd to stable storage.
func (r *Ring) PrepFsync(fd int, userData uint64) error {
	r.sqLock.Lock()
	defer r.sqLock.Unlock()

	sqe := r.getSQE()
	if sqe == nil {
		return ErrSQFull
	}
	sqe.Opcode = uint8(sys.IORING_OP_FSYNC)
	sqe.Fd = int32(fd)
	sqe.UserData = userData
	return nil
}
