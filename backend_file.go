//go:build linux

package nvme

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/vhostnvme/nvme/internal/iouring"
)

// NewBackendFromConfig selects and constructs the BlockBackend a parsed
// Config calls for (spec.md §6's one positional option): a RAM disk when
// RAMSizeBytes is set, a file/block-device backend when BackingPath is
// set. ParseConfigString guarantees at least one of the two is non-zero;
// when both are set, the RAM disk is chosen.
// This is the one exported path that turns its output into something
// New can be handed directly.
func NewBackendFromConfig(cfg Config) (BlockBackend, error) {
	if cfg.RAMSizeBytes > 0 {
		return newRAMBackend(cfg.RAMSizeBytes, cfg.SectorSize), nil
	}
	if cfg.BackingPath != "" {
		depth := uint32(cfg.IOSlots)
		if depth == 0 {
			depth = 8
		}
		return newFileBackend(cfg.BackingPath, cfg.SectorSize, depth)
	}
	return nil, fmt.Errorf("nvme: config has neither RAMSizeBytes nor BackingPath set")
}

// fileBackend is a file/block-device-backed BlockBackend driven by
// internal/iouring. Completions are asynchronous: a single background
// goroutine drains the ring and invokes each request's callback, modeled
// on go-ublk's Runner.ioLoop/processRequests pattern of priming submission
// and draining completions in one tight loop rather than one goroutine
// per I/O.
type fileBackend struct {
	f        *os.File
	fd       int
	ring     *iouring.Ring
	sectSize int
	size     int64

	mu      sync.Mutex
	pending map[uint64]func(IOCompletion)
	nextTag uint64

	closed atomic.Bool
	done   chan struct{}
}

// newFileBackend opens path and brings up a dedicated io_uring instance
// for it. depth bounds how many I/Os may be in flight at once.
func newFileBackend(path string, sectSize int, depth uint32) (*fileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	ring, err := iouring.New(depth)
	if err != nil {
		f.Close()
		return nil, err
	}

	b := &fileBackend{
		f:        f,
		fd:       int(f.Fd()),
		ring:     ring,
		sectSize: sectSize,
		size:     info.Size(),
		pending:  make(map[uint64]func(IOCompletion)),
		done:     make(chan struct{}),
	}
	go b.ioLoop()
	return b, nil
}

func (b *fileBackend) Size() int64     { return b.size }
func (b *fileBackend) SectorSize() int { return b.sectSize }

func (b *fileBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	err := b.ring.Close()
	<-b.done
	b.f.Close()
	return err
}

func (b *fileBackend) ReadAt(iov [][]byte, offset int64, done func(IOCompletion)) {
	b.submit(iov, offset, false, done)
}

func (b *fileBackend) WriteAt(iov [][]byte, offset int64, done func(IOCompletion)) {
	b.submit(iov, offset, true, done)
}

func (b *fileBackend) Flush(done func(IOCompletion)) {
	tag := b.registerPending(done)
	if err := b.ring.PrepFsync(b.fd, tag); err != nil {
		b.finish(tag, IOCompletion{Err: err})
		return
	}
	b.ring.Submit()
}

func (b *fileBackend) submit(iov [][]byte, offset int64, write bool, done func(IOCompletion)) {
	if b.closed.Load() {
		done(IOCompletion{Err: ErrBackendClosed})
		return
	}

	iovecs := toSyscallIovec(iov)
	tag := b.registerPending(done)

	var err error
	if write {
		err = b.ring.PrepWritev(b.fd, iovecs, uint64(offset), tag)
	} else {
		err = b.ring.PrepReadv(b.fd, iovecs, uint64(offset), tag)
	}
	if err != nil {
		b.finish(tag, IOCompletion{Err: err})
		return
	}
	b.ring.Submit()
}

func (b *fileBackend) registerPending(done func(IOCompletion)) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTag++
	tag := b.nextTag
	b.pending[tag] = done
	return tag
}

func (b *fileBackend) finish(tag uint64, ic IOCompletion) {
	b.mu.Lock()
	cb, ok := b.pending[tag]
	delete(b.pending, tag)
	b.mu.Unlock()
	if ok {
		cb(ic)
	}
}

// ioLoop drains completions until the ring is closed, the single
// background goroutine for this backend (go-ublk's ioLoop/processRequests
// shape, trimmed to one opcode family).
func (b *fileBackend) ioLoop() {
	defer close(b.done)
	for {
		userData, res, err := b.ring.WaitCQE()
		if err == iouring.ErrRingClosed {
			return
		}
		if err != nil {
			continue
		}

		ic := IOCompletion{N: int(res)}
		if res < 0 {
			ic.Err = syscall.Errno(-res)
		}
		b.ring.SeenCQE()
		b.finish(userData, ic)
	}
}

func toSyscallIovec(iov [][]byte) []syscall.Iovec {
	out := make([]syscall.Iovec, len(iov))
	for i, seg := range iov {
		if len(seg) > 0 {
			out[i].Base = &seg[0]
		}
		out[i].SetLen(len(seg))
	}
	return out
}
