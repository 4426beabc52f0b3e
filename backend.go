package nvme

import (
	"errors"
	"sync"
)

// GuestMemory translates a guest-physical address into a host-virtual
// byte slice. It is the `gpa_to_hva` external collaborator from spec.md §1,
// modeled as an interface so the controller is testable without a real
// VMM address space.
type GuestMemory interface {
	// Translate returns a slice of length `length` backed by guest memory
	// at `gpa`, or ok=false if the range is unmapped or out of bounds.
	Translate(gpa uint64, length int) (hva []byte, ok bool)
}

// IOCompletion carries the result of an asynchronous block I/O.
type IOCompletion struct {
	N   int // bytes transferred
	Err error
}

// BlockBackend is the backing store selected by configuration (spec.md §6:
// one positional option, either `ram=MEGABYTES` or a file/device path). It
// deliberately exposes only what every backend has in common. RAM and block
// diverge too sharply in completion path (synchronous memcpy vs. callback-
// deferred I/O) to paper over behind one polymorphic read/write method, per
// spec.md §9 "Tagged storage backend" — execReadWrite (io.go) tells them apart
// with a type switch against ramDirectBackend/asyncBlockBackend below,
// rather than routing both through a shared ReadAt/WriteAt.
type BlockBackend interface {
	// Flush commits any buffered writes to stable storage.
	Flush(done func(IOCompletion))
	// Size reports the backend's total capacity in bytes.
	Size() int64
	// SectorSize reports the backend's logical sector size in bytes.
	SectorSize() int
	// Close releases backend resources. No further calls are made after Close.
	Close() error
}

// ramDirectBackend is implemented only by ramBackend: a synchronous,
// direct-memcpy path that never acquires an I/O request or runs the PRP
// Walker (spec.md §4.6 item 2).
type ramDirectBackend interface {
	BlockBackend
	// CopyAt walks cmd's PRP1/PRP2 directly against mem and memcpys each
	// resolved span to/from the backing buffer at byteOffset, entirely
	// under the executor's own call stack.
	CopyAt(mem GuestMemory, prp1, prp2 uint64, byteOffset int64, totalLen int, write bool) (int, error)
}

// asyncBlockBackend is implemented only by fileBackend: the callback-
// deferred path that io.go's execReadWriteBlock drives through the I/O
// request pool and PRP Walker (spec.md §4.6 item 3).
type asyncBlockBackend interface {
	BlockBackend
	// ReadAt reads into iov (each segment filled in order) starting at the
	// given byte offset. done is invoked exactly once, possibly on a
	// different goroutine, possibly before ReadAt returns.
	ReadAt(iov [][]byte, offset int64, done func(IOCompletion))
	// WriteAt mirrors ReadAt for writes.
	WriteAt(iov [][]byte, offset int64, done func(IOCompletion))
}

// ramBackend is an in-memory backing store. Its completions are always
// synchronous: the caller's `done` runs inline, under no lock the backend
// itself owns, which is exactly what makes the RAM path cheap (spec.md §9).
type ramBackend struct {
	mu       sync.RWMutex
	buf      []byte
	sectSize int
}

func newRAMBackend(sizeBytes int64, sectSize int) *ramBackend {
	return &ramBackend{buf: make([]byte, sizeBytes), sectSize: sectSize}
}

func (b *ramBackend) Size() int64     { return int64(len(b.buf)) }
func (b *ramBackend) SectorSize() int { return b.sectSize }
func (b *ramBackend) Close() error    { return nil }

func (b *ramBackend) Flush(done func(IOCompletion)) {
	done(IOCompletion{})
}

// CopyAt performs the bounds-checked memcpy between guest memory (resolved
// page-by-page from prp1/prp2, with no segment cap and no batching) and the
// RAM buffer at byteOffset. The bounds check is byte-domain throughout,
// matching bhyve's RAM path (spec.md §9 open question 3: lba is already
// multiplied by sectsz before this comparison happens, by the caller in
// io.go).
func (b *ramBackend) CopyAt(mem GuestMemory, prp1, prp2 uint64, byteOffset int64, totalLen int, write bool) (int, error) {
	if write {
		b.mu.Lock()
		defer b.mu.Unlock()
	} else {
		b.mu.RLock()
		defer b.mu.RUnlock()
	}

	if byteOffset < 0 || byteOffset+int64(totalLen) > int64(len(b.buf)) {
		return 0, ErrLBAOutOfRange
	}

	n := 0
	err := walkPRPPages(mem, prp1, prp2, totalLen, func(hva []byte) {
		pos := byteOffset + int64(n)
		if write {
			copy(b.buf[pos:], hva)
		} else {
			copy(hva, b.buf[pos:pos+int64(len(hva))])
		}
		n += len(hva)
	})
	if err != nil {
		return n, err
	}
	return n, nil
}

// ErrLBAOutOfRange signals the RAM backend's bounds-check failure; io.go
// translates it into the guest-visible LBA_OUT_OF_RANGE status.
var ErrLBAOutOfRange = errors.New("nvme: lba out of range")
