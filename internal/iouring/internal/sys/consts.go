// Package sys provides low-level io_uring syscall wrappers and types for
// the block backend. Trimmed from a general-purpose binding down to the
// operations the block backend actually issues: readv, writev, fsync.
package sys

// Syscall numbers for io_uring (x86_64).
const (
	SYS_IO_URING_SETUP    = 425
	SYS_IO_URING_ENTER    = 426
	SYS_IO_URING_REGISTER = 427
)

// Op is an io_uring_op opcode.
type Op uint8

const (
	IORING_OP_NOP Op = iota
	IORING_OP_READV
	IORING_OP_WRITEV
	IORING_OP_FSYNC
)

// Setup flags (IORING_SETUP_*).
const (
	IORING_SETUP_CQSIZE uint32 = 1 << 3
)

// Feature flags (IORING_FEAT_*).
const (
	IORING_FEAT_SINGLE_MMAP uint32 = 1 << 0
)

// Enter flags (IORING_ENTER_*).
const (
	IORING_ENTER_GETEVENTS uint32 = 1 << 0
)

// Fsync flags.
const (
	IORING_FSYNC_DATASYNC uint32 = 1 << 0
)

// mmap offsets for the ring buffers.
const (
	IORING_OFF_SQ_RING uint64 = 0
	IORING_OFF_CQ_RING uint64 = 0x8000000
	IORING_OFF_SQES    uint64 = 0x10000000
)
