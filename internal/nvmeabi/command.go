// Package nvmeabi defines the on-the-wire layouts shared between a guest
// driver and this controller: the 64-byte submission command, the 16-byte
// completion entry, and the Identify payloads. Everything here is encoded
// and decoded explicitly with encoding/binary rather than overlaid with
// unsafe, since the backing memory is an ordinary guest-memory byte slice
// handed to us by the host, not a real mmap'd device register file.
package nvmeabi

import "encoding/binary"

// Fixed sizes from the NVMe 1.3 command set.
const (
	CommandLen    = 64
	CompletionLen = 16
	PageSize      = 4096
	PRP2Items     = PageSize / 8 // entries in one PRP list page
	MaxBlockIOVs  = 512
)

// Admin opcodes (spec.md §4.5).
const (
	OpDeleteIOSQ        = 0x00
	OpCreateIOSQ        = 0x01
	OpGetLogPage        = 0x02
	OpDeleteIOCQ        = 0x04
	OpCreateIOCQ        = 0x05
	OpIdentify          = 0x06
	OpAbort             = 0x08
	OpSetFeatures       = 0x09
	OpGetFeatures       = 0x0A
	OpAsyncEventRequest = 0x0C
)

// I/O opcodes (spec.md §4.6).
const (
	OpWrite      = 0x01
	OpRead       = 0x02
	OpFlush      = 0x00
	OpWriteZeros = 0x08
)

// Set/Get Features identifiers (spec.md §4.5 table).
const (
	FeatArbitration            = 0x01
	FeatPowerManagement        = 0x02
	FeatLBARangeType           = 0x03
	FeatTemperatureThreshold   = 0x04
	FeatErrorRecovery          = 0x05
	FeatVolatileWriteCache     = 0x06
	FeatNumberOfQueues         = 0x07
	FeatInterruptCoalescing    = 0x08
	FeatInterruptVectorConfig  = 0x09
	FeatWriteAtomicity         = 0x0A
	FeatAsyncEventConfig       = 0x0B
	FeatSoftwareProgressMarker = 0x0C
	FeatAutonomousPowerState   = 0x0D
)

// CDW11 bits used by Create I/O SQ/CQ (spec.md §4.5).
const (
	CDW11PC  = 0x0001
	CDW11IEN = 0x0002
)

// Command is the decoded view of a 64-byte NVMe submission queue entry.
type Command struct {
	Opc   uint8
	Fuse  uint8
	CID   uint16
	NSID  uint32
	MPTR  uint64
	PRP1  uint64
	PRP2  uint64
	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

// DecodeCommand parses a 64-byte raw submission entry.
func DecodeCommand(raw []byte) Command {
	_ = raw[CommandLen-1] // bounds check hint, mirrors teacher's slice-bounds idiom
	cdw0 := binary.LittleEndian.Uint32(raw[0:4])
	return Command{
		Opc:   uint8(cdw0),
		Fuse:  uint8(cdw0>>8) & 0x3,
		CID:   uint16(cdw0 >> 16),
		NSID:  binary.LittleEndian.Uint32(raw[4:8]),
		MPTR:  binary.LittleEndian.Uint64(raw[8:16]),
		PRP1:  binary.LittleEndian.Uint64(raw[24:32]),
		PRP2:  binary.LittleEndian.Uint64(raw[32:40]),
		CDW10: binary.LittleEndian.Uint32(raw[40:44]),
		CDW11: binary.LittleEndian.Uint32(raw[44:48]),
		CDW12: binary.LittleEndian.Uint32(raw[48:52]),
		CDW13: binary.LittleEndian.Uint32(raw[52:56]),
		CDW14: binary.LittleEndian.Uint32(raw[56:60]),
		CDW15: binary.LittleEndian.Uint32(raw[60:64]),
	}
}

// Encode writes the command back into a 64-byte buffer (used by tests that
// build synthetic guest memory).
func (c Command) Encode(raw []byte) {
	_ = raw[CommandLen-1]
	cdw0 := uint32(c.Opc) | uint32(c.Fuse&0x3)<<8 | uint32(c.CID)<<16
	binary.LittleEndian.PutUint32(raw[0:4], cdw0)
	binary.LittleEndian.PutUint32(raw[4:8], c.NSID)
	binary.LittleEndian.PutUint64(raw[8:16], c.MPTR)
	binary.LittleEndian.PutUint64(raw[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(raw[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(raw[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(raw[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(raw[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(raw[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(raw[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(raw[60:64], c.CDW15)
}

// LBA returns the 64-bit logical block address packed into CDW10/CDW11, as
// used by Read/Write commands.
func (c Command) LBA() uint64 {
	return uint64(c.CDW11)<<32 | uint64(c.CDW10)
}

// Status is the NVMe completion status field (sct/sc pair). The phase bit
// is tracked separately by the completion queue, not here, since it is a
// property of the slot, not of a particular error.
type Status struct {
	SCT uint8 // status code type (3 bits)
	SC  uint8 // status code (8 bits)
}

// Status code types.
const (
	SCTGeneric         = 0x0
	SCTCommandSpecific = 0x1
)

// Generic status codes.
const (
	SCSuccess             = 0x00
	SCInvalidField        = 0x02
	SCDataTransferError    = 0x04
	SCInvalidNamespaceFmt = 0x0B
	SCLBAOutOfRange       = 0x80
)

// Command-specific status codes.
const (
	SCInvalidQueueIdentifier       = 0x01
	SCInvalidLogPage               = 0x0D
	SCAsyncEventRequestLimitExceed = 0x05
)

var (
	StatusSuccess              = Status{SCTGeneric, SCSuccess}
	StatusInvalidField         = Status{SCTGeneric, SCInvalidField}
	StatusDataTransferError    = Status{SCTGeneric, SCDataTransferError}
	StatusInvalidNamespaceFmt  = Status{SCTGeneric, SCInvalidNamespaceFmt}
	StatusLBAOutOfRange        = Status{SCTGeneric, SCLBAOutOfRange}
	StatusInvalidQueueID       = Status{SCTCommandSpecific, SCInvalidQueueIdentifier}
	StatusInvalidLogPage       = Status{SCTCommandSpecific, SCInvalidLogPage}
	StatusAERLimitExceeded     = Status{SCTCommandSpecific, SCAsyncEventRequestLimitExceed}
	StatusInvalidCMBUse        = Status{SCTGeneric, 0x12}
)

// Completion is the decoded view of a 16-byte completion queue entry.
type Completion struct {
	CDW0  uint32
	SQHD  uint16
	SQID  uint16
	CID   uint16
	Status Status
	Phase bool
}

// Encode writes the completion into a 16-byte buffer, with Phase as the
// low bit of the status word — the NVMe guest driver's sole signal that a
// new entry has been posted (spec.md §4.2, §8 invariant 2).
func (c Completion) Encode(raw []byte) {
	_ = raw[CompletionLen-1]
	binary.LittleEndian.PutUint32(raw[0:4], c.CDW0)
	binary.LittleEndian.PutUint32(raw[4:8], 0) // DW1, reserved
	binary.LittleEndian.PutUint16(raw[8:10], c.SQHD)
	binary.LittleEndian.PutUint16(raw[10:12], c.SQID)
	binary.LittleEndian.PutUint16(raw[12:14], c.CID)

	status := uint16(c.Status.SC)<<1 | uint16(c.Status.SCT)<<9
	if c.Phase {
		status |= 1
	}
	binary.LittleEndian.PutUint16(raw[14:16], status)
}

// DecodeCompletion parses a 16-byte completion entry (used by tests acting
// as the guest).
func DecodeCompletion(raw []byte) Completion {
	_ = raw[CompletionLen-1]
	status := binary.LittleEndian.Uint16(raw[14:16])
	return Completion{
		CDW0: binary.LittleEndian.Uint32(raw[0:4]),
		SQHD: binary.LittleEndian.Uint16(raw[8:10]),
		SQID: binary.LittleEndian.Uint16(raw[10:12]),
		CID:  binary.LittleEndian.Uint16(raw[12:14]),
		Status: Status{
			SCT: uint8(status>>9) & 0x7,
			SC:  uint8(status >> 1),
		},
		Phase: status&1 != 0,
	}
}
