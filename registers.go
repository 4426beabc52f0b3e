package nvme

import "encoding/binary"

// Register byte offsets within BAR0 (spec.md §6).
const (
	offCAPLo  = 0x00
	offCAPHi  = 0x04
	offVS     = 0x08
	offINTMS  = 0x0C
	offINTMC  = 0x10
	offCC     = 0x14
	offCSTS   = 0x1C
	offNSSR   = 0x20
	offAQA    = 0x24
	offASQLo  = 0x28
	offASQHi  = 0x2C
	offACQLo  = 0x30
	offACQHi  = 0x34

	registersSize = 0x38 // doorbell array starts here
)

// NVMe version 1.3, matching VS at controller init.
const nvmeVersion1_3 = 0x00010300

// CC (Controller Configuration) bit layout.
const (
	ccEN      = 1 << 0
	ccCSSMask = 0x7 << 4
	ccMPSMask = 0xF << 7
	ccAMSMask = 0x7 << 11
	ccSHNMask = 0x3 << 14
	ccIOSQESMask = 0xF << 16
	ccIOCQESMask = 0xF << 20
)

// CSTS (Controller Status) bits.
const (
	cstsRDY  = 1 << 0
	cstsCFS  = 1 << 1
	cstsSHSTMask = 0x3 << 2
	cstsSHSTComplete = 0x2 << 2
)

// registerFile is the raw, little-endian BAR0 register block. It is backed
// by a plain byte buffer and accessed through encoding/binary rather than
// an unsafe overlay, since BAR0 here is a Go-owned byte slice standing in
// for guest-visible MMIO space, not real device memory.
type registerFile struct {
	buf [registersSize]byte
}

func (r *registerFile) init(maxQEntries uint16) {
	cap64 := uint64(maxQEntries) // MQES (bits 0:15)
	cap64 |= 1 << 16             // CQR = 1 (contiguous queues required)
	cap64 |= 60 << 24            // TO = 60 (in 500ms units)
	cap64 |= 1 << 37             // CSS.NVM = 1
	binary.LittleEndian.PutUint32(r.buf[offCAPLo:], uint32(cap64))
	binary.LittleEndian.PutUint32(r.buf[offCAPHi:], uint32(cap64>>32))
	binary.LittleEndian.PutUint32(r.buf[offVS:], nvmeVersion1_3)
}

func (r *registerFile) cc() uint32   { return r.read32(offCC) }
func (r *registerFile) csts() uint32 { return r.read32(offCSTS) }
func (r *registerFile) aqa() uint32  { return r.read32(offAQA) }

func (r *registerFile) asq() uint64 {
	return uint64(r.read32(offASQLo)) | uint64(r.read32(offASQHi))<<32
}

func (r *registerFile) acq() uint64 {
	return uint64(r.read32(offACQLo)) | uint64(r.read32(offACQHi))<<32
}

func (r *registerFile) setCSTS(v uint32) { r.write32(offCSTS, v) }

func (r *registerFile) read32(off int) uint32 {
	return binary.LittleEndian.Uint32(r.buf[off:])
}

func (r *registerFile) write32(off int, v uint32) {
	binary.LittleEndian.PutUint32(r.buf[off:], v)
}

// readRegion copies `size` bytes from the register region starting at
// `off`, padding with zero if the access straddles the doorbell boundary
// (callers are expected to have already rejected sizes other than 1/2/4).
func (r *registerFile) readRegion(off int, size int) uint32 {
	var word [4]byte
	if off >= 0 && off+4 <= registersSize {
		copy(word[:], r.buf[off:off+4])
	} else if off >= 0 && off < registersSize {
		copy(word[:registersSize-off], r.buf[off:registersSize])
	}
	full := binary.LittleEndian.Uint32(word[:])
	switch size {
	case 1:
		return full & 0xFF
	case 2:
		return full & 0xFFFF
	default:
		return full
	}
}

// writeRegion handles a register-region write by offset, applying the side
// effects the Controller State Machine needs to observe (spec.md §4.1).
func (r *registerFile) writeRegion(off int, v uint32) (touched string) {
	switch off {
	case offCC:
		// Latched by the controller's handleCCWrite, which needs the old
		// value to detect EN transitions.
		return "CC"
	case offAQA:
		r.write32(offAQA, v)
		return "AQA"
	case offASQLo:
		r.write32(offASQLo, v&^0xFFF) // page-align low half
		return "ASQ"
	case offASQHi:
		r.write32(offASQHi, v)
		return "ASQ"
	case offACQLo:
		r.write32(offACQLo, v&^0xFFF)
		return "ACQ"
	case offACQHi:
		r.write32(offACQHi, v)
		return "ACQ"
	case offCAPLo, offCAPHi, offVS, offCSTS:
		return "" // read-only
	case offINTMS, offINTMC, offNSSR:
		return "" // MSI-X/NSSR are externally managed or unimplemented
	default:
		return ""
	}
}
