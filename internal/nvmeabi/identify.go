package nvmeabi

import "encoding/binary"

// IdentifyLen is the size of both the Identify Controller and Identify
// Namespace data structures.
const IdentifyLen = 4096

// ControllerData fills an Identify Controller response (CNS=1). Only the
// fields bhyve's pci_nvme_init_ctrldata actually populates are named; the
// rest of the 4096-byte page is left zero, matching observed behavior.
type ControllerData struct {
	VID      uint16
	SSVID    uint16
	SN       [20]byte
	MN       [40]byte
	FR       [8]byte
	RAB      uint8
	IEEE     [3]byte
	CMIC     uint8
	MDTS     uint8
	CNTLID   uint16
	Ver      uint32
	OACS     uint16
	ACL      uint8
	AERL     uint8
	FRMW     uint8
	LPA      uint8
	ELPE     uint8
	NPSS     uint8
	SQES     uint8 // min nibble | max nibble << 4
	CQES     uint8
	MAXCMD   uint16
	NN       uint32
	ONCS     uint16
	FNA      uint8
	VWC      uint8
	WCTEMP   uint16
	NVSCC    uint8
	PowerMP0 uint16 // power state descriptor 0, maximum power field
}

// Marshal lays the fields out at their real NVMe 1.3 byte offsets in a
// 4096-byte buffer.
func (c ControllerData) Marshal() []byte {
	buf := make([]byte, IdentifyLen)
	le := binary.LittleEndian

	le.PutUint16(buf[0:2], c.VID)
	le.PutUint16(buf[2:4], c.SSVID)
	copy(buf[4:24], c.SN[:])
	copy(buf[24:64], c.MN[:])
	copy(buf[64:72], c.FR[:])
	buf[72] = c.RAB
	copy(buf[73:76], c.IEEE[:])
	buf[76] = c.CMIC
	buf[77] = c.MDTS
	le.PutUint16(buf[78:80], c.CNTLID)
	le.PutUint32(buf[80:84], c.Ver)

	le.PutUint16(buf[256:258], c.OACS)
	buf[258] = c.ACL
	buf[259] = c.AERL
	buf[260] = c.FRMW
	buf[261] = c.LPA
	buf[262] = c.ELPE
	buf[263] = c.NPSS
	le.PutUint16(buf[266:268], c.WCTEMP)

	buf[512] = c.SQES
	buf[513] = c.CQES
	le.PutUint16(buf[514:516], c.MAXCMD)
	le.PutUint32(buf[516:520], c.NN)
	le.PutUint16(buf[520:522], c.ONCS)
	buf[524] = c.FNA
	buf[525] = c.VWC
	buf[530] = c.NVSCC

	// Power state descriptor 0 begins at offset 2048; word 0 is MP (max power).
	le.PutUint16(buf[2048:2050], c.PowerMP0)

	return buf
}

// NamespaceData fills an Identify Namespace response (CNS=0).
type NamespaceData struct {
	NSZE  uint64
	NCAP  uint64
	NUSE  uint64
	NLBAF uint8
	FLBAS uint8
	LBAF0 LBAFormat // only lbaf[0] is populated, matching the single-namespace model
}

// LBAFormat is one NVMe LBA Format Data Structure entry.
type LBAFormat struct {
	MS    uint16
	LBADS uint8 // log2(block size)
	RP    uint8
}

// Marshal lays NamespaceData out at its real NVMe 1.3 byte offsets.
func (n NamespaceData) Marshal() []byte {
	buf := make([]byte, IdentifyLen)
	le := binary.LittleEndian

	le.PutUint64(buf[0:8], n.NSZE)
	le.PutUint64(buf[8:16], n.NCAP)
	le.PutUint64(buf[16:24], n.NUSE)
	buf[25] = n.NLBAF
	buf[26] = n.FLBAS

	le.PutUint16(buf[128:130], n.LBAF0.MS)
	buf[130] = n.LBAF0.LBADS
	buf[131] = n.LBAF0.RP

	return buf
}
