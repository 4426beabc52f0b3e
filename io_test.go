package nvme

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vhostnvme/nvme/internal/nvmeabi"
)

// setupIOQueue enables the controller and creates one I/O CQ/SQ pair bound
// to each other, returning the index used for both.
func setupIOQueue(t *testing.T, c *Controller, mem *fakeGuestMemory) uint16 {
	t.Helper()
	enableController(t, c, mem)

	cqCmd := nvmeabi.Command{
		Opc: nvmeabi.OpCreateIOCQ, CID: 2, PRP1: 0x500000,
		CDW10: 1 | (2047 << 16), CDW11: nvmeabi.CDW11PC,
	}
	submitAdminCommand(t, c, cqCmd)
	sqCmd := nvmeabi.Command{
		Opc: nvmeabi.OpCreateIOSQ, CID: 3, PRP1: 0x600000,
		CDW10: 1 | (2047 << 16), CDW11: nvmeabi.CDW11PC | (1 << 16),
	}
	submitAdminCommand(t, c, sqCmd)
	require.True(t, c.sq[1].mapped())
	return 1
}

func submitIOCommand(c *Controller, qid uint16, cmd nvmeabi.Command) {
	sq := &c.sq[qid]
	tail := sq.tail.Load()
	off := int(tail) * nvmeabi.CommandLen
	cmd.Encode(sq.qbase[off : off+nvmeabi.CommandLen])
	c.WriteBAR0(doorbellBase+8*int(qid), 4, tail+1)
}

func TestReadWriteRoundTrip(t *testing.T) {
	mem := newFakeGuestMemory(16 * 1024 * 1024)
	irq := &fakeIRQ{}
	backend := newRAMBackend(1*1024*1024, 512)
	cfg := Config{MaxQueues: 4, QueueSize: 2048, IOSlots: 4, SectorSize: 512}
	c := New(cfg, mem, irq, backend, nil)
	qid := setupIOQueue(t, c, mem)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	dataGPA := uint64(0x700000)
	copy(mem.buf[dataGPA:], payload)

	writeCmd := nvmeabi.Command{
		Opc: nvmeabi.OpWrite, CID: 1, NSID: 1,
		PRP1: dataGPA, CDW10: 5, CDW11: 0, CDW12: 0, // LBA=5, nblocks=1
	}
	submitIOCommand(c, qid, writeCmd)

	cq := &c.cq[qid]
	compl := nvmeabi.DecodeCompletion(cq.qbase[0:nvmeabi.CompletionLen])
	require.Equal(t, uint8(0), compl.Status.SC, "write should succeed")

	readBackGPA := uint64(0x800000)
	readCmd := nvmeabi.Command{
		Opc: nvmeabi.OpRead, CID: 2, NSID: 1,
		PRP1: readBackGPA, CDW10: 5, CDW11: 0, CDW12: 0,
	}
	submitIOCommand(c, qid, readCmd)

	compl2 := nvmeabi.DecodeCompletion(cq.qbase[nvmeabi.CompletionLen : 2*nvmeabi.CompletionLen])
	require.Equal(t, uint8(0), compl2.Status.SC, "read should succeed")
	require.Equal(t, payload, mem.buf[readBackGPA:readBackGPA+512])
}

func TestReadOutOfRangeLBA(t *testing.T) {
	mem := newFakeGuestMemory(16 * 1024 * 1024)
	irq := &fakeIRQ{}
	backend := newRAMBackend(4096, 512) // only 8 sectors
	cfg := Config{MaxQueues: 4, QueueSize: 2048, IOSlots: 4, SectorSize: 512}
	c := New(cfg, mem, irq, backend, nil)
	qid := setupIOQueue(t, c, mem)

	readCmd := nvmeabi.Command{
		Opc: nvmeabi.OpRead, CID: 4, NSID: 1,
		PRP1: 0x700000, CDW10: 1000, CDW11: 0, CDW12: 0,
	}
	submitIOCommand(c, qid, readCmd)

	cq := &c.cq[qid]
	compl := nvmeabi.DecodeCompletion(cq.qbase[0:nvmeabi.CompletionLen])
	require.Equal(t, uint8(nvmeabi.SCTGeneric), compl.Status.SCT)
	require.Equal(t, uint8(nvmeabi.SCLBAOutOfRange), compl.Status.SC)
}

func TestFlushAndWriteZeroesCompleteImmediately(t *testing.T) {
	mem := newFakeGuestMemory(16 * 1024 * 1024)
	irq := &fakeIRQ{}
	backend := newRAMBackend(1*1024*1024, 512)
	cfg := Config{MaxQueues: 4, QueueSize: 2048, IOSlots: 4, SectorSize: 512}
	c := New(cfg, mem, irq, backend, nil)
	qid := setupIOQueue(t, c, mem)

	submitIOCommand(c, qid, nvmeabi.Command{Opc: nvmeabi.OpFlush, CID: 5, NSID: 1})
	submitIOCommand(c, qid, nvmeabi.Command{Opc: nvmeabi.OpWriteZeros, CID: 6, NSID: 1, CDW10: 0, CDW12: 3})

	cq := &c.cq[qid]
	compl0 := nvmeabi.DecodeCompletion(cq.qbase[0:nvmeabi.CompletionLen])
	compl1 := nvmeabi.DecodeCompletion(cq.qbase[nvmeabi.CompletionLen : 2*nvmeabi.CompletionLen])
	require.Equal(t, uint8(0), compl0.Status.SC)
	require.Equal(t, uint8(0), compl1.Status.SC)
}

func TestLargeMultiPageWriteExercisesPRPList(t *testing.T) {
	// 4 MiB write: 1024 4KiB pages, forcing a full PRP-list chain traversal
	// (two list pages) through the RAM backend's direct CopyAt path. This
	// backend has no segment cap to hit — that batching/resume behavior is
	// exclusive to the block backend and is covered by
	// TestLargeMultiPageWriteExercisesBlockPRPWalkerCap (io_block_test.go).
	const total = 4 * 1024 * 1024
	const nPages = total / pageSize

	mem := newFakeGuestMemory(64 * 1024 * 1024)
	irq := &fakeIRQ{}
	backend := newRAMBackend(8*1024*1024, 512)
	cfg := Config{MaxQueues: 4, QueueSize: 2048, IOSlots: 4, SectorSize: 512}
	c := New(cfg, mem, irq, backend, nil)
	qid := setupIOQueue(t, c, mem)

	dataBase := uint64(4 * 1024 * 1024) // data page slots start at gpa=4MiB
	listBase := uint64(32 * 1024 * 1024)
	listBase2 := listBase + pageSize

	// Logical page p is physically placed in descending slot order so the
	// test data isn't trivially one contiguous run; CopyAt's walkPRPPages
	// still must translate and copy every page exactly where the PRP list
	// says it lives, contiguous or not.
	physAddr := func(p int) uint64 { return dataBase + uint64(nPages-1-p)*pageSize }

	for p := 0; p < nPages; p++ {
		off := physAddr(p)
		for i := 0; i < pageSize; i++ {
			mem.buf[int(off)+i] = byte((p + i) % 251)
		}
	}

	// Build a two-page PRP list: prp1 covers logical page 0; the list's
	// first 511 slots (idx 0..510) point at logical pages 1..511, slot 511
	// chains to a second list page whose 512 slots cover logical pages
	// 512..1023 (the last slot of a list page is only a chain pointer when
	// more than one page of data remains beyond it).
	prp1 := physAddr(0)
	prp2 := listBase
	le64 := func(b []byte, v uint64) {
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
	}
	for idx := 0; idx < nvmeabi.PRP2Items-1; idx++ {
		page := 1 + idx
		entryOff := int(listBase) + idx*8
		le64(mem.buf[entryOff:entryOff+8], physAddr(page))
	}
	chainOff := int(listBase) + (nvmeabi.PRP2Items-1)*8
	le64(mem.buf[chainOff:chainOff+8], listBase2)
	for idx := 0; idx < nvmeabi.PRP2Items; idx++ {
		page := nvmeabi.PRP2Items + idx // logical pages 512..1023
		entryOff := int(listBase2) + idx*8
		le64(mem.buf[entryOff:entryOff+8], physAddr(page))
	}

	writeCmd := nvmeabi.Command{
		Opc: nvmeabi.OpWrite, CID: 8, NSID: 1,
		PRP1: prp1, PRP2: prp2,
		CDW10: 0, CDW11: 0,
		CDW12: uint32(total/512 - 1), // nblocks-1 in low 16 bits
	}
	submitIOCommand(c, qid, writeCmd)

	cq := &c.cq[qid]
	compl := nvmeabi.DecodeCompletion(cq.qbase[0:nvmeabi.CompletionLen])
	require.Equal(t, uint8(0), compl.Status.SCT)
	require.Equal(t, uint8(0), compl.Status.SC, "large multi-page write should succeed")

	got := backend.buf[:total]
	want := make([]byte, total)
	for p := 0; p < nPages; p++ {
		off := physAddr(p)
		copy(want[p*pageSize:(p+1)*pageSize], mem.buf[off:off+pageSize])
	}
	require.Equal(t, want, got)
}
