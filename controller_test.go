package nvme

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vhostnvme/nvme/internal/nvmeabi"
)

func TestEnableDelaysRDYUntilPendingIOsDrain(t *testing.T) {
	c, mem, _ := newTestController(t)

	// Simulate an I/O still in flight from before the guest re-enabled the
	// controller: acquire a pool slot without releasing it.
	req := c.pool.acquire()

	aqaBytes := make([]byte, 32*nvmeabi.CommandLen)
	copy(mem.buf[0x100000:], aqaBytes)
	c.WriteBAR0(offASQLo, 4, 0x100000)
	c.WriteBAR0(offACQLo, 4, 0x200000)
	c.WriteBAR0(offAQA, 4, 0x001F001F)
	c.WriteBAR0(offCC, 4, 0x00460001) // EN=1

	require.Equal(t, uint32(0), c.ReadBAR0(offCSTS, 4)&cstsRDY, "RDY must stay clear while an I/O is pending")

	c.pool.release(req)

	require.Equal(t, uint32(cstsRDY), c.ReadBAR0(offCSTS, 4)&cstsRDY, "RDY should flip once the last pending I/O drains")
}

func TestSetFeaturesNumberOfQueuesClampsToMax(t *testing.T) {
	c, mem, _ := newTestController(t) // cfg.MaxQueues = 4
	enableController(t, c, mem)

	// Request far more queues than MaxQueues allows.
	cmd := nvmeabi.Command{
		Opc: nvmeabi.OpSetFeatures, CID: 20,
		CDW10: nvmeabi.FeatNumberOfQueues,
		CDW11: 0xFFFF | (0xFFFF << 16),
	}
	submitAdminCommand(t, c, cmd)

	require.Equal(t, c.cfg.MaxQueues, c.maxSQueues)
	require.Equal(t, c.cfg.MaxQueues, c.maxCQueues)
}

func TestCreateIOCQBeyondClampedMaxFails(t *testing.T) {
	c, mem, _ := newTestController(t)
	enableController(t, c, mem)

	clampCmd := nvmeabi.Command{
		Opc: nvmeabi.OpSetFeatures, CID: 21,
		CDW10: nvmeabi.FeatNumberOfQueues,
		CDW11: 0, // request 1 SQ, 1 CQ (CDW11 low/high 16 bits both encode count-1)
	}
	submitAdminCommand(t, c, clampCmd)
	require.Equal(t, uint16(1), c.maxCQueues)

	cqCmd := nvmeabi.Command{
		Opc: nvmeabi.OpCreateIOCQ, CID: 22, PRP1: 0x500000,
		CDW10: 2 | (63 << 16), CDW11: nvmeabi.CDW11PC,
	}
	submitAdminCommand(t, c, cqCmd)

	cqBase := c.cq[0].qbase
	compl := nvmeabi.DecodeCompletion(cqBase[nvmeabi.CompletionLen : 2*nvmeabi.CompletionLen])
	require.Equal(t, uint8(nvmeabi.SCInvalidQueueIdentifier), compl.Status.SC)
}

func TestDeleteIOSQBeyondClampedMaxFails(t *testing.T) {
	c, mem, _ := newTestController(t)
	enableController(t, c, mem)

	clampCmd := nvmeabi.Command{
		Opc: nvmeabi.OpSetFeatures, CID: 23,
		CDW10: nvmeabi.FeatNumberOfQueues,
		CDW11: 0, // clamp to 1 SQ, 1 CQ
	}
	submitAdminCommand(t, c, clampCmd)
	require.Equal(t, uint16(1), c.maxCQueues)

	// qid=2 is within the array's fixed capacity (MaxQueues=4) but beyond
	// the clamped num_cqueues, so deletion must still be rejected.
	deleteSQCmd := nvmeabi.Command{Opc: nvmeabi.OpDeleteIOSQ, CID: 24, CDW10: 2}
	submitAdminCommand(t, c, deleteSQCmd)
	deleteCQCmd := nvmeabi.Command{Opc: nvmeabi.OpDeleteIOCQ, CID: 25, CDW10: 2}
	submitAdminCommand(t, c, deleteCQCmd)

	cqBase := c.cq[0].qbase
	complSQ := nvmeabi.DecodeCompletion(cqBase[1*nvmeabi.CompletionLen : 2*nvmeabi.CompletionLen])
	require.Equal(t, uint8(nvmeabi.SCInvalidQueueIdentifier), complSQ.Status.SC)
	complCQ := nvmeabi.DecodeCompletion(cqBase[2*nvmeabi.CompletionLen : 3*nvmeabi.CompletionLen])
	require.Equal(t, uint8(nvmeabi.SCInvalidQueueIdentifier), complCQ.Status.SC)
}

func TestParseConfigStringDefaults(t *testing.T) {
	cfg, err := ParseConfigString("ram=64")
	require.NoError(t, err)
	require.Equal(t, uint16(16), cfg.MaxQueues)
	require.Equal(t, uint16(2048), cfg.QueueSize)
	require.Equal(t, 8, cfg.IOSlots)
	require.Equal(t, 512, cfg.SectorSize)
	require.Equal(t, int64(64*1024*1024), cfg.RAMSizeBytes)
}

func TestParseConfigStringOverridesAndValidation(t *testing.T) {
	cfg, err := ParseConfigString("maxq=8,qsz=128,ioslots=2,sectsz=4096,ser=ABC123,ram=16")
	require.NoError(t, err)
	require.Equal(t, uint16(8), cfg.MaxQueues)
	require.Equal(t, uint16(128), cfg.QueueSize)
	require.Equal(t, 2, cfg.IOSlots)
	require.Equal(t, 4096, cfg.SectorSize)
	require.Equal(t, "ABC123", cfg.Serial)

	_, err = ParseConfigString("sectsz=1024,ram=16")
	require.Error(t, err, "sector size outside {512,4096,8192} must be rejected")

	_, err = ParseConfigString("bogus=1,ram=16")
	require.Error(t, err, "unknown keys must be rejected")

	_, err = ParseConfigString("maxq=8")
	require.Error(t, err, "a backend (ram= or a bare path) must be required")
}

func TestParseConfigStringBackingPath(t *testing.T) {
	cfg, err := ParseConfigString("/var/lib/vhostnvme/disk0.img,sectsz=4096")
	require.NoError(t, err)
	require.Equal(t, "/var/lib/vhostnvme/disk0.img", cfg.BackingPath)
	require.Equal(t, 4096, cfg.SectorSize)
}
