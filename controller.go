package nvme

import (
	"log/slog"
	"sync"

	"github.com/vhostnvme/nvme/internal/nvmeabi"
)

// Config holds the parsed PCI option string (spec.md §6 "Configuration
// string"), resolved into concrete values.
type Config struct {
	MaxQueues  uint16 // max_queues; default 16
	QueueSize  uint16 // default queue depth; default 2048
	IOSlots    int    // I/O request pool size; default 8
	SectorSize int    // 512, 4096, or 8192
	Serial     string // ≤20 chars

	RAMSizeBytes int64  // set when using a RAM backend
	BackingPath  string // set when using a file/block-device backend
}

// Controller is the singleton NVMe device instance (spec.md §3).
type Controller struct {
	mu sync.Mutex

	log *slog.Logger
	mem GuestMemory
	irq InterruptController

	regs registerFile
	cfg  Config

	maxSQueues uint16 // current allowed count, resettable to MaxQueues
	maxCQueues uint16

	sq []submissionQueue // index 0 = Admin
	cq []completionQueue // index 0 = Admin

	pool *ioReqPool

	backend BlockBackend
	ns      nvmeabi.NamespaceData
	ctrl    nvmeabi.ControllerData

	// Feature state (spec.md §4.5).
	numSQRequested, numCQRequested uint16
	intCoalesceTime, intCoalesceThresh uint8
	asyncEventConfig uint32
	writeAtomicity   uint32
	aerPending       int // count of outstanding, never-completed AERs
}

// New constructs a Controller from its configuration and external
// collaborators. The controller does not touch PCI config space or the
// interrupt injection path directly; it only calls through mem and irq,
// the boundary spec.md §1 draws around "external collaborators".
func New(cfg Config, mem GuestMemory, irq InterruptController, backend BlockBackend, logger *slog.Logger) *Controller {
	if cfg.MaxQueues == 0 {
		cfg.MaxQueues = 16
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 2048
	}
	if cfg.IOSlots == 0 {
		cfg.IOSlots = 8
	}
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	if irq == nil {
		irq = noopInterruptController{}
	}

	c := &Controller{
		log:        logger,
		mem:        mem,
		irq:        irq,
		cfg:        cfg,
		maxSQueues: cfg.MaxQueues,
		maxCQueues: cfg.MaxQueues,
		backend:    backend,
		pool:       newIOReqPool(cfg.IOSlots),
	}
	c.pool.onDrainedToZero = c.onPendingIOsDrained

	c.sq = make([]submissionQueue, cfg.MaxQueues+1)
	c.cq = make([]completionQueue, cfg.MaxQueues+1)
	for i := range c.cq {
		c.cq[i].phase = 1
	}

	c.regs.init(cfg.QueueSize)
	c.initIdentifyData()

	return c
}

func (c *Controller) initIdentifyData() {
	var sn [20]byte
	serial := c.cfg.Serial
	if serial == "" {
		serial = "NVME-0-0"
	}
	copy(sn[:], serial)

	var mn [40]byte
	copy(mn[:], "vhostnvme controller")
	var fr [8]byte
	copy(fr[:], "1.0")

	c.ctrl = nvmeabi.ControllerData{
		VID: PCIVendorID, SSVID: PCIVendorID,
		SN: sn, MN: mn, FR: fr,
		RAB:    6,
		IEEE:   [3]byte{0x00, 0x00, 0x00},
		CMIC:   0,
		MDTS:   9,
		CNTLID: 0,
		Ver:    nvmeVersion1_3,
		OACS:   0,
		ACL:    3,
		AERL:   3,
		FRMW:   1 << 0,
		LPA:    0,
		ELPE:   0,
		NPSS:   0,
		SQES:   0x66, // min=6 (64B), max=6
		CQES:   0x44, // min=4 (16B), max=4
		MAXCMD: uint16(c.cfg.QueueSize),
		NN:     1,
		ONCS:   0,
		FNA:    0,
		VWC:    0,
		WCTEMP: 0x0157,
		NVSCC:  0,
	}

	size := c.backend.Size()
	sectSize := c.backend.SectorSize()
	var lbads uint8
	for s := sectSize; s > 1; s >>= 1 {
		lbads++
	}
	c.ns = nvmeabi.NamespaceData{
		NSZE:  uint64(size) / uint64(sectSize),
		NCAP:  uint64(size) / uint64(sectSize),
		NUSE:  uint64(size) / uint64(sectSize),
		NLBAF: 0,
		FLBAS: 0,
		LBAF0: nvmeabi.LBAFormat{LBADS: lbads},
	}
}

func (c *Controller) sectorSize() int { return c.backend.SectorSize() }

// onPendingIOsDrained implements spec.md §4.4's interlock: if pendingIOs
// reaches zero while enable is pending, complete it by flipping CSTS.RDY.
func (c *Controller) onPendingIOsDrained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regs.cc()&ccEN != 0 && c.regs.csts()&cstsRDY == 0 {
		c.regs.setCSTS(c.regs.csts() | cstsRDY)
	}
}

// handleCCWrite implements the Controller State Machine (spec.md §4.7).
func (c *Controller) handleCCWrite(newCC uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldCC := c.regs.cc()
	c.regs.write32(offCC, newCC)

	wasEnabled := oldCC&ccEN != 0
	nowEnabled := newCC&ccEN != 0

	if wasEnabled && !nowEnabled {
		c.resetLocked()
	} else if !wasEnabled && nowEnabled {
		c.enableLocked()
	}

	if shn := (newCC & ccSHNMask) >> 14; shn != 0 {
		csts := c.regs.csts()
		csts &^= cstsSHSTMask
		csts |= cstsSHSTComplete
		c.regs.setCSTS(csts)
	}
}

// resetLocked performs controller reset: spec.md §4.7 CC.EN 1→0.
func (c *Controller) resetLocked() {
	c.regs.setCSTS(0)
	for i := range c.sq {
		if i == 0 {
			continue
		}
		c.sq[i].reset()
	}
	for i := range c.cq {
		if i == 0 {
			continue
		}
		c.cq[i].reset()
	}
	c.maxSQueues = c.cfg.MaxQueues
	c.maxCQueues = c.cfg.MaxQueues
}

// enableLocked performs controller enablement: spec.md §4.7 CC.EN 0→1.
func (c *Controller) enableLocked() {
	aqa := c.regs.aqa()
	asqSize := (aqa & 0xFFF) + 1
	acqSize := ((aqa >> 16) & 0xFFF) + 1

	asq := c.regs.asq()
	acq := c.regs.acq()

	asqBytes := int(asqSize) * nvmeabi.CommandLen
	acqBytes := int(acqSize) * nvmeabi.CompletionLen

	sqMem, ok := c.mem.Translate(asq, asqBytes)
	if !ok {
		c.log.Warn("nvme: failed to map admin SQ", "gpa", asq)
		return
	}
	cqMem, ok := c.mem.Translate(acq, acqBytes)
	if !ok {
		c.log.Warn("nvme: failed to map admin CQ", "gpa", acq)
		return
	}

	c.sq[0].qbase = sqMem
	c.sq[0].size = asqSize
	c.sq[0].cqid = 0
	c.sq[0].head.Store(0)
	c.sq[0].tail.Store(0)
	c.sq[0].busy.Store(0)

	c.cq[0].qbase = cqMem
	c.cq[0].size = acqSize
	c.cq[0].tail = 0
	c.cq[0].phase = 1
	c.cq[0].intEn = true
	c.cq[0].head.Store(0)

	if c.pool.pending() == 0 {
		c.regs.setCSTS(c.regs.csts() | cstsRDY)
	}
}
