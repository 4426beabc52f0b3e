package nvme

import "github.com/vhostnvme/nvme/internal/nvmeabi"

// runAdminExecutor implements the shared executor loop shape from
// spec.md §4.2, specialized to Admin opcodes.
func (c *Controller) runAdminExecutor() {
	sq := &c.sq[0]
	if !sq.tryLock() {
		return // another thread is already draining this SQ
	}
	defer sq.unlock()

	if !sq.mapped() {
		return
	}

	head := sq.head.Load()
	for head != sq.tail.Load() {
		cmd := sq.commandAt(head)
		c.dispatchAdmin(cmd)
		head = (head + 1) % sq.size
	}
	sq.head.Store(head)
}

// dispatchAdmin executes one Admin command and posts its completion,
// except for Async Event Request which must never complete (spec.md §4.5).
func (c *Controller) dispatchAdmin(cmd nvmeabi.Command) {
	if cmd.Opc == nvmeabi.OpAsyncEventRequest {
		c.mu.Lock()
		c.aerPending++
		c.mu.Unlock()
		return
	}

	status := c.execAdmin(cmd)
	c.completeAdmin(cmd, status)
}

func (c *Controller) completeAdmin(cmd nvmeabi.Command, status nvmeabi.Status) {
	sq := &c.sq[0]
	cq := &c.cq[0]
	vector, fire, ok := cq.post(uint16(sq.head.Load()), 0, cmd.CID, status)
	if !ok {
		return
	}
	if fire {
		c.irq.SignalMSIX(vector)
	}
}

// execAdmin dispatches by opcode and returns the completion status,
// implementing the table in spec.md §4.5.
func (c *Controller) execAdmin(cmd nvmeabi.Command) nvmeabi.Status {
	switch cmd.Opc {
	case nvmeabi.OpCreateIOSQ:
		return c.adminCreateIOSQ(cmd)
	case nvmeabi.OpDeleteIOSQ:
		return c.adminDeleteIOSQ(cmd)
	case nvmeabi.OpCreateIOCQ:
		return c.adminCreateIOCQ(cmd)
	case nvmeabi.OpDeleteIOCQ:
		return c.adminDeleteIOCQ(cmd)
	case nvmeabi.OpIdentify:
		return c.adminIdentify(cmd)
	case nvmeabi.OpGetLogPage:
		return c.adminGetLogPage(cmd)
	case nvmeabi.OpSetFeatures:
		return c.adminSetFeatures(cmd)
	case nvmeabi.OpGetFeatures:
		return c.adminGetFeatures(cmd)
	case nvmeabi.OpAbort:
		return nvmeabi.StatusSuccess
	default:
		// Unknown opcode: spurious success, matching observed bhyve
		// behavior (spec.md §9 open question, SPEC_FULL.md resolution 1).
		return nvmeabi.StatusSuccess
	}
}

func (c *Controller) adminCreateIOSQ(cmd nvmeabi.Command) nvmeabi.Status {
	qid := uint16(cmd.CDW10 & 0xFFFF)
	size := uint16(cmd.CDW10>>16) + 1
	cqid := uint16(cmd.CDW11 >> 16)
	prio := uint8((cmd.CDW11 >> 1) & 0x3)
	pc := cmd.CDW11&nvmeabi.CDW11PC != 0

	if !pc {
		return nvmeabi.StatusInvalidField
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if qid == 0 || qid > c.maxSQueues {
		return nvmeabi.StatusInvalidQueueID
	}
	if int(cqid) >= len(c.cq) || !c.cq[cqid].mapped() {
		return nvmeabi.StatusInvalidField
	}

	mem, ok := c.mem.Translate(cmd.PRP1, int(size)*nvmeabi.CommandLen)
	if !ok {
		return nvmeabi.StatusDataTransferError
	}

	sq := &c.sq[qid]
	sq.qbase = mem
	sq.size = uint32(size)
	sq.cqid = cqid
	sq.prio = prio
	sq.head.Store(0)
	sq.tail.Store(0)
	sq.busy.Store(0)

	return nvmeabi.StatusSuccess
}

func (c *Controller) adminDeleteIOSQ(cmd nvmeabi.Command) nvmeabi.Status {
	qid := uint16(cmd.CDW10 & 0xFFFF)

	c.mu.Lock()
	defer c.mu.Unlock()

	if qid == 0 || qid > c.maxCQueues {
		return nvmeabi.StatusInvalidQueueID
	}
	c.sq[qid].reset()
	return nvmeabi.StatusSuccess
}

func (c *Controller) adminCreateIOCQ(cmd nvmeabi.Command) nvmeabi.Status {
	qid := uint16(cmd.CDW10 & 0xFFFF)
	size := uint16(cmd.CDW10>>16) + 1
	ien := cmd.CDW11&nvmeabi.CDW11IEN != 0
	iv := uint16(cmd.CDW11 >> 16)
	pc := cmd.CDW11&nvmeabi.CDW11PC != 0

	if !pc {
		// Create I/O CQ diverges from Create I/O SQ's status code on the
		// same precondition failure, matching observed bhyve behavior
		// (SPEC_FULL.md "Supplemented features").
		return nvmeabi.StatusInvalidCMBUse
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if qid == 0 || qid > c.maxCQueues {
		return nvmeabi.StatusInvalidQueueID
	}

	mem, ok := c.mem.Translate(cmd.PRP1, int(size)*nvmeabi.CompletionLen)
	if !ok {
		return nvmeabi.StatusDataTransferError
	}

	cq := &c.cq[qid]
	cq.mu.Lock()
	cq.qbase = mem
	cq.size = uint32(size)
	cq.tail = 0
	cq.phase = 1
	cq.intVec = iv
	cq.intEn = ien
	cq.intCoal = false
	cq.mu.Unlock()
	cq.head.Store(0)

	return nvmeabi.StatusSuccess
}

func (c *Controller) adminDeleteIOCQ(cmd nvmeabi.Command) nvmeabi.Status {
	qid := uint16(cmd.CDW10 & 0xFFFF)

	c.mu.Lock()
	defer c.mu.Unlock()

	if qid == 0 || qid > c.maxCQueues {
		return nvmeabi.StatusInvalidQueueID
	}
	c.cq[qid].reset()
	return nvmeabi.StatusSuccess
}

func (c *Controller) adminIdentify(cmd nvmeabi.Command) nvmeabi.Status {
	cns := uint8(cmd.CDW10 & 0xFF)

	var payload []byte
	switch cns {
	case 0x00:
		payload = c.ns.Marshal()
	case 0x01:
		payload = c.ctrl.Marshal()
	case 0x02:
		payload = make([]byte, nvmeabi.IdentifyLen)
		payload[0], payload[1] = 1, 0 // active namespace list: [1, 0, 0, ...]
	case 0x11:
		return nvmeabi.StatusInvalidNamespaceFmt
	default:
		return nvmeabi.StatusInvalidField
	}

	hva, ok := c.mem.Translate(cmd.PRP1, len(payload))
	if !ok {
		return nvmeabi.StatusDataTransferError
	}
	copy(hva, payload)
	return nvmeabi.StatusSuccess
}

func (c *Controller) adminGetLogPage(cmd nvmeabi.Command) nvmeabi.Status {
	logPage := uint8(cmd.CDW10 & 0xFF)
	logSizeWords := (1 + (cmd.CDW10>>16)&0xFFF) * 2
	logSize := int(logSizeWords)
	if logSize > nvmeabi.PageSize {
		logSize = nvmeabi.PageSize
	}

	switch logPage {
	case 1, 2, 3:
		hva, ok := c.mem.Translate(cmd.PRP1, logSize)
		if !ok {
			return nvmeabi.StatusDataTransferError
		}
		for i := range hva {
			hva[i] = 0
		}
		return nvmeabi.StatusSuccess
	default:
		return nvmeabi.StatusInvalidLogPage
	}
}

func (c *Controller) adminSetFeatures(cmd nvmeabi.Command) nvmeabi.Status {
	fid := cmd.CDW10 & 0xFF

	c.mu.Lock()
	defer c.mu.Unlock()

	switch fid {
	case nvmeabi.FeatArbitration, nvmeabi.FeatPowerManagement, nvmeabi.FeatLBARangeType,
		nvmeabi.FeatErrorRecovery, nvmeabi.FeatVolatileWriteCache,
		nvmeabi.FeatSoftwareProgressMarker, nvmeabi.FeatAutonomousPowerState:
		return nvmeabi.StatusSuccess
	case nvmeabi.FeatWriteAtomicity:
		c.writeAtomicity = cmd.CDW11
		return nvmeabi.StatusSuccess
	case nvmeabi.FeatTemperatureThreshold:
		return nvmeabi.StatusSuccess
	case nvmeabi.FeatNumberOfQueues:
		reqSQ := uint16(cmd.CDW11&0xFFFF) + 1
		reqCQ := uint16((cmd.CDW11>>16)&0xFFFF) + 1
		if reqSQ == 0 || reqSQ > c.cfg.MaxQueues {
			reqSQ = c.cfg.MaxQueues
		}
		if reqCQ == 0 || reqCQ > c.cfg.MaxQueues {
			reqCQ = c.cfg.MaxQueues
		}
		c.maxSQueues = reqSQ
		c.maxCQueues = reqCQ
		c.numSQRequested = reqSQ
		c.numCQRequested = reqCQ
		return nvmeabi.StatusSuccess
	case nvmeabi.FeatInterruptCoalescing:
		c.intCoalesceTime = uint8((cmd.CDW11 >> 8) & 0xFF)
		c.intCoalesceThresh = uint8(cmd.CDW11 & 0xFF)
		return nvmeabi.StatusSuccess
	case nvmeabi.FeatInterruptVectorConfig:
		iv := uint16(cmd.CDW11 & 0xFFFF)
		cd := cmd.CDW11&(1<<16) != 0
		for i := range c.cq {
			if c.cq[i].mapped() && c.cq[i].intVec == iv {
				c.cq[i].mu.Lock()
				c.cq[i].intCoal = cd
				c.cq[i].mu.Unlock()
			}
		}
		return nvmeabi.StatusSuccess
	case nvmeabi.FeatAsyncEventConfig:
		c.asyncEventConfig = cmd.CDW11
		return nvmeabi.StatusSuccess
	default:
		return nvmeabi.StatusInvalidField
	}
}

func (c *Controller) adminGetFeatures(cmd nvmeabi.Command) nvmeabi.Status {
	fid := cmd.CDW10 & 0xFF

	switch fid {
	case nvmeabi.FeatTemperatureThreshold:
		sub := (cmd.CDW11 >> 20) & 0x3
		switch sub {
		case 0, 1:
			return nvmeabi.StatusSuccess
		default:
			return nvmeabi.StatusInvalidField
		}
	case nvmeabi.FeatArbitration, nvmeabi.FeatPowerManagement, nvmeabi.FeatLBARangeType,
		nvmeabi.FeatErrorRecovery, nvmeabi.FeatVolatileWriteCache, nvmeabi.FeatNumberOfQueues,
		nvmeabi.FeatInterruptCoalescing, nvmeabi.FeatInterruptVectorConfig,
		nvmeabi.FeatWriteAtomicity, nvmeabi.FeatAsyncEventConfig,
		nvmeabi.FeatSoftwareProgressMarker, nvmeabi.FeatAutonomousPowerState:
		return nvmeabi.StatusSuccess
	default:
		return nvmeabi.StatusInvalidField
	}
}
