package nvme

// doorbellBase is where the doorbell array begins in BAR0, immediately
// after the fixed register block (spec.md §6).
const doorbellBase = registersSize

// BAR0Size returns the total BAR0 size: the register block plus one SQ/CQ
// doorbell pair per queue (spec.md §6 "BAR layout").
func (c *Controller) BAR0Size() int {
	return registersSize + 8*int(c.cfg.MaxQueues+1)
}

// ReadBAR0 implements the MMIO read entry point (spec.md §4.1). size must
// be 1, 2, or 4; any other size is logged and rejected without aborting
// the guest.
func (c *Controller) ReadBAR0(offset int, size int) uint32 {
	if size != 1 && size != 2 && size != 4 {
		c.log.Warn("nvme: invalid MMIO read size", "size", size, "offset", offset)
		return 0
	}

	if offset < doorbellBase {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.regs.readRegion(offset, size)
	}

	// Doorbell region reads always return 0 (spec.md §4.1).
	return 0
}

// WriteBAR0 implements the MMIO write entry point (spec.md §4.1, §4.2).
func (c *Controller) WriteBAR0(offset int, size int, value uint32) {
	if size != 1 && size != 2 && size != 4 {
		c.log.Warn("nvme: invalid MMIO write size", "size", size, "offset", offset)
		return
	}

	if offset < doorbellBase {
		c.writeRegisterRegion(offset, value)
		return
	}

	idx := (offset - doorbellBase) / 8
	isSQ := (offset-doorbellBase)%8 < 4
	if idx < 0 || idx > int(c.cfg.MaxQueues) {
		c.log.Warn("nvme: doorbell index overflow", "idx", idx)
		return
	}

	if isSQ {
		c.sq[idx].tail.Store(value)
		if idx == 0 {
			c.runAdminExecutor()
		} else {
			c.runIOExecutor(uint16(idx))
		}
		return
	}

	c.cq[idx].head.Store(value)
}

func (c *Controller) writeRegisterRegion(offset int, value uint32) {
	c.mu.Lock()
	touched := c.regs.writeRegion(offset, value)
	c.mu.Unlock()

	if touched == "CC" {
		c.handleCCWrite(value)
	}
}
