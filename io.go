package nvme

import "github.com/vhostnvme/nvme/internal/nvmeabi"

// runIOExecutor implements the shared executor loop shape from spec.md
// §4.2, specialized to I/O opcodes on queue `qid`.
func (c *Controller) runIOExecutor(qid uint16) {
	if int(qid) >= len(c.sq) {
		return
	}
	sq := &c.sq[qid]
	if !sq.tryLock() {
		return
	}
	defer sq.unlock()

	if !sq.mapped() {
		return
	}

	head := sq.head.Load()
	for head != sq.tail.Load() {
		cmd := sq.commandAt(head)
		c.dispatchIO(sq, qid, cmd)
		head = (head + 1) % sq.size
	}
	sq.head.Store(head)
}

func (c *Controller) dispatchIO(sq *submissionQueue, qid uint16, cmd nvmeabi.Command) {
	switch cmd.Opc {
	case nvmeabi.OpFlush:
		c.backend.Flush(func(IOCompletion) {})
		c.completeIO(sq, qid, cmd, nvmeabi.StatusSuccess)
	case nvmeabi.OpWriteZeros:
		c.completeIO(sq, qid, cmd, nvmeabi.StatusSuccess)
	case nvmeabi.OpRead:
		c.execReadWrite(sq, qid, cmd, false)
	case nvmeabi.OpWrite:
		c.execReadWrite(sq, qid, cmd, true)
	default:
		c.completeIO(sq, qid, cmd, nvmeabi.StatusInvalidField)
	}
}

func (c *Controller) completeIO(sq *submissionQueue, qid uint16, cmd nvmeabi.Command, status nvmeabi.Status) {
	cq := &c.cq[sq.cqid]
	vector, fire, ok := cq.post(uint16(sq.head.Load()), qid, cmd.CID, status)
	if !ok {
		return
	}
	if fire {
		c.irq.SignalMSIX(vector)
	}
}

// execReadWrite implements spec.md §4.6 for Read/Write, dispatched by a
// type switch over the concrete backend — the tagged-variant dispatch
// spec.md §9's "Tagged storage backend" note calls for, rather than a
// single polymorphic path.
func (c *Controller) execReadWrite(sq *submissionQueue, qid uint16, cmd nvmeabi.Command, write bool) {
	sectSize := c.sectorSize()
	lba := cmd.LBA()
	nblocks := (cmd.CDW12 & 0xFFFF) + 1
	byteLen := int(nblocks) * sectSize
	byteOffset := int64(lba) * int64(sectSize)

	var status nvmeabi.Status
	switch b := c.backend.(type) {
	case ramDirectBackend:
		// RAM completes synchronously under no extra lock: memcpy directly
		// between gpa_to_hva(prp1/prp2) and the backing buffer, never
		// touching the I/O request pool or the PRP Walker (spec.md §4.6
		// item 2).
		_, err := b.CopyAt(c.mem, cmd.PRP1, cmd.PRP2, byteOffset, byteLen, write)
		status = ramIOStatus(err)
	case asyncBlockBackend:
		status = c.execReadWriteBlock(b, sq, qid, cmd, byteOffset, byteLen, write)
	default:
		status = nvmeabi.StatusDataTransferError
	}

	c.completeIO(sq, qid, cmd, status)
}

func ramIOStatus(err error) nvmeabi.Status {
	switch err {
	case nil:
		return nvmeabi.StatusSuccess
	case ErrLBAOutOfRange:
		return nvmeabi.StatusLBAOutOfRange
	default:
		return nvmeabi.StatusDataTransferError
	}
}

// execReadWriteBlock implements spec.md §4.6 item 3 for the block backend:
// acquire an I/O request, run the PRP Walker, attach a completion
// callback, draining through the backend whenever the segment cap is hit
// (spec.md §4.3 overflow path).
func (c *Controller) execReadWriteBlock(b asyncBlockBackend, sq *submissionQueue, qid uint16, cmd nvmeabi.Command, byteOffset int64, byteLen int, write bool) nvmeabi.Status {
	req := c.pool.acquire()
	req.ctrl = c
	req.sq = sq
	req.sqid = qid
	req.opc = cmd.Opc
	req.cid = cmd.CID
	req.nsid = cmd.NSID

	remaining := byteLen
	prp1, prp2 := cmd.PRP1, cmd.PRP2
	var status nvmeabi.Status
	success := true

	// Build the iovec via the PRP Walker, draining through the backend
	// whenever the segment cap is hit (spec.md §4.3 overflow path).
	rem, nextListGPA, nextIdx, done, err := walkPRP(c.mem, prp1, prp2, remaining, &req.walk)
	inList := !done && rem > 0
	for {
		if err != nil {
			status = nvmeabi.StatusDataTransferError
			success = false
			break
		}
		if done {
			break
		}
		if !inList {
			break
		}

		// Hit the 512-segment cap mid PRP-list walk: drain the current
		// batch through the backend, then resume from where we left off.
		c.submitBatch(b, req, byteOffset, write, &status, &success)
		if !success {
			break
		}
		byteOffset += sumLen(req.walk.iovec())
		req.walk.reset()

		rem, nextListGPA, nextIdx, done, err = walkPRPList(c.mem, nextListGPA, nextIdx, rem, &req.walk)
		inList = !done
	}

	if success {
		c.submitBatch(b, req, byteOffset, write, &status, &success)
	}

	if success {
		status = nvmeabi.StatusSuccess
	}

	c.pool.release(req)
	return status
}

func sumLen(iov [][]byte) int64 {
	var n int64
	for _, seg := range iov {
		n += int64(len(seg))
	}
	return n
}

// submitBatch drains the accumulated iovec in req.walk through the
// backend and blocks until the I/O completes (spec.md §4.3's
// condition-variable-based partial-I/O draining).
func (c *Controller) submitBatch(b asyncBlockBackend, req *ioRequest, offset int64, write bool, status *nvmeabi.Status, success *bool) {
	iov := req.walk.iovec()
	if len(iov) == 0 {
		return
	}

	req.markBusy()
	var compl IOCompletion
	cb := func(ic IOCompletion) {
		compl = ic
		req.signalDrained()
	}

	if write {
		b.WriteAt(iov, offset, cb)
	} else {
		b.ReadAt(iov, offset, cb)
	}
	req.waitDrain()

	if compl.Err != nil {
		if compl.Err == ErrLBAOutOfRange {
			*status = nvmeabi.StatusLBAOutOfRange
		} else {
			*status = nvmeabi.StatusDataTransferError
		}
		*success = false
	}
}
