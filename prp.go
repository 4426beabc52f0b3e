package nvme

import "github.com/vhostnvme/nvme/internal/nvmeabi"

const pageSize = nvmeabi.PageSize

// prpSegment is one entry of a PRP-derived host iovec.
type prpSegment struct {
	hva []byte
}

// prpWalkResult accumulates the segments produced by walkPRP, ready to hand
// to a BlockBackend, plus the coalescing state for the current batch. reset
// clears that state too, so after a partial-I/O drain (spec.md §4.3 overflow
// path) the resumed walk starts a new segment rather than extending one that
// was already submitted.
type prpWalkResult struct {
	segs    []prpSegment
	lastGPA uint64
	lastLen int
	haveLast bool
}

func (w *prpWalkResult) append(mem GuestMemory, gpa uint64, length int) error {
	if length == 0 {
		return nil
	}
	hva, ok := mem.Translate(gpa, length)
	if !ok {
		return ErrTranslationFailed
	}

	if w.haveLast && gpa == w.lastGPA+uint64(w.lastLen) {
		// Contiguous with the previous segment: re-translate the combined
		// span instead of appending, since guest memory is not guaranteed
		// to be one contiguous Go array across separate Translate calls.
		combinedLen := w.lastLen + length
		combined, ok := mem.Translate(w.lastGPA, combinedLen)
		if !ok {
			return ErrTranslationFailed
		}
		w.segs[len(w.segs)-1].hva = combined
		w.lastLen = combinedLen
		return nil
	}

	w.segs = append(w.segs, prpSegment{hva: hva})
	w.lastGPA = gpa
	w.lastLen = length
	w.haveLast = true
	return nil
}

func (w *prpWalkResult) iovec() [][]byte {
	iov := make([][]byte, len(w.segs))
	for i, s := range w.segs {
		iov[i] = s.hva
	}
	return iov
}

func (w *prpWalkResult) reset() {
	w.segs = w.segs[:0]
	w.haveLast = false
}

// walkPRP translates a command's prp1/prp2 pair into a host iovec, per
// spec.md §4.3. It stops and returns done=false with a partial result once
// the segment count would exceed nvmeabi.MaxBlockIOVs; the caller (io.go)
// is responsible for draining that partial result through the backend and
// resuming the walk for the remaining bytes (the partial-I/O path).
func walkPRP(mem GuestMemory, prp1, prp2 uint64, totalLen int, w *prpWalkResult) (remaining int, nextPRP2 uint64, nextOffset int, done bool, err error) {
	prp1 &^= 0x3
	prp2 &^= 0x3

	cpsz := pageSize - int(prp1%pageSize)
	if cpsz > totalLen {
		cpsz = totalLen
	}
	if err := appendChecked(mem, w, prp1, cpsz); err != nil {
		return 0, 0, 0, false, err
	}
	remaining = totalLen - cpsz
	if remaining == 0 {
		return 0, 0, 0, true, nil
	}

	if remaining <= pageSize {
		if err := appendChecked(mem, w, prp2, remaining); err != nil {
			return 0, 0, 0, false, err
		}
		return 0, 0, 0, true, nil
	}

	return walkPRPList(mem, prp2, 0, remaining, w)
}

// walkPRPList continues a walk through a PRP list page (or a chain of
// them) starting at list index `startIdx`, used both for the initial call
// out of walkPRP and for resuming after a partial-I/O drain.
func walkPRPList(mem GuestMemory, listGPA uint64, startIdx int, remaining int, w *prpWalkResult) (rem int, resumeListGPA uint64, resumeIdx int, done bool, err error) {
	list := listGPA
	idx := startIdx

	for remaining > 0 {
		if len(w.segs) >= nvmeabi.MaxBlockIOVs {
			return remaining, list, idx, false, nil
		}

		entryGPA, ok := mem.Translate(list+uint64(idx)*8, 8)
		if !ok {
			return 0, 0, 0, false, ErrTranslationFailed
		}
		ptr := le64(entryGPA)

		if idx == nvmeabi.PRP2Items-1 && remaining > pageSize {
			list = ptr &^ 0x3
			idx = 0
			continue
		}

		n := pageSize
		if n > remaining {
			n = remaining
		}
		if err := appendChecked(mem, w, ptr&^0x3, n); err != nil {
			return 0, 0, 0, false, err
		}
		remaining -= n
		idx++
	}

	return 0, 0, 0, true, nil
}

func appendChecked(mem GuestMemory, w *prpWalkResult, gpa uint64, length int) error {
	if len(w.segs) >= nvmeabi.MaxBlockIOVs && !(w.haveLast && gpa == w.lastGPA+uint64(w.lastLen)) {
		// Caller should have stopped before this in the list-walk path;
		// single-segment callers (cpsz/prp2) never hit the cap.
		return ErrTranslationFailed
	}
	return w.append(mem, gpa, length)
}

// walkPRPPages visits each guest-memory span described by prp1/prp2, in
// order, translating through mem and invoking fn once per span. It is the
// RAM backend's translation path (backend.go's ramBackend.CopyAt) and is
// deliberately distinct from walkPRP/walkPRPList above: it has no segment
// cap and never pauses mid-command to drain through a backend, because the
// RAM path has no backend to drain through — it memcpys directly and
// completes before returning (spec.md §4.6 item 2, §9 "Tagged storage
// backend").
func walkPRPPages(mem GuestMemory, prp1, prp2 uint64, totalLen int, fn func(hva []byte)) error {
	prp1 &^= 0x3
	prp2 &^= 0x3

	cpsz := pageSize - int(prp1%pageSize)
	if cpsz > totalLen {
		cpsz = totalLen
	}
	hva, ok := mem.Translate(prp1, cpsz)
	if !ok {
		return ErrTranslationFailed
	}
	fn(hva)

	remaining := totalLen - cpsz
	if remaining == 0 {
		return nil
	}

	if remaining <= pageSize {
		hva, ok := mem.Translate(prp2, remaining)
		if !ok {
			return ErrTranslationFailed
		}
		fn(hva)
		return nil
	}

	list := prp2
	idx := 0
	for remaining > 0 {
		entryGPA, ok := mem.Translate(list+uint64(idx)*8, 8)
		if !ok {
			return ErrTranslationFailed
		}
		ptr := le64(entryGPA) &^ 0x3

		if idx == nvmeabi.PRP2Items-1 && remaining > pageSize {
			list = ptr
			idx = 0
			continue
		}

		n := pageSize
		if n > remaining {
			n = remaining
		}
		hva, ok := mem.Translate(ptr, n)
		if !ok {
			return ErrTranslationFailed
		}
		fn(hva)
		remaining -= n
		idx++
	}
	return nil
}

func le64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
