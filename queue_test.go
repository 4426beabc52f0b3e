package nvme

import (
	"testing"

	"github.com/vhostnvme/nvme/internal/nvmeabi"
)

func TestCompletionQueuePhaseTogglesOnWrap(t *testing.T) {
	mem := newFakeGuestMemory(4096)
	cqBase, _ := mem.Translate(0, 4*nvmeabi.CompletionLen)

	var cq completionQueue
	cq.qbase = cqBase
	cq.size = 4
	cq.phase = 1
	cq.intEn = true

	wantPhases := []bool{true, true, true, true, false}
	for i, want := range wantPhases {
		_, _, ok := cq.post(0, 0, uint16(i), nvmeabi.StatusSuccess)
		if !ok {
			t.Fatalf("post %d: not ok", i)
		}
		off := (i % 4) * nvmeabi.CompletionLen
		got := nvmeabi.DecodeCompletion(cqBase[off : off+nvmeabi.CompletionLen])
		if got.Phase != want {
			t.Errorf("post %d: phase = %v, want %v", i, got.Phase, want)
		}
	}
}

func TestCompletionQueuePostOnUnmappedReturnsNotOK(t *testing.T) {
	var cq completionQueue
	if _, _, ok := cq.post(0, 0, 0, nvmeabi.StatusSuccess); ok {
		t.Fatal("post on unmapped CQ should report ok=false")
	}
}

func TestSubmissionQueueBusyTryLock(t *testing.T) {
	var sq submissionQueue
	if !sq.tryLock() {
		t.Fatal("first tryLock should succeed")
	}
	if sq.tryLock() {
		t.Fatal("second tryLock while held should fail")
	}
	sq.unlock()
	if !sq.tryLock() {
		t.Fatal("tryLock after unlock should succeed")
	}
}

func TestSubmissionQueueResetClearsMapping(t *testing.T) {
	mem := newFakeGuestMemory(4096)
	base, _ := mem.Translate(0, 64)

	sq := submissionQueue{qbase: base, size: 4, cqid: 1}
	sq.reset()

	if sq.mapped() {
		t.Fatal("reset SQ should be unmapped")
	}
	if sq.size != 0 {
		t.Fatalf("reset SQ size = %d, want 0", sq.size)
	}
}

func TestQueueEntryCountInvariant(t *testing.T) {
	// (tail - head + size) mod size must stay within [0, size).
	var sq submissionQueue
	sq.size = 8
	sq.head.Store(6)
	sq.tail.Store(2) // wrapped: tail has wrapped past head

	count := (sq.tail.Load() - sq.head.Load() + sq.size) % sq.size
	if count >= sq.size {
		t.Fatalf("entry count %d exceeds size %d", count, sq.size)
	}
}
