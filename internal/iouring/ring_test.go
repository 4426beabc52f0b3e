//go:build linux

package iouring

import (
	"syscall"
	"testing"
)

func skipIfNoIOURing(t *testing.T) {
	t.Helper()
	ring, err := New(4)
	if err != nil {
		if err == syscall.ENOSYS {
			t.Skip("io_uring not supported on this kernel")
		}
		if err == syscall.EPERM {
			t.Skip("io_uring blocked by seccomp or permissions")
		}
		t.Skipf("io_uring unavailable: %v", err)
	}
	ring.Close()
}

func TestNewRing(t *testing.T) {
	skipIfNoIOURing(t)

	tests := []struct {
		name    string
		entries uint32
		wantErr bool
	}{
		{"default_64", 64, false},
		{"default_128", 128, false},
		{"non_power_of_two", 100, false}, // kernel rounds up
		{"zero_entries", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring, err := New(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if ring != nil {
				if ring.SQSpace() == 0 {
					t.Error("fresh ring should have SQ space")
				}
				ring.Close()
			}
		})
	}
}

func TestRingCloseIdempotent(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(16)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ring.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := ring.Close(); err != nil {
		t.Fatalf("second Close() should be a no-op, got %v", err)
	}
}

func TestPeekCQEAfterClose(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(16)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ring.Close()

	if _, _, ok := ring.PeekCQE(); ok {
		t.Error("closed ring should have no ready completions")
	}
}
