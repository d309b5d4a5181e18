package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// ServiceAvailability and WakeEventReader wrap a live *ebpf.Map/perf
// ring and so need a running kernel with XDP/eBPF support to exercise;
// only the pure conversion helper is unit tested here. The code that
// uses them is tested against fakes instead: pkg/sync's tests go
// through the kernelTable seam and pkg/wake's through the reader seam.

func TestIPv4ToHostUint32(t *testing.T) {
	cases := []struct {
		in   [4]byte
		want uint32
	}{
		{[4]byte{10, 0, 0, 5}, 10<<24 | 0<<16 | 0<<8 | 5},
		{[4]byte{192, 168, 1, 1}, 192<<24 | 168<<16 | 1<<8 | 1},
		{[4]byte{0, 0, 0, 0}, 0},
		{[4]byte{255, 255, 255, 255}, 0xFFFFFFFF},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IPv4ToHostUint32(c.in), "IPv4ToHostUint32(%v)", c.in)
	}
}

func TestActionConstants(t *testing.T) {
	assert.EqualValues(t, 0, ActionObservedLive, "ActionObservedLive must match the kernel's encoding")
	assert.EqualValues(t, 1, ActionDropTriggered, "ActionDropTriggered must match the kernel's encoding")
}
