package recording

import (
	"fmt"
	"sync"
)

// PortAllocator hands out RTP/RTCP port pairs on loopback for recorder egress
// transports. A single allocator is shared by every recorder in the process so
// two concurrent recordings never pick the same ports. The cursor cycles
// through the configured range and wraps around; a collision after a full wrap
// in a very long-running process is a known limitation.
type PortAllocator struct {
	mu   sync.Mutex
	min  uint16
	max  uint16
	next uint16
}

func NewPortAllocator(min, max uint16) (*PortAllocator, error) {
	if min == 0 || max <= min || max-min < 3 {
		return nil, fmt.Errorf("invalid recording port range %d-%d", min, max)
	}
	return &PortAllocator{min: min, max: max, next: min}, nil
}

// AllocPair returns an (RTP, RTCP) port pair.
func (a *PortAllocator) AllocPair() (rtp, rtcp uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next > a.max-1 {
		a.next = a.min
	}
	rtp = a.next
	rtcp = a.next + 1
	a.next += 2
	return rtp, rtcp
}
