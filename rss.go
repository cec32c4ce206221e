package nicctl

import "fmt"

// RSSContextID names an RSS context allocated on the controller.
type RSSContextID uint32

// RSSContextDefault refers to the device's default RSS context, which
// the manager allocates during probe.
const RSSContextDefault RSSContextID = 0xffffffff

func (id RSSContextID) String() string {
	if id == RSSContextDefault {
		return "default"
	}
	return fmt.Sprintf("%d", uint32(id))
}

const (
	// RSSKeySize is the Toeplitz hash key length in bytes.
	RSSKeySize = 40
	// RSSIndirSize is the number of indirection table entries.
	RSSIndirSize = 128
)

// RSSConfig is the hash key and indirection table of a context.
type RSSConfig struct {
	Key   [RSSKeySize]byte
	Indir [RSSIndirSize]uint8
}

// DefaultIndir spreads entries round-robin over n queues.
func DefaultIndir(n int) [RSSIndirSize]uint8 {
	var t [RSSIndirSize]uint8
	if n <= 0 {
		return t
	}
	for i := range t {
		t[i] = uint8(i % n)
	}
	return t
}

// Validate checks that every indirection entry names one of the
// context's queues.
func (c RSSConfig) Validate(queues int) error {
	for i, q := range c.Indir {
		if int(q) >= queues {
			return fmt.Errorf("indirection entry %d: queue %d out of range [0,%d): %w", i, q, queues, ErrNotSupported)
		}
	}
	return nil
}
