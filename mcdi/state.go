package mcdi

import (
	"context"
	"fmt"
	"strings"
)

// State is the device lifecycle as seen by the transport.
type State int32

const (
	// Operational accepts submissions.
	Operational State = iota
	// Recovering follows a controller reboot. Only the recovery
	// procedure may submit; everyone else fails fast.
	Recovering
	// Disabled follows a failed recovery. Nothing may submit.
	Disabled
)

func (s State) String() string {
	switch s {
	case Operational:
		return "operational"
	case Recovering:
		return "recovering"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Reprobe is the set of derived state that must be rebuilt after a
// controller reboot.
type Reprobe uint32

const (
	ReprobeCapabilities Reprobe = 1 << iota
	ReprobeRSS
	ReprobeFilters
	ReprobeVIs
	ReprobePIO

	ReprobeAll = ReprobeCapabilities | ReprobeRSS | ReprobeFilters | ReprobeVIs | ReprobePIO
)

func (r Reprobe) String() string {
	var parts []string
	for i, name := range []string{"capabilities", "rss", "filters", "vis", "pio"} {
		if r&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

type recoveryKey struct{}

// withRecovery marks ctx as belonging to the recovery procedure of t.
func withRecovery(ctx context.Context, t *Transport) context.Context {
	return context.WithValue(ctx, recoveryKey{}, t)
}

func inRecovery(ctx context.Context, t *Transport) bool {
	v, _ := ctx.Value(recoveryKey{}).(*Transport)
	return v == t
}
