// Package hw describes the register-level boundary between the host
// and the management controller: a doorbell register pair, a warm
// boot counter, a shared command buffer and a completion event ring.
//
// Everything above this package talks to the controller only through
// a Device.
package hw

// Device is the hardware surface the control plane consumes.
type Device interface {
	// RingDoorbell hands the command buffer at addr to the
	// controller. Implementations write the high address word
	// first; the low word write triggers delivery.
	RingDoorbell(addr uint64) error

	// WarmBootCount reads the controller's warm boot counter. The
	// counter increments every time the controller restarts.
	WarmBootCount() (uint32, error)

	// Buffer returns the shared command buffer.
	Buffer() *DMABuffer

	// Events returns the completion ring the controller posts to.
	Events() *EventRing
}
