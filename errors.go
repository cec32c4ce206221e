package nicctl

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Lower layers wrap these with
// context; callers classify with errors.Is.
var (
	// ErrProtocolTimeout is returned when the controller did not
	// produce a response within the command's timeout tier.
	ErrProtocolTimeout = errors.New("controller did not respond in time")

	// ErrControllerRebooted is returned when the warm boot counter
	// changed while a request was outstanding. Derived state must be
	// re-probed before the request is retried.
	ErrControllerRebooted = errors.New("controller rebooted")

	// ErrNotImplemented is returned when the firmware does not
	// recognise a command. Callers may fall back to a legacy command.
	ErrNotImplemented = errors.New("command not implemented by firmware")

	// ErrBusy is returned when the filter search depth was exhausted
	// or a non-blocking operation found its slot busy.
	ErrBusy = errors.New("resource busy")

	// ErrOutOfSpace is returned when a table is genuinely full.
	ErrOutOfSpace = errors.New("no space left")

	// ErrPermissionDenied is returned on priority or ownership
	// conflicts.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAlreadyExists is returned when an equal-priority filter
	// already exists and replacement was not requested.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported is returned when a request cannot be expressed
	// with the controller's current capabilities.
	ErrNotSupported = errors.New("not supported")

	// ErrMalformedResponse is returned when a response violates the
	// protocol. It is fatal for that single request only.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrDisabled is returned once the device has been disabled after
	// a failed recovery.
	ErrDisabled = errors.New("device disabled")

	// ErrEventQueueOverflow is returned when the completion ring
	// overflowed. The device must be reset.
	ErrEventQueueOverflow = errors.New("event queue overflow")
)

// IsRetryable reports whether err is a condition the caller may retry
// after backing off (or, for a reboot, after re-probing).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrProtocolTimeout) ||
		errors.Is(err, ErrControllerRebooted)
}

// ErrFilterNotFound is returned when a FilterID does not name a live
// filter, either because it was removed or because the ID is stale.
type ErrFilterNotFound struct {
	ID FilterID
}

func (e ErrFilterNotFound) Error() string {
	return fmt.Sprintf("filter %d does not exist", e.ID)
}

// Is reports ErrFilterNotFound as ErrNotFound.
func (e ErrFilterNotFound) Is(target error) bool {
	return target == ErrNotFound
}

// ErrUnsupportedMatch is returned when a filter's match-field set is
// not in the controller's list of supported combinations.
type ErrUnsupportedMatch struct {
	Match MatchFields
}

func (e ErrUnsupportedMatch) Error() string {
	return fmt.Sprintf("match fields %s not supported by firmware", e.Match)
}

// Is reports ErrUnsupportedMatch as ErrNotSupported.
func (e ErrUnsupportedMatch) Is(target error) bool {
	return target == ErrNotSupported
}

// ErrRSSContextInUse is returned when freeing an RSS context that
// live filters still reference.
type ErrRSSContextInUse struct {
	ID RSSContextID
}

func (e ErrRSSContextInUse) Error() string {
	return fmt.Sprintf("rss context %d is referenced by filters", e.ID)
}

// Is reports ErrRSSContextInUse as ErrBusy.
func (e ErrRSSContextInUse) Is(target error) bool {
	return target == ErrBusy
}
