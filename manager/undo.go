package manager

import (
	"errors"
	"fmt"
	"log/slog"
)

type undoStep struct {
	what string
	fn   func() error
}

// undoStack holds the compensating steps of a multi-step controller
// change: freeing a context that was allocated, sweeping a VLAN group
// that was half installed. They run newest first.
type undoStack []undoStep

func (u *undoStack) push(what string, fn func() error) {
	*u = append(*u, undoStep{what: what, fn: fn})
}

// rollback runs every step even when one fails. The returned error
// joins the failures, each prefixed with its step.
func (u undoStack) rollback(logger *slog.Logger) error {
	var errs []error
	for i := len(u) - 1; i >= 0; i-- {
		s := u[i]
		if err := s.fn(); err != nil {
			logger.Error("rollback step failed", "step", s.what, "error", err)
			errs = append(errs, fmt.Errorf("undo %s: %w", s.what, err))
			continue
		}
		logger.Debug("rolled back", "step", s.what)
	}
	return errors.Join(errs...)
}
