// Package lock provides the cross-process device ownership lock, an
// flock(2) on a file under the runtime directory. Only the holder may
// drive the controller: two daemons submitting commands to the same
// channel would corrupt each other's sequence tracking.
//
// Possession of an OwnerScope is proof that the lock is held. The scope
// cannot be constructed outside this package; it is only handed to code
// running under Run or TryRun.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryRun when another process owns the device.
var ErrLocked = errors.New("device is owned by another process")

// OwnerScope represents the dynamic execution region in which the
// device lock is held.
type OwnerScope interface {
	// Path returns the lock file.
	Path() string

	// FD returns the raw lock file descriptor (for logging/diagnostics).
	FD() int

	// ownerScopeMarker is unexported to prevent external implementations.
	ownerScopeMarker()
}

type ownerScope struct {
	f    *os.File
	path string
}

func (*ownerScope) ownerScopeMarker() {}

func (s *ownerScope) Path() string { return s.path }

func (s *ownerScope) FD() int { return int(s.f.Fd()) }

// Run acquires the device lock, executes fn, then releases. It waits
// for a current owner with exponential backoff until ctx ends.
func Run(ctx context.Context, path string, fn func(context.Context, OwnerScope) error) error {
	f, err := acquire(ctx, path, true)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(ctx, &ownerScope{f: f, path: path})
}

// TryRun is Run but fails with ErrLocked instead of waiting.
func TryRun(ctx context.Context, path string, fn func(context.Context, OwnerScope) error) error {
	f, err := acquire(ctx, path, false)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(ctx, &ownerScope{f: f, path: path})
}

func acquire(ctx context.Context, path string, wait bool) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	try := func() error {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EWOULDBLOCK):
			return fmt.Errorf("%s: %w", path, ErrLocked)
		default:
			return backoff.Permanent(fmt.Errorf("flock %s: %w", path, err))
		}
	}

	if !wait {
		err = try()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 25 * time.Millisecond
		b.MaxInterval = 500 * time.Millisecond
		b.MaxElapsedTime = 0
		err = backoff.Retry(try, backoff.WithContext(b, ctx))
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
