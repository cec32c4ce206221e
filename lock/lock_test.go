package lock_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl/lock"
)

func TestTryRunFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	ctx := context.Background()

	err := lock.Run(ctx, path, func(ctx context.Context, scope lock.OwnerScope) error {
		assert.Equal(t, path, scope.Path())
		assert.Positive(t, scope.FD())
		return lock.TryRun(ctx, path, func(context.Context, lock.OwnerScope) error {
			t.Fatal("second owner admitted")
			return nil
		})
	})
	require.ErrorIs(t, err, lock.ErrLocked)

	ran := false
	require.NoError(t, lock.TryRun(ctx, path, func(context.Context, lock.OwnerScope) error {
		ran = true
		return nil
	}))
	assert.True(t, ran, "lock is released when fn returns")
}

func TestRunWaitsUntilContextEnds(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	err := lock.Run(context.Background(), path, func(context.Context, lock.OwnerScope) error {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		return lock.Run(ctx, path, func(context.Context, lock.OwnerScope) error { return nil })
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- lock.Run(context.Background(), path, func(context.Context, lock.OwnerScope) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	acquired := make(chan error, 1)
	go func() {
		acquired <- lock.Run(context.Background(), path, func(context.Context, lock.OwnerScope) error { return nil })
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
