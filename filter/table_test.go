package filter_test

import (
	"context"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/emulator"
	"github.com/frobware/go-nicctl/filter"
	"github.com/frobware/go-nicctl/mcdi"
	"github.com/frobware/go-nicctl/metrics"
)

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := filter.New(nil, filter.Config{Size: 0, Matches: []nicctl.MatchFields{nicctl.MatchLocMAC}}, testLogger())
	require.Error(t, err)

	_, err = filter.New(nil, filter.Config{Size: 8}, testLogger())
	require.ErrorIs(t, err, nicctl.ErrNotSupported)
}

func TestInsertThenLookupReturnsSameSpec(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	specs := []nicctl.FilterSpec{
		macSpec(t, nicctl.PriorityManual, "00:0f:53:00:00:01", 1),
		flowSpec(nicctl.PriorityHint, 8080, 2),
	}
	for _, spec := range specs {
		id, err := f.Table.Insert(ctx, spec, false)
		require.NoError(t, err)

		got, err := f.Table.Lookup(id, spec.Priority)
		require.NoError(t, err)
		if diff := cmp.Diff(spec, got, addrComparer); diff != "" {
			t.Errorf("lookup mismatch (-want +got):\n%s", diff)
		}
	}
	assert.Equal(t, 2, f.Table.Len())
	assert.Len(t, f.firmwareFilters(), 2)
}

func TestLookupAtOtherPriorityIsNotFound(t *testing.T) {
	f := newTestFixture(t)
	id, err := f.Table.Insert(context.Background(), macSpec(t, nicctl.PriorityManual, nthMAC(1), 0), false)
	require.NoError(t, err)

	_, err = f.Table.Lookup(id, nicctl.PriorityAuto)
	require.ErrorIs(t, err, nicctl.ErrNotFound)
	_, err = f.Table.Get(nicctl.FilterIDInvalid)
	require.ErrorIs(t, err, nicctl.ErrNotFound)
}

func TestUnsupportedMatchIsRejectedLocally(t *testing.T) {
	f := newTestFixture(t)
	spec := macSpec(t, nicctl.PriorityManual, nthMAC(1), 0)
	spec.Match |= nicctl.MatchRemMAC

	_, err := f.Table.Insert(context.Background(), spec, false)
	var unsupported nicctl.ErrUnsupportedMatch
	require.ErrorAs(t, err, &unsupported)
	require.ErrorIs(t, err, nicctl.ErrNotSupported)
	assert.Zero(t, f.Controller.CommandCount(mcdi.OpFilterOp))
}

func TestFillTableThenOutOfSpace(t *testing.T) {
	f := newTestFixture(t, func(fc *fixtureConfig) {
		fc.table.Size = 8
		fc.table.SearchLimit = 200
	})
	ctx := context.Background()

	ids := map[nicctl.FilterID]bool{}
	for i := range 8 {
		id, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(i), 0), false)
		require.NoError(t, err, "insert %d", i)
		ids[id] = true
	}
	assert.Len(t, ids, 8)

	_, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(8), 0), false)
	require.ErrorIs(t, err, nicctl.ErrOutOfSpace)
	assert.Equal(t, 8, f.Table.Len())
}

func TestExhaustedSearchDepthIsBusy(t *testing.T) {
	f := newTestFixture(t, func(fc *fixtureConfig) {
		fc.table.Size = 64
		fc.table.SearchLimit = 1
	})
	ctx := context.Background()

	// With a probe depth of one, two tuples hashing to the same slot
	// cannot both be installed. Keep inserting until one collides.
	var busy bool
	for i := range 64 {
		_, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(i), 0), false)
		if err != nil {
			require.ErrorIs(t, err, nicctl.ErrBusy)
			require.NotErrorIs(t, err, nicctl.ErrOutOfSpace)
			busy = true
			break
		}
	}
	assert.True(t, busy, "expected a probe collision among 64 tuples in 64 slots")
}

func TestBetterPriorityReplacesIncumbent(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	old := flowSpec(nicctl.PriorityHint, 80, 1)
	oldID, err := f.Table.Insert(ctx, old, false)
	require.NoError(t, err)

	better := flowSpec(nicctl.PriorityManual, 80, 2)
	id, err := f.Table.Insert(ctx, better, false)
	require.NoError(t, err)
	assert.Equal(t, oldID, id, "same tuple keeps its slot")

	assert.Equal(t, 1, f.Table.Len())
	_, err = f.Table.Lookup(id, nicctl.PriorityHint)
	require.ErrorIs(t, err, nicctl.ErrNotFound)
	got, err := f.Table.Lookup(id, nicctl.PriorityManual)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), got.Queue)

	fw := f.firmwareFilters()
	require.Len(t, fw, 1)
	assert.Equal(t, nicctl.PriorityManual, fw[0].Spec.Priority)
	assert.Equal(t, 2, f.Controller.CommandCount(mcdi.OpFilterOp), "one insert and one replace")
}

func TestWorsePriorityIsDenied(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	id, err := f.Table.Insert(ctx, flowSpec(nicctl.PriorityManual, 80, 1), false)
	require.NoError(t, err)
	before := f.Table.List()

	_, err = f.Table.Insert(ctx, flowSpec(nicctl.PriorityHint, 80, 2), true)
	require.ErrorIs(t, err, nicctl.ErrPermissionDenied)

	if diff := cmp.Diff(before, f.Table.List(), addrComparer); diff != "" {
		t.Errorf("table changed (-before +after):\n%s", diff)
	}
	got, err := f.Table.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), got.Queue)
}

func TestEqualPriorityWithoutReplaceAlreadyExists(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	id, err := f.Table.Insert(ctx, flowSpec(nicctl.PriorityHint, 80, 1), false)
	require.NoError(t, err)

	_, err = f.Table.Insert(ctx, flowSpec(nicctl.PriorityHint, 80, 2), false)
	require.ErrorIs(t, err, nicctl.ErrAlreadyExists)

	got, err := f.Table.Lookup(id, nicctl.PriorityHint)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), got.Queue)

	_, err = f.Table.Insert(ctx, flowSpec(nicctl.PriorityHint, 80, 3), true)
	require.NoError(t, err)
	got, err = f.Table.Lookup(id, nicctl.PriorityHint)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), got.Queue)
}

func TestExclusiveTuplesAreUnique(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	priorities := []nicctl.Priority{nicctl.PriorityHint, nicctl.PriorityAuto, nicctl.PriorityManual, nicctl.PriorityRequired}
	for i := range 16 {
		for _, p := range priorities {
			_, _ = f.Table.Insert(ctx, macSpec(t, p, nthMAC(i%4), uint16(i)), i%2 == 0)
		}
	}

	seen := map[nicctl.Tuple]nicctl.FilterID{}
	for _, e := range f.Table.List() {
		if prev, dup := seen[e.Spec.Tuple()]; dup {
			t.Fatalf("filters %s and %s share tuple %v", prev, e.ID, e.Spec.Tuple())
		}
		seen[e.Spec.Tuple()] = e.ID
	}
	assert.Len(t, seen, 4)
	assert.Len(t, f.firmwareFilters(), 4)
}

func TestAutoUnderBetterFilterComesBackOnRemove(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	auto := macSpec(t, nicctl.PriorityAuto, nthMAC(1), 0)
	id, err := f.Table.Insert(ctx, auto, false)
	require.NoError(t, err)

	manual := macSpec(t, nicctl.PriorityManual, nthMAC(1), 5)
	_, err = f.Table.Insert(ctx, manual, false)
	require.NoError(t, err)
	entries := f.Table.List()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].OverAuto)

	require.NoError(t, f.Table.Remove(ctx, id))
	got, err := f.Table.Lookup(id, nicctl.PriorityAuto)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), got.Queue)

	fw := f.firmwareFilters()
	require.Len(t, fw, 1)
	assert.Equal(t, nicctl.PriorityAuto, fw[0].Spec.Priority)

	require.NoError(t, f.Table.Remove(ctx, id))
	assert.Zero(t, f.Table.Len())
	assert.Empty(t, f.firmwareFilters())
}

func TestAutoInsertUnderBetterFilterIsKept(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	manualID, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(1), 5), false)
	require.NoError(t, err)
	ops := f.Controller.CommandCount(mcdi.OpFilterOp)

	id, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityAuto, nthMAC(1), 0), false)
	require.NoError(t, err)
	assert.Equal(t, manualID, id)
	assert.Equal(t, ops, f.Controller.CommandCount(mcdi.OpFilterOp), "no command for a kept filter")

	got, err := f.Table.Get(id)
	require.NoError(t, err)
	assert.Equal(t, nicctl.PriorityManual, got.Priority)
	assert.True(t, f.Table.List()[0].OverAuto)
}

func TestMulticastRecipientsShareTuple(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	mc := macSpec(t, nicctl.PriorityHint, "01:00:5e:00:00:01", 1)
	a, err := f.Table.Insert(ctx, mc, false)
	require.NoError(t, err)
	mc.Queue = 2
	b, err := f.Table.Insert(ctx, mc, false)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, f.Table.Len())

	fw := f.firmwareFilters()
	require.Len(t, fw, 1)
	assert.Equal(t, 2, fw[0].Refs)
}

func TestMulticastRecipientCascade(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	mc := macSpec(t, nicctl.PriorityHint, "01:00:5e:00:00:07", 1)
	for q := range uint16(3) {
		mc.Queue = q
		_, err := f.Table.Insert(ctx, mc, false)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.Table.Len())

	manual := mc
	manual.Priority = nicctl.PriorityManual
	manual.Queue = 9
	id, err := f.Table.Insert(ctx, manual, false)
	require.NoError(t, err)

	// Three superseded, one replaced in place, two removed.
	assert.Equal(t, 1, f.Table.Len())
	got, err := f.Table.Lookup(id, nicctl.PriorityManual)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), got.Queue)
	assert.Zero(t, f.Table.CountByPriority(nicctl.PriorityHint))

	fw := f.firmwareFilters()
	require.Len(t, fw, 1)
	assert.Equal(t, 1, fw[0].Refs)
	assert.Equal(t, nicctl.PriorityManual, fw[0].Spec.Priority)
}

func TestRemoveAbsentIsNotFound(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	spec := macSpec(t, nicctl.PriorityManual, nthMAC(3), 0)
	id, err := f.Table.Insert(ctx, spec, false)
	require.NoError(t, err)
	require.NoError(t, f.Table.Remove(ctx, id))

	done := make(chan error, 1)
	go func() { done <- f.Table.Remove(ctx, id) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, nicctl.ErrNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("remove of an absent filter blocked")
	}

	again, err := f.Table.Insert(ctx, spec, false)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.False(t, f.Table.List()[0].Busy)
}

func TestRemoveForgottenByControllerSucceeds(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	id, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(3), 0), false)
	require.NoError(t, err)
	f.Controller.FailNext(mcdi.OpFilterOp, mcdi.ENOENT)

	require.NoError(t, f.Table.Remove(ctx, id))
	assert.Zero(t, f.Table.Len())
}

func TestConcurrentRemoveOfSameFilter(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.Controller.SetLatency(5 * time.Millisecond)

	id, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(4), 0), false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.Table.Remove(ctx, id)
		}()
	}
	wg.Wait()

	var ok, notFound int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, nicctl.ErrNotFound)
		notFound++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, notFound)
	assert.Zero(t, f.Table.Len())
}

func TestConcurrentInsertsOfSameTupleSerialise(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.Controller.SetLatency(2 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = f.Table.Insert(ctx, flowSpec(nicctl.PriorityManual, 443, uint16(i)), false)
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, nicctl.ErrAlreadyExists)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.Table.Len())
	assert.Len(t, f.firmwareFilters(), 1)
}

func TestFailedInsertRollsBack(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	f.Controller.FailNext(mcdi.OpFilterOp, mcdi.ENOSPC)
	spec := macSpec(t, nicctl.PriorityManual, nthMAC(1), 0)
	_, err := f.Table.Insert(ctx, spec, false)
	require.ErrorIs(t, err, nicctl.ErrOutOfSpace)
	assert.Zero(t, f.Table.Len())

	_, err = f.Table.Insert(ctx, spec, false)
	require.NoError(t, err)
}

func TestTimedOutInsertReleasesSlot(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	f.Controller.HangNext(mcdi.OpFilterOp)
	spec := macSpec(t, nicctl.PriorityManual, nthMAC(1), 0)
	_, err := f.Table.Insert(ctx, spec, false)
	require.ErrorIs(t, err, nicctl.ErrProtocolTimeout)
	assert.Zero(t, f.Table.Len())

	_, err = f.Table.Insert(ctx, spec, false)
	require.NoError(t, err)
}

func TestRedirect(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	var rss mcdi.RSSContextRef
	require.NoError(t, f.Transport.Call(ctx, mcdi.OpRSSContextAlloc, mcdi.RSSContextAllocRequest{Queues: 4}, &rss))

	id, err := f.Table.Insert(ctx, flowSpec(nicctl.PriorityManual, 22, 1), false)
	require.NoError(t, err)

	require.NoError(t, f.Table.Redirect(ctx, id, 7, &rss.ID))
	got, err := f.Table.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), got.Queue)
	assert.NotZero(t, got.Flags&nicctl.FlagRSS)
	assert.True(t, f.Table.UsesRSSContext(rss.ID))

	require.NoError(t, f.Table.Redirect(ctx, id, 3, nil))
	got, err = f.Table.Get(id)
	require.NoError(t, err)
	assert.Zero(t, got.Flags&nicctl.FlagRSS)
	assert.False(t, f.Table.UsesRSSContext(rss.ID))

	require.ErrorIs(t, f.Table.Redirect(ctx, id+1, 3, nil), nicctl.ErrNotFound)
}

func TestDefaultRSSContextIsResolved(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	spec := flowSpec(nicctl.PriorityManual, 53, 0)
	spec.Flags |= nicctl.FlagRSS
	_, err := f.Table.Insert(ctx, spec, false)
	require.ErrorIs(t, err, nicctl.ErrNotSupported, "no default context yet")

	var rss mcdi.RSSContextRef
	require.NoError(t, f.Transport.Call(ctx, mcdi.OpRSSContextAlloc, mcdi.RSSContextAllocRequest{Exclusive: true, Queues: 8}, &rss))
	f.Table.SetDefaultRSSContext(rss.ID)

	id, err := f.Table.Insert(ctx, spec, false)
	require.NoError(t, err)
	got, err := f.Table.Get(id)
	require.NoError(t, err)
	assert.Equal(t, nicctl.RSSContextDefault, got.RSSContext)
	assert.True(t, f.Table.UsesRSSContext(rss.ID))

	fw := f.firmwareFilters()
	require.Len(t, fw, 1)
	assert.Equal(t, rss.ID, fw[0].Spec.RSSContext)
}

func TestClearPriority(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	for i := range 5 {
		_, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(i), 0), false)
		require.NoError(t, err)
	}
	for i := range 3 {
		_, err := f.Table.Insert(ctx, flowSpec(nicctl.PriorityHint, uint16(1000+i), 0), false)
		require.NoError(t, err)
	}
	assert.Len(t, f.Table.ListIDsByPriority(nicctl.PriorityManual), 5)

	require.NoError(t, f.Table.ClearPriority(ctx, nicctl.PriorityManual))
	assert.Zero(t, f.Table.CountByPriority(nicctl.PriorityManual))
	assert.Equal(t, 3, f.Table.CountByPriority(nicctl.PriorityHint))
	assert.Len(t, f.firmwareFilters(), 3)
}

func TestMarkAndSweepOld(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	var ids []nicctl.FilterID
	for i := range 4 {
		id, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityAuto, nthMAC(i), 0), false)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// A better filter over the third address.
	_, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(2), 4), false)
	require.NoError(t, err)

	assert.Equal(t, 4, f.Table.MarkOld(ids))

	// Renew the first address; it survives the sweep.
	_, err = f.Table.Insert(ctx, macSpec(t, nicctl.PriorityAuto, nthMAC(0), 0), true)
	require.NoError(t, err)

	removed, err := f.Table.SweepOld(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = f.Table.Lookup(ids[0], nicctl.PriorityAuto)
	require.NoError(t, err)
	got, err := f.Table.Get(ids[2])
	require.NoError(t, err)
	assert.Equal(t, nicctl.PriorityManual, got.Priority)
	for _, e := range f.Table.List() {
		assert.False(t, e.OverAuto, "sweep forgets the AUTO filter under %s", e.ID)
	}
	assert.Equal(t, 2, f.Table.Len())

	// The manual filter no longer demotes.
	require.NoError(t, f.Table.Remove(ctx, ids[2]))
	assert.Equal(t, 1, f.Table.Len())
}

func TestInsertAsync(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	type result struct {
		cookie uint64
		id     nicctl.FilterID
		err    error
	}
	results := make(chan result, 4)
	cb := func(cookie uint64, id nicctl.FilterID, err error) {
		results <- result{cookie, id, err}
	}

	require.NoError(t, f.Table.InsertAsync(ctx, flowSpec(nicctl.PriorityHint, 9000, 3), true, 42, cb))
	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, uint64(42), r.cookie)
	got, err := f.Table.Lookup(r.id, nicctl.PriorityHint)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), got.Queue)

	removed := make(chan error, 1)
	require.NoError(t, f.Table.RemoveAsync(ctx, r.id, 7, func(cookie uint64, err error) {
		assert.Equal(t, uint64(7), cookie)
		removed <- err
	}))
	require.NoError(t, <-removed)
	assert.Zero(t, f.Table.Len())
	assert.Empty(t, f.firmwareFilters())
}

func TestInsertAsyncRestrictions(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	cb := func(uint64, nicctl.FilterID, error) { t.Error("callback after a refused submission") }

	err := f.Table.InsertAsync(ctx, flowSpec(nicctl.PriorityManual, 1, 0), false, 0, cb)
	require.ErrorIs(t, err, nicctl.ErrNotSupported)

	err = f.Table.InsertAsync(ctx, macSpec(t, nicctl.PriorityHint, "01:00:5e:00:00:01", 0), false, 0, cb)
	require.ErrorIs(t, err, nicctl.ErrNotSupported)

	rss := flowSpec(nicctl.PriorityHint, 1, 0)
	rss.Flags |= nicctl.FlagRSS
	err = f.Table.InsertAsync(ctx, rss, false, 0, cb)
	require.ErrorIs(t, err, nicctl.ErrNotSupported, "controller lacks async rss")
}

func TestInsertAsyncNeverWaitsOnBusySlot(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.Controller.SetLatency(50 * time.Millisecond)

	first := make(chan error, 1)
	require.NoError(t, f.Table.InsertAsync(ctx, flowSpec(nicctl.PriorityHint, 7, 0), true, 1, func(_ uint64, _ nicctl.FilterID, err error) {
		first <- err
	}))

	err := f.Table.InsertAsync(ctx, flowSpec(nicctl.PriorityHint, 7, 1), true, 2, func(uint64, nicctl.FilterID, error) {
		t.Error("callback for a refused submission")
	})
	require.ErrorIs(t, err, nicctl.ErrBusy)
	require.NoError(t, <-first)
}

func TestInsertAsyncWindow(t *testing.T) {
	f := newTestFixture(t, func(fc *fixtureConfig) { fc.table.AsyncLimit = 1 })
	ctx := context.Background()
	f.Controller.SetLatency(50 * time.Millisecond)

	first := make(chan error, 1)
	require.NoError(t, f.Table.InsertAsync(ctx, flowSpec(nicctl.PriorityHint, 1, 0), true, 1, func(_ uint64, _ nicctl.FilterID, err error) {
		first <- err
	}))
	err := f.Table.InsertAsync(ctx, flowSpec(nicctl.PriorityHint, 2, 0), true, 2, func(uint64, nicctl.FilterID, error) {})
	require.ErrorIs(t, err, nicctl.ErrBusy)
	require.NoError(t, <-first)
}

func TestInsertAsyncFailureRollsBack(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.Controller.FailNext(mcdi.OpFilterOp, mcdi.EINVAL)

	done := make(chan error, 1)
	require.NoError(t, f.Table.InsertAsync(ctx, flowSpec(nicctl.PriorityHint, 1, 0), true, 1, func(_ uint64, id nicctl.FilterID, err error) {
		assert.Equal(t, nicctl.FilterIDInvalid, id)
		done <- err
	}))
	require.Error(t, <-done)
	assert.Zero(t, f.Table.Len())
}

func TestRestoreAfterReboot(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	var keep, lost mcdi.RSSContextRef
	require.NoError(t, f.Transport.Call(ctx, mcdi.OpRSSContextAlloc, mcdi.RSSContextAllocRequest{Queues: 4}, &keep))
	require.NoError(t, f.Transport.Call(ctx, mcdi.OpRSSContextAlloc, mcdi.RSSContextAllocRequest{Queues: 4}, &lost))

	for i := range 3 {
		_, err := f.Table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(i), 0), false)
		require.NoError(t, err)
	}
	kept := flowSpec(nicctl.PriorityManual, 1, 0)
	kept.Flags |= nicctl.FlagRSS
	kept.RSSContext = keep.ID
	keptID, err := f.Table.Insert(ctx, kept, false)
	require.NoError(t, err)
	dropped := flowSpec(nicctl.PriorityManual, 2, 0)
	dropped.Flags |= nicctl.FlagRSS
	dropped.RSSContext = lost.ID
	droppedID, err := f.Table.Insert(ctx, dropped, false)
	require.NoError(t, err)

	require.NoError(t, f.Controller.Reboot(ctx))
	require.Eventually(t, func() bool { return f.Transport.State() == mcdi.Recovering }, 5*time.Second, time.Millisecond)
	assert.Empty(t, f.firmwareFilters())

	var newKeep nicctl.RSSContextID
	var restored int
	var lostEntries []filter.Entry
	err = f.Transport.Recover(ctx, func(ctx context.Context) error {
		var ref mcdi.RSSContextRef
		if err := f.Transport.Call(ctx, mcdi.OpRSSContextAlloc, mcdi.RSSContextAllocRequest{Queues: 4}, &ref); err != nil {
			return err
		}
		newKeep = ref.ID
		remap := func(id nicctl.RSSContextID) (nicctl.RSSContextID, bool) {
			if id == keep.ID {
				return newKeep, true
			}
			return 0, false
		}
		var err error
		restored, lostEntries, err = f.Table.Restore(ctx, remap)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, mcdi.Operational, f.Transport.State())

	assert.Equal(t, 4, restored)
	require.Len(t, lostEntries, 1)
	assert.Equal(t, droppedID, lostEntries[0].ID)
	assert.Equal(t, 4, f.Table.Len())
	assert.Len(t, f.firmwareFilters(), 4)

	got, err := f.Table.Get(keptID)
	require.NoError(t, err)
	assert.Equal(t, newKeep, got.RSSContext)
	_, err = f.Table.Get(droppedID)
	require.ErrorIs(t, err, nicctl.ErrNotFound)
}

// without returns matches minus m.
func without(matches []nicctl.MatchFields, m nicctl.MatchFields) []nicctl.MatchFields {
	return slices.DeleteFunc(slices.Clone(matches), func(x nicctl.MatchFields) bool { return x == m })
}

func TestReconfigureAcceptsNewlyListedMatch(t *testing.T) {
	full := emulator.DefaultConfig().Matches
	f := newTestFixture(t, func(fc *fixtureConfig) {
		fc.table.Matches = without(full, nicctl.MatchLocMAC)
	})
	ctx := context.Background()
	mac := macSpec(t, nicctl.PriorityManual, nthMAC(1), 0)

	_, err := f.Table.Insert(ctx, mac, false)
	require.ErrorIs(t, err, nicctl.ErrNotSupported)
	flowID, err := f.Table.Insert(ctx, flowSpec(nicctl.PriorityManual, 80, 0), false)
	require.NoError(t, err)

	dropped, err := f.Table.Reconfigure(full, emulator.DefaultConfig().Capabilities)
	require.NoError(t, err)
	assert.Empty(t, dropped)

	macID, err := f.Table.Insert(ctx, mac, false)
	require.NoError(t, err)
	got, err := f.Table.Get(macID)
	require.NoError(t, err)
	assert.Equal(t, mac.LocalMAC, got.LocalMAC)
	_, err = f.Table.Get(flowID)
	require.NoError(t, err, "flow match kept its priority")
	assert.Equal(t, 2, f.Table.Len())
}

func TestReconfigureDropsFiltersNoLongerListed(t *testing.T) {
	full := emulator.DefaultConfig().Matches
	f := newTestFixture(t)
	ctx := context.Background()
	mac := macSpec(t, nicctl.PriorityManual, nthMAC(1), 0)

	macID, err := f.Table.Insert(ctx, mac, false)
	require.NoError(t, err)
	flow := flowSpec(nicctl.PriorityManual, 80, 0)
	flowID, err := f.Table.Insert(ctx, flow, false)
	require.NoError(t, err)

	dropped, err := f.Table.Reconfigure(without(full, nicctl.MatchLocMAC), emulator.DefaultConfig().Capabilities)
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.Equal(t, macID, dropped[0].ID)
	assert.Equal(t, mac.LocalMAC, dropped[0].Spec.LocalMAC)
	assert.Equal(t, 1, f.Table.Len())

	_, err = f.Table.Get(macID)
	require.ErrorIs(t, err, nicctl.ErrNotFound)
	_, err = f.Table.Get(flowID)
	require.NoError(t, err)

	// Rejected locally from now on.
	before := f.Controller.CommandCount(mcdi.OpFilterOp)
	_, err = f.Table.Insert(ctx, mac, false)
	var unsupported nicctl.ErrUnsupportedMatch
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, before, f.Controller.CommandCount(mcdi.OpFilterOp))
}

func TestReconfigureRenumbersSurvivingFilters(t *testing.T) {
	full := emulator.DefaultConfig().Matches
	f := newTestFixture(t)
	ctx := context.Background()
	mac := macSpec(t, nicctl.PriorityManual, nthMAC(1), 0)
	oldID, err := f.Table.Insert(ctx, mac, false)
	require.NoError(t, err)

	// Dropping a more specific combination moves loc_mac up the list.
	_, err = f.Table.Reconfigure(without(full, nicctl.MatchLocMAC|nicctl.MatchOuterVID), emulator.DefaultConfig().Capabilities)
	require.NoError(t, err)

	entries := f.Table.List()
	require.Len(t, entries, 1)
	assert.NotEqual(t, oldID, entries[0].ID)
	_, err = f.Table.Get(oldID)
	require.ErrorIs(t, err, nicctl.ErrNotFound)
	got, err := f.Table.Lookup(entries[0].ID, nicctl.PriorityManual)
	require.NoError(t, err)
	assert.Equal(t, mac.LocalMAC, got.LocalMAC)
	require.NoError(t, f.Table.Remove(ctx, entries[0].ID))
	assert.Empty(t, f.firmwareFilters())
}

func TestReconfigureRefreshesCapabilities(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	var rss mcdi.RSSContextRef
	require.NoError(t, f.Transport.Call(ctx, mcdi.OpRSSContextAlloc, mcdi.RSSContextAllocRequest{Queues: 4}, &rss))
	spec := flowSpec(nicctl.PriorityHint, 81, 0)
	spec.Flags |= nicctl.FlagRSS
	spec.RSSContext = rss.ID

	done := make(chan error, 1)
	cb := func(_ uint64, _ nicctl.FilterID, err error) { done <- err }
	require.ErrorIs(t, f.Table.InsertAsync(ctx, spec, false, 1, cb), nicctl.ErrNotSupported)

	dropped, err := f.Table.Reconfigure(emulator.DefaultConfig().Matches, emulator.DefaultConfig().Capabilities|mcdi.CapAsyncFilterRSS)
	require.NoError(t, err)
	assert.Empty(t, dropped)
	require.NoError(t, f.Table.InsertAsync(ctx, spec, false, 1, cb))
	require.NoError(t, <-done)
	assert.True(t, f.Table.UsesRSSContext(rss.ID))
}

func TestReconfigureRejectsEmptyMatchList(t *testing.T) {
	f := newTestFixture(t)
	_, err := f.Table.Reconfigure(nil, 0)
	require.ErrorIs(t, err, nicctl.ErrNotSupported)
}

func TestFilterMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	f := newTestFixture(t)
	table, err := filter.New(f.Transport, filter.Config{
		Size:    16,
		Matches: emulator.DefaultConfig().Matches,
	}, testLogger(), filter.WithMetrics(metrics.NewFilter(reg)))
	require.NoError(t, err)
	ctx := context.Background()

	id, err := table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(1), 0), false)
	require.NoError(t, err)
	_, err = table.Insert(ctx, macSpec(t, nicctl.PriorityManual, nthMAC(1), 0), false)
	require.ErrorIs(t, err, nicctl.ErrAlreadyExists)
	require.NoError(t, table.Remove(ctx, id))

	expected := `
# HELP nicctl_filter_operations_total Filter table operations, by operation and result.
# TYPE nicctl_filter_operations_total counter
nicctl_filter_operations_total{op="insert",result="error"} 1
nicctl_filter_operations_total{op="insert",result="ok"} 1
nicctl_filter_operations_total{op="remove",result="ok"} 1
# HELP nicctl_filter_occupied_slots Slots holding a live filter.
# TYPE nicctl_filter_occupied_slots gauge
nicctl_filter_occupied_slots 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"nicctl_filter_operations_total", "nicctl_filter_occupied_slots"))
}
