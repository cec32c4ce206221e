package emulator

import (
	"context"
	"encoding"
	"fmt"
	"slices"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/hw"
	"github.com/frobware/go-nicctl/mcdi"
)

// execute runs one command against the firmware state. Callers hold
// c.mu.
func (c *Controller) execute(ctx context.Context, op mcdi.Opcode, in []byte) ([]byte, mcdi.Errno) {
	switch op {
	case mcdi.OpGetVersion:
		return marshal(mcdi.Version{
			Major:    c.cfg.ProtocolMajor,
			Minor:    c.cfg.ProtocolMinor,
			Firmware: c.cfg.FirmwareVersion,
		})
	case mcdi.OpGetCapabilities:
		c.fmu.Lock()
		maxFilters := c.maxFilters
		c.fmu.Unlock()
		return marshal(mcdi.Capabilities{
			Flags:          c.cfg.Capabilities,
			MaxRSSContexts: uint32(c.cfg.MaxRSSContexts),
			MaxFilters:     uint32(maxFilters),
			NumVIs:         uint32(c.cfg.NumVIs),
			PIOBuffers:     uint32(c.cfg.PIOBuffers),
		})
	case mcdi.OpGetParserDispInfo:
		return marshal(mcdi.ParserDispInfo{Matches: c.cfg.Matches})
	case mcdi.OpFilterOp:
		return c.filterOp(ctx, in)
	case mcdi.OpRSSContextAlloc:
		return c.rssAlloc(ctx, in)
	case mcdi.OpRSSContextFree:
		return c.rssFree(ctx, in)
	case mcdi.OpRSSContextSetKey:
		return c.rssSetKey(ctx, in)
	case mcdi.OpRSSContextSetTable:
		return c.rssSetTable(ctx, in)
	case mcdi.OpLicensing:
		// Only the legacy query is implemented so hosts exercise
		// their LICENSING_V3 fallback.
		return marshal(mcdi.Licensing{Valid: 2})
	case mcdi.OpDriverEvent:
		var req mcdi.DriverEventRequest
		if err := req.UnmarshalBinary(in); err != nil {
			return nil, mcdi.EINVAL
		}
		c.ring.Post(hw.NewDriverEvent(req.Data))
		return nil, 0
	case mcdi.OpStartBIST:
		c.bist = 2
		return nil, 0
	case mcdi.OpPollBIST:
		if c.bist == 0 {
			return marshal(mcdi.BISTFailed)
		}
		c.bist--
		if c.bist > 0 {
			return marshal(mcdi.BISTRunning)
		}
		return marshal(mcdi.BISTPassed)
	default:
		return nil, mcdi.ENOSYS
	}
}

func marshal(m encoding.BinaryMarshaler) ([]byte, mcdi.Errno) {
	b, err := m.MarshalBinary()
	if err != nil {
		return nil, mcdi.EIO
	}
	return b, 0
}

func (c *Controller) storeErr(what string, err error) mcdi.Errno {
	c.logger.Error("firmware state error", "op", what, "error", err)
	return mcdi.EIO
}

// tupleKey identifies the packets a filter matches. Filters with equal
// keys are the same firmware filter.
func tupleKey(spec nicctl.FilterSpec) string {
	return fmt.Sprintf("%v", spec.Tuple())
}

func (c *Controller) checkSpec(ctx context.Context, spec nicctl.FilterSpec) mcdi.Errno {
	if err := spec.Validate(); err != nil {
		return mcdi.EINVAL
	}
	if spec.Flags&nicctl.FlagRX != 0 && !slices.Contains(c.cfg.Matches, spec.Match) {
		return mcdi.EINVAL
	}
	if spec.Queue != nicctl.QueueDrop && int(spec.Queue) >= c.cfg.NumVIs {
		return mcdi.EINVAL
	}
	if spec.Flags&nicctl.FlagRSS != 0 {
		_, ok, err := c.store.getRSS(ctx, spec.RSSContext)
		if err != nil {
			return c.storeErr("get rss", err)
		}
		if !ok {
			return mcdi.ENOENT
		}
	}
	return 0
}

func (c *Controller) filterOp(ctx context.Context, in []byte) ([]byte, mcdi.Errno) {
	var req mcdi.FilterOpRequest
	if err := req.UnmarshalBinary(in); err != nil {
		return nil, mcdi.EINVAL
	}

	switch req.Op {
	case mcdi.FilterInsert, mcdi.FilterSubscribe:
		if errno := c.checkSpec(ctx, req.Spec); errno != 0 {
			return nil, errno
		}
		key := tupleKey(req.Spec)
		f, ok, err := c.store.filterByTuple(ctx, key)
		if err != nil {
			return nil, c.storeErr("lookup filter", err)
		}
		if ok {
			if req.Op == mcdi.FilterInsert || f.Exclusive {
				return nil, mcdi.EEXIST
			}
			if err := c.store.setRefs(ctx, f.Handle, f.Refs+1); err != nil {
				return nil, c.storeErr("subscribe", err)
			}
			return marshal(mcdi.FilterOpResponse{Handle: f.Handle})
		}
		n, err := c.store.countFilters(ctx)
		if err != nil {
			return nil, c.storeErr("count filters", err)
		}
		c.fmu.Lock()
		full := n >= c.maxFilters
		c.fmu.Unlock()
		if full {
			return nil, mcdi.ENOSPC
		}
		handle, err := c.store.insertFilter(ctx, key, req.Op == mcdi.FilterInsert, req.Spec)
		if err != nil {
			return nil, c.storeErr("insert filter", err)
		}
		return marshal(mcdi.FilterOpResponse{Handle: handle})

	case mcdi.FilterRemove, mcdi.FilterUnsubscribe:
		f, ok, err := c.store.filterByHandle(ctx, req.Handle)
		if err != nil {
			return nil, c.storeErr("lookup filter", err)
		}
		if !ok {
			return nil, mcdi.ENOENT
		}
		if (req.Op == mcdi.FilterRemove) != f.Exclusive {
			return nil, mcdi.EINVAL
		}
		if f.Refs > 1 {
			err = c.store.setRefs(ctx, f.Handle, f.Refs-1)
		} else {
			err = c.store.deleteFilter(ctx, f.Handle)
		}
		if err != nil {
			return nil, c.storeErr("remove filter", err)
		}
		return marshal(mcdi.FilterOpResponse{Handle: f.Handle})

	case mcdi.FilterReplace:
		f, ok, err := c.store.filterByHandle(ctx, req.Handle)
		if err != nil {
			return nil, c.storeErr("lookup filter", err)
		}
		if !ok {
			return nil, mcdi.ENOENT
		}
		if errno := c.checkSpec(ctx, req.Spec); errno != 0 {
			return nil, errno
		}
		key := tupleKey(req.Spec)
		other, ok, err := c.store.filterByTuple(ctx, key)
		if err != nil {
			return nil, c.storeErr("lookup filter", err)
		}
		if ok && other.Handle != f.Handle {
			return nil, mcdi.EEXIST
		}
		if err := c.store.replaceFilter(ctx, f.Handle, key, req.Spec); err != nil {
			return nil, c.storeErr("replace filter", err)
		}
		return marshal(mcdi.FilterOpResponse{Handle: f.Handle})

	default:
		return nil, mcdi.EINVAL
	}
}

func (c *Controller) rssAlloc(ctx context.Context, in []byte) ([]byte, mcdi.Errno) {
	var req mcdi.RSSContextAllocRequest
	if err := req.UnmarshalBinary(in); err != nil {
		return nil, mcdi.EINVAL
	}
	if req.Queues == 0 || int(req.Queues) > c.cfg.NumVIs {
		return nil, mcdi.EINVAL
	}
	if req.Exclusive {
		if c.cfg.Capabilities&mcdi.CapRSSExclusive == 0 {
			return nil, mcdi.EINVAL
		}
		n, err := c.store.countExclusiveRSS(ctx)
		if err != nil {
			return nil, c.storeErr("count rss", err)
		}
		if n >= c.cfg.MaxRSSContexts {
			return nil, mcdi.ENOSPC
		}
	}
	id, err := c.store.insertRSS(ctx, req.Exclusive, req.Queues)
	if err != nil {
		return nil, c.storeErr("alloc rss", err)
	}
	return marshal(mcdi.RSSContextRef{ID: id})
}

func (c *Controller) lookupRSS(ctx context.Context, id nicctl.RSSContextID) (RSSContext, mcdi.Errno) {
	rc, ok, err := c.store.getRSS(ctx, id)
	if err != nil {
		return RSSContext{}, c.storeErr("get rss", err)
	}
	if !ok {
		return RSSContext{}, mcdi.ENOENT
	}
	return rc, 0
}

func (c *Controller) rssFree(ctx context.Context, in []byte) ([]byte, mcdi.Errno) {
	var req mcdi.RSSContextRef
	if err := req.UnmarshalBinary(in); err != nil {
		return nil, mcdi.EINVAL
	}
	if _, errno := c.lookupRSS(ctx, req.ID); errno != 0 {
		return nil, errno
	}
	refs, err := c.store.countRSSRefs(ctx, req.ID)
	if err != nil {
		return nil, c.storeErr("count rss refs", err)
	}
	if refs > 0 {
		return nil, mcdi.EBUSY
	}
	if err := c.store.deleteRSS(ctx, req.ID); err != nil {
		return nil, c.storeErr("free rss", err)
	}
	return nil, 0
}

func (c *Controller) rssSetKey(ctx context.Context, in []byte) ([]byte, mcdi.Errno) {
	var req mcdi.RSSContextSetKeyRequest
	if err := req.UnmarshalBinary(in); err != nil {
		return nil, mcdi.EINVAL
	}
	if _, errno := c.lookupRSS(ctx, req.ID); errno != 0 {
		return nil, errno
	}
	if err := c.store.setRSSKey(ctx, req.ID, req.Key[:]); err != nil {
		return nil, c.storeErr("set rss key", err)
	}
	return nil, 0
}

func (c *Controller) rssSetTable(ctx context.Context, in []byte) ([]byte, mcdi.Errno) {
	var req mcdi.RSSContextSetTableRequest
	if err := req.UnmarshalBinary(in); err != nil {
		return nil, mcdi.EINVAL
	}
	rc, errno := c.lookupRSS(ctx, req.ID)
	if errno != 0 {
		return nil, errno
	}
	for _, q := range req.Indir {
		if uint32(q) >= rc.Queues {
			return nil, mcdi.EINVAL
		}
	}
	if err := c.store.setRSSIndir(ctx, req.ID, req.Indir[:]); err != nil {
		return nil, c.storeErr("set rss table", err)
	}
	return nil, 0
}
