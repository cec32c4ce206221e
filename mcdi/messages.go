package mcdi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/frobware/go-nicctl"
)

// Request and response bodies. All implement
// encoding.BinaryMarshaler and encoding.BinaryUnmarshaler so both the
// host and the emulated controller share one wire layout.

// Version is the GET_VERSION response.
type Version struct {
	Major    uint16
	Minor    uint16
	Firmware string
}

const firmwareVersionLen = 32

func (v Version) String() string {
	return fmt.Sprintf("%d.%d (firmware %s)", v.Major, v.Minor, v.Firmware)
}

func (v Version) MarshalBinary() ([]byte, error) {
	if len(v.Firmware) > firmwareVersionLen {
		return nil, fmt.Errorf("firmware version %q longer than %d bytes", v.Firmware, firmwareVersionLen)
	}
	var e encoder
	e.u16(v.Major)
	e.u16(v.Minor)
	var fw [firmwareVersionLen]byte
	copy(fw[:], v.Firmware)
	e.bytes(fw[:])
	return e.b, nil
}

func (v *Version) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	v.Major = d.u16()
	v.Minor = d.u16()
	var fw [firmwareVersionLen]byte
	d.copyTo(fw[:])
	v.Firmware = string(bytes.TrimRight(fw[:], "\x00"))
	return d.err
}

// CapFlags are the feature bits of GET_CAPABILITIES.
type CapFlags uint32

const (
	// CapAsyncFilterRSS means RSS filters may be inserted without
	// blocking.
	CapAsyncFilterRSS CapFlags = 1 << iota
	// CapRSSExclusive means exclusive RSS contexts are available.
	CapRSSExclusive
	// CapVXLAN means the parser understands VXLAN.
	CapVXLAN
	// CapVLANFilters means filters may match the outer VLAN.
	CapVLANFilters
)

func (f CapFlags) String() string {
	var parts []string
	for i, name := range []string{"async_filter_rss", "rss_exclusive", "vxlan", "vlan_filters"} {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Capabilities is the GET_CAPABILITIES response.
type Capabilities struct {
	Flags          CapFlags
	MaxRSSContexts uint32
	MaxFilters     uint32
	NumVIs         uint32
	PIOBuffers     uint32
}

func (c Capabilities) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(uint32(c.Flags))
	e.u32(c.MaxRSSContexts)
	e.u32(c.MaxFilters)
	e.u32(c.NumVIs)
	e.u32(c.PIOBuffers)
	return e.b, nil
}

func (c *Capabilities) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	c.Flags = CapFlags(d.u32())
	c.MaxRSSContexts = d.u32()
	c.MaxFilters = d.u32()
	c.NumVIs = d.u32()
	c.PIOBuffers = d.u32()
	return d.err
}

// ParserDispInfo is the GET_PARSER_DISP_INFO response: the supported
// receive match-field combinations, most specific first.
type ParserDispInfo struct {
	Matches []nicctl.MatchFields
}

// MaxParserMatches bounds the list a controller may report.
const MaxParserMatches = 64

func (p ParserDispInfo) MarshalBinary() ([]byte, error) {
	if len(p.Matches) > MaxParserMatches {
		return nil, fmt.Errorf("%d match combinations exceeds %d", len(p.Matches), MaxParserMatches)
	}
	var e encoder
	e.u32(uint32(len(p.Matches)))
	for _, m := range p.Matches {
		e.u32(uint32(m))
	}
	return e.b, nil
}

func (p *ParserDispInfo) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	n := d.u32()
	if d.err == nil && n > MaxParserMatches {
		return fmt.Errorf("%d match combinations: %w", n, nicctl.ErrMalformedResponse)
	}
	p.Matches = make([]nicctl.MatchFields, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		p.Matches = append(p.Matches, nicctl.MatchFields(d.u32()))
	}
	return d.err
}

// FilterOpCode selects the FILTER_OP variant.
type FilterOpCode uint32

const (
	// FilterInsert installs an exclusive filter.
	FilterInsert FilterOpCode = iota
	// FilterRemove uninstalls an exclusive filter.
	FilterRemove
	// FilterSubscribe adds a reference to a shared filter, creating
	// it if needed.
	FilterSubscribe
	// FilterUnsubscribe drops a reference to a shared filter.
	FilterUnsubscribe
	// FilterReplace overwrites the filter named by Handle in place.
	FilterReplace
)

func (op FilterOpCode) String() string {
	switch op {
	case FilterInsert:
		return "insert"
	case FilterRemove:
		return "remove"
	case FilterSubscribe:
		return "subscribe"
	case FilterUnsubscribe:
		return "unsubscribe"
	case FilterReplace:
		return "replace"
	default:
		return fmt.Sprintf("FilterOpCode(%d)", uint32(op))
	}
}

// FilterOpRequest is the FILTER_OP request. Spec is ignored for
// removals.
type FilterOpRequest struct {
	Op     FilterOpCode
	Handle uint64
	Spec   nicctl.FilterSpec
}

func (r FilterOpRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(uint32(r.Op))
	e.u64(r.Handle)
	s := r.Spec
	e.u32(uint32(s.Match))
	e.u8(uint8(s.Priority))
	e.u16(uint16(s.Flags))
	e.u32(uint32(s.RSSContext))
	e.u16(s.Queue)
	e.u32(s.VPortID)
	e.u16(s.StackID)
	e.u8(uint8(s.Encap))
	e.u32(s.TunnelID)
	e.bytes(s.LocalMAC[:])
	e.bytes(s.RemoteMAC[:])
	e.addr(s.LocalIP)
	e.addr(s.RemoteIP)
	e.u16(s.LocalPort)
	e.u16(s.RemotePort)
	e.u16(s.EtherType)
	e.u8(s.IPProto)
	e.u16(s.InnerVID)
	e.u16(s.OuterVID)
	return e.b, nil
}

func (r *FilterOpRequest) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	r.Op = FilterOpCode(d.u32())
	r.Handle = d.u64()
	s := &r.Spec
	s.Match = nicctl.MatchFields(d.u32())
	s.Priority = nicctl.Priority(d.u8())
	s.Flags = nicctl.FilterFlags(d.u16())
	s.RSSContext = nicctl.RSSContextID(d.u32())
	s.Queue = d.u16()
	s.VPortID = d.u32()
	s.StackID = d.u16()
	s.Encap = nicctl.EncapType(d.u8())
	s.TunnelID = d.u32()
	s.LocalMAC = d.mac()
	s.RemoteMAC = d.mac()
	s.LocalIP = d.addr()
	s.RemoteIP = d.addr()
	s.LocalPort = d.u16()
	s.RemotePort = d.u16()
	s.EtherType = d.u16()
	s.IPProto = d.u8()
	s.InnerVID = d.u16()
	s.OuterVID = d.u16()
	return d.err
}

// FilterOpResponse carries the firmware handle of the filter.
type FilterOpResponse struct {
	Handle uint64
}

func (r FilterOpResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u64(r.Handle)
	return e.b, nil
}

func (r *FilterOpResponse) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	r.Handle = d.u64()
	return d.err
}

// RSSContextAllocRequest asks for a context spreading over Queues
// queues.
type RSSContextAllocRequest struct {
	Exclusive bool
	Queues    uint32
}

func (r RSSContextAllocRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	if r.Exclusive {
		e.u8(1)
	} else {
		e.u8(0)
	}
	e.u32(r.Queues)
	return e.b, nil
}

func (r *RSSContextAllocRequest) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	r.Exclusive = d.u8() != 0
	r.Queues = d.u32()
	return d.err
}

// RSSContextRef names a context. It is the RSS_CONTEXT_ALLOC
// response and the RSS_CONTEXT_FREE request.
type RSSContextRef struct {
	ID nicctl.RSSContextID
}

func (r RSSContextRef) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(uint32(r.ID))
	return e.b, nil
}

func (r *RSSContextRef) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	r.ID = nicctl.RSSContextID(d.u32())
	return d.err
}

// RSSContextSetKeyRequest programs the hash key.
type RSSContextSetKeyRequest struct {
	ID  nicctl.RSSContextID
	Key [nicctl.RSSKeySize]byte
}

func (r RSSContextSetKeyRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(uint32(r.ID))
	e.bytes(r.Key[:])
	return e.b, nil
}

func (r *RSSContextSetKeyRequest) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	r.ID = nicctl.RSSContextID(d.u32())
	d.copyTo(r.Key[:])
	return d.err
}

// RSSContextSetTableRequest programs the indirection table.
type RSSContextSetTableRequest struct {
	ID    nicctl.RSSContextID
	Indir [nicctl.RSSIndirSize]uint8
}

func (r RSSContextSetTableRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(uint32(r.ID))
	e.bytes(r.Indir[:])
	return e.b, nil
}

func (r *RSSContextSetTableRequest) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	r.ID = nicctl.RSSContextID(d.u32())
	d.copyTo(r.Indir[:])
	return d.err
}

// Licensing is the LICENSING and LICENSING_V3 response.
type Licensing struct {
	Valid       uint32
	Invalid     uint32
	Blacklisted uint32
}

func (l Licensing) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(l.Valid)
	e.u32(l.Invalid)
	e.u32(l.Blacklisted)
	return e.b, nil
}

func (l *Licensing) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	l.Valid = d.u32()
	l.Invalid = d.u32()
	l.Blacklisted = d.u32()
	return d.err
}

// DriverEventRequest asks the controller to post a driver event
// carrying Data to the completion ring.
type DriverEventRequest struct {
	Data uint32
}

func (r DriverEventRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(r.Data)
	return e.b, nil
}

func (r *DriverEventRequest) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	r.Data = d.u32()
	return d.err
}

// BISTResult is the POLL_BIST response.
type BISTResult uint32

const (
	BISTRunning BISTResult = 1
	BISTPassed  BISTResult = 2
	BISTFailed  BISTResult = 3
)

func (r BISTResult) String() string {
	switch r {
	case BISTRunning:
		return "running"
	case BISTPassed:
		return "passed"
	case BISTFailed:
		return "failed"
	default:
		return fmt.Sprintf("BISTResult(%d)", uint32(r))
	}
}

func (r BISTResult) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(uint32(r))
	return e.b, nil
}

func (r *BISTResult) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	*r = BISTResult(d.u32())
	return d.err
}
