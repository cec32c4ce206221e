package nicctl

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// MAC is an Ethernet address. It is an array so that FilterSpec stays
// comparable with ==.
type MAC [6]byte

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC parses an IEEE 802 MAC-48 address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("mac %q: want 6 bytes, got %d", s, len(hw))
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MACFromHardwareAddr converts a net.HardwareAddr of length 6.
func MACFromHardwareAddr(hw net.HardwareAddr) (MAC, error) {
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("hardware address %s: want 6 bytes, got %d", hw, len(hw))
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

func (m MAC) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MAC) UnmarshalText(b []byte) error {
	mac, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = mac
	return nil
}

// IsMulticast reports whether the group bit is set. Broadcast is a
// multicast address.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsZero reports whether m is 00:00:00:00:00:00.
func (m MAC) IsZero() bool { return m == MAC{} }

// MatchFields selects which match values of a FilterSpec are
// meaningful.
type MatchFields uint32

const (
	MatchRemHost MatchFields = 1 << iota
	MatchLocHost
	MatchRemMAC
	MatchRemPort
	MatchLocMAC
	MatchLocPort
	MatchEtherType
	MatchInnerVID
	MatchOuterVID
	MatchIPProto
	MatchEncapType
	MatchEncapTunnelID
	MatchUnknownMcastDst
	MatchUnknownUcastDst

	matchAll = MatchUnknownUcastDst<<1 - 1
)

var matchNames = []struct {
	bit  MatchFields
	name string
}{
	{MatchRemHost, "rem_host"},
	{MatchLocHost, "loc_host"},
	{MatchRemMAC, "rem_mac"},
	{MatchRemPort, "rem_port"},
	{MatchLocMAC, "loc_mac"},
	{MatchLocPort, "loc_port"},
	{MatchEtherType, "ether_type"},
	{MatchInnerVID, "inner_vid"},
	{MatchOuterVID, "outer_vid"},
	{MatchIPProto, "ip_proto"},
	{MatchEncapType, "encap_type"},
	{MatchEncapTunnelID, "encap_tunnel_id"},
	{MatchUnknownMcastDst, "unknown_mcast_dst"},
	{MatchUnknownUcastDst, "unknown_ucast_dst"},
}

// String returns the set as "loc_mac|outer_vid".
func (m MatchFields) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, n := range matchNames {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := m &^ matchAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseMatchFields parses the String form. Separators may be '|' or
// ','.
func ParseMatchFields(s string) (MatchFields, error) {
	var m MatchFields
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.TrimSpace(part)
		found := false
		for _, n := range matchNames {
			if n.name == part {
				m |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown match field %q", part)
		}
	}
	return m, nil
}

// Priority orders filters that share a match tuple. Lower values are
// preferred: a filter with a lower priority survives a conflict.
type Priority uint8

const (
	// PriorityRequired is for filters the stack cannot work without.
	PriorityRequired Priority = 0
	// PriorityManual is for filters requested by an administrator.
	PriorityManual Priority = 1
	// PriorityAuto is reserved for filters the driver maintains from
	// address lists. An AUTO filter may always be superseded.
	PriorityAuto Priority = 2
	// PriorityHint is for opportunistic steering (flow steering).
	PriorityHint Priority = 3
)

// Better reports whether p is strictly preferred over q.
func (p Priority) Better(q Priority) bool { return p < q }

func (p Priority) String() string {
	switch p {
	case PriorityRequired:
		return "required"
	case PriorityManual:
		return "manual"
	case PriorityAuto:
		return "auto"
	case PriorityHint:
		return "hint"
	default:
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
}

// ParsePriority accepts a tier name or a number.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "required":
		return PriorityRequired, nil
	case "manual":
		return PriorityManual, nil
	case "auto":
		return PriorityAuto, nil
	case "hint":
		return PriorityHint, nil
	}
	var n uint8
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("unknown priority %q", s)
	}
	return Priority(n), nil
}

// FilterFlags control filter delivery.
type FilterFlags uint16

const (
	// FlagRX delivers matching received packets.
	FlagRX FilterFlags = 1 << iota
	// FlagTX matches transmitted packets.
	FlagTX
	// FlagLoopback loops matching transmitted packets back to RX.
	FlagLoopback
	// FlagRSS spreads matching packets with an RSS context.
	FlagRSS
	// FlagVPort binds the filter to VPortID.
	FlagVPort
	// FlagStackID binds the filter to StackID.
	FlagStackID
)

func (f FilterFlags) String() string {
	var parts []string
	for i, name := range []string{"rx", "tx", "loopback", "rss", "vport", "stack"} {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// QueueDrop as a destination queue drops matching packets.
const QueueDrop uint16 = 0xfff

// VIDUnspec means a filter does not match on a VLAN ID.
const VIDUnspec uint16 = 0xffff

// EncapType selects the tunnel encapsulation a filter matches inside.
type EncapType uint8

const (
	EncapNone EncapType = iota
	EncapVXLAN
	EncapNVGRE
	EncapGeneve
)

func (e EncapType) String() string {
	switch e {
	case EncapNone:
		return "none"
	case EncapVXLAN:
		return "vxlan"
	case EncapNVGRE:
		return "nvgre"
	case EncapGeneve:
		return "geneve"
	default:
		return fmt.Sprintf("EncapType(%d)", uint8(e))
	}
}

// Ethernet types used by the spec helpers.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86dd
)

// FilterSpec describes one hardware filter. Only the match values
// selected by Match take part in matching; the rest describe delivery.
type FilterSpec struct {
	Match      MatchFields
	Priority   Priority
	Flags      FilterFlags
	RSSContext RSSContextID
	Queue      uint16
	VPortID    uint32
	StackID    uint16

	Encap    EncapType
	TunnelID uint32

	LocalMAC   MAC
	RemoteMAC  MAC
	LocalIP    netip.Addr
	RemoteIP   netip.Addr
	LocalPort  uint16
	RemotePort uint16
	EtherType  uint16
	IPProto    uint8
	InnerVID   uint16
	OuterVID   uint16
}

// NewRxSpec returns a receive filter delivering to queue.
func NewRxSpec(priority Priority, flags FilterFlags, queue uint16) FilterSpec {
	return FilterSpec{
		Priority:   priority,
		Flags:      FlagRX | flags,
		Queue:      queue,
		RSSContext: RSSContextDefault,
		OuterVID:   VIDUnspec,
		InnerVID:   VIDUnspec,
	}
}

// SetEthLocal matches a local MAC, optionally on a VLAN.
func (s *FilterSpec) SetEthLocal(vid uint16, mac MAC) {
	s.Match |= MatchLocMAC
	s.LocalMAC = mac
	if vid != VIDUnspec {
		s.Match |= MatchOuterVID
		s.OuterVID = vid
	}
}

// SetIPLocal matches a local IP endpoint. The ether type follows the
// address family.
func (s *FilterSpec) SetIPLocal(proto uint8, host netip.Addr, port uint16) {
	s.Match |= MatchEtherType | MatchIPProto | MatchLocHost | MatchLocPort
	s.EtherType = etherTypeOf(host)
	s.IPProto = proto
	s.LocalIP = host
	s.LocalPort = port
}

// SetIPFull matches a full four-tuple.
func (s *FilterSpec) SetIPFull(proto uint8, lhost netip.Addr, lport uint16, rhost netip.Addr, rport uint16) {
	s.SetIPLocal(proto, lhost, lport)
	s.Match |= MatchRemHost | MatchRemPort
	s.RemoteIP = rhost
	s.RemotePort = rport
}

// SetUCDefault matches unicast packets no other filter claimed.
func (s *FilterSpec) SetUCDefault() { s.Match |= MatchUnknownUcastDst }

// SetMCDefault matches multicast packets no other filter claimed.
func (s *FilterSpec) SetMCDefault() { s.Match |= MatchUnknownMcastDst }

// SetOuterVID restricts the filter to a VLAN.
func (s *FilterSpec) SetOuterVID(vid uint16) {
	if vid == VIDUnspec {
		return
	}
	s.Match |= MatchOuterVID
	s.OuterVID = vid
}

// SetEncap matches traffic inside a tunnel.
func (s *FilterSpec) SetEncap(t EncapType, tunnelID uint32) {
	s.Match |= MatchEncapType
	s.Encap = t
	if tunnelID != 0 {
		s.Match |= MatchEncapTunnelID
		s.TunnelID = tunnelID
	}
}

func etherTypeOf(a netip.Addr) uint16 {
	if a.Is4() || a.Is4In6() {
		return EtherTypeIPv4
	}
	return EtherTypeIPv6
}

// Tuple is the match-relevant projection of a FilterSpec. Two specs
// conflict exactly when their tuples are equal.
type Tuple struct {
	Match      MatchFields
	Direction  FilterFlags
	Encap      EncapType
	TunnelID   uint32
	LocalMAC   MAC
	RemoteMAC  MAC
	LocalIP    netip.Addr
	RemoteIP   netip.Addr
	LocalPort  uint16
	RemotePort uint16
	EtherType  uint16
	IPProto    uint8
	InnerVID   uint16
	OuterVID   uint16
}

// Tuple returns the match tuple. Values of unselected fields are
// zeroed so they never affect equality or hashing.
func (s FilterSpec) Tuple() Tuple {
	t := Tuple{Match: s.Match, Direction: s.Flags & (FlagRX | FlagTX)}
	m := s.Match
	if m&MatchEncapType != 0 {
		t.Encap = s.Encap
	}
	if m&MatchEncapTunnelID != 0 {
		t.TunnelID = s.TunnelID
	}
	if m&MatchLocMAC != 0 {
		t.LocalMAC = s.LocalMAC
	}
	if m&MatchRemMAC != 0 {
		t.RemoteMAC = s.RemoteMAC
	}
	if m&MatchLocHost != 0 {
		t.LocalIP = s.LocalIP
	}
	if m&MatchRemHost != 0 {
		t.RemoteIP = s.RemoteIP
	}
	if m&MatchLocPort != 0 {
		t.LocalPort = s.LocalPort
	}
	if m&MatchRemPort != 0 {
		t.RemotePort = s.RemotePort
	}
	if m&MatchEtherType != 0 {
		t.EtherType = s.EtherType
	}
	if m&MatchIPProto != 0 {
		t.IPProto = s.IPProto
	}
	if m&MatchInnerVID != 0 {
		t.InnerVID = s.InnerVID
	}
	if m&MatchOuterVID != 0 {
		t.OuterVID = s.OuterVID
	}
	return t
}

// SameTuple reports whether s and o match the same packets.
func (s FilterSpec) SameTuple(o FilterSpec) bool { return s.Tuple() == o.Tuple() }

// IsMulticastRecipient reports whether s subscribes to multicast
// traffic that several recipients may share. Such filters supersede
// lower-priority colliding filters instead of conflicting with them.
func (s FilterSpec) IsMulticastRecipient() bool {
	if s.Flags&FlagRX == 0 || s.Queue == QueueDrop {
		return false
	}
	if s.Match&MatchLocMAC != 0 && s.LocalMAC.IsMulticast() {
		return true
	}
	if s.Match&(MatchEtherType|MatchLocHost) == MatchEtherType|MatchLocHost {
		return s.LocalIP.IsValid() && s.LocalIP.IsMulticast()
	}
	return false
}

// IsExclusive reports whether at most one filter may exist for the
// tuple. Non-exclusive filters are installed by subscription and
// reference counted by the firmware.
func (s FilterSpec) IsExclusive() bool {
	if s.Match&MatchLocMAC != 0 && !s.LocalMAC.IsMulticast() {
		return true
	}
	if s.Match&(MatchEtherType|MatchLocHost) == MatchEtherType|MatchLocHost {
		return s.LocalIP.IsValid() && !s.LocalIP.IsMulticast()
	}
	return false
}

// Validate checks flag combinations the firmware would reject.
func (s FilterSpec) Validate() error {
	if s.Match == 0 {
		return fmt.Errorf("filter matches nothing: %w", ErrNotSupported)
	}
	if s.Match&^matchAll != 0 {
		return fmt.Errorf("unknown match bits 0x%x: %w", uint32(s.Match&^matchAll), ErrNotSupported)
	}
	if s.Flags&(FlagRX|FlagTX) == 0 {
		return fmt.Errorf("filter has no direction: %w", ErrNotSupported)
	}
	if s.Flags&FlagRSS != 0 && s.Flags&FlagRX == 0 {
		return fmt.Errorf("rss on a transmit filter: %w", ErrNotSupported)
	}
	if s.Flags&FlagRSS != 0 && s.Queue == QueueDrop {
		return fmt.Errorf("rss with drop destination: %w", ErrNotSupported)
	}
	if s.Flags&FlagLoopback != 0 && s.Flags&FlagTX == 0 {
		return fmt.Errorf("loopback on a receive filter: %w", ErrNotSupported)
	}
	if s.Match&(MatchLocHost|MatchRemHost) != 0 && s.Match&MatchEtherType == 0 {
		return fmt.Errorf("host match without ether type: %w", ErrNotSupported)
	}
	return nil
}

func (s FilterSpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pri=%s flags=%s match=%s", s.Priority, s.Flags, s.Match)
	if s.Queue == QueueDrop {
		b.WriteString(" q=drop")
	} else {
		fmt.Fprintf(&b, " q=%d", s.Queue)
	}
	if s.Flags&FlagRSS != 0 {
		fmt.Fprintf(&b, " rss=%d", s.RSSContext)
	}
	m := s.Match
	if m&MatchLocMAC != 0 {
		fmt.Fprintf(&b, " loc_mac=%s", s.LocalMAC)
	}
	if m&MatchRemMAC != 0 {
		fmt.Fprintf(&b, " rem_mac=%s", s.RemoteMAC)
	}
	if m&MatchOuterVID != 0 {
		fmt.Fprintf(&b, " vid=%d", s.OuterVID)
	}
	if m&MatchEtherType != 0 {
		fmt.Fprintf(&b, " ether_type=0x%04x", s.EtherType)
	}
	if m&MatchIPProto != 0 {
		fmt.Fprintf(&b, " proto=%d", s.IPProto)
	}
	if m&(MatchLocHost|MatchLocPort) != 0 {
		fmt.Fprintf(&b, " loc=%s", netip.AddrPortFrom(s.LocalIP, s.LocalPort))
	}
	if m&(MatchRemHost|MatchRemPort) != 0 {
		fmt.Fprintf(&b, " rem=%s", netip.AddrPortFrom(s.RemoteIP, s.RemotePort))
	}
	if m&MatchEncapType != 0 {
		fmt.Fprintf(&b, " encap=%s", s.Encap)
		if m&MatchEncapTunnelID != 0 {
			fmt.Fprintf(&b, "/%d", s.TunnelID)
		}
	}
	return b.String()
}
