// Package cli provides the Kong-based command-line interface for nicctl.
package cli

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/manager"
)

// FilterID wraps a filter ID with hex support.
type FilterID struct {
	Value nicctl.FilterID
}

// ParseFilterID parses a filter ID from string, supporting hex (0x) prefix.
func ParseFilterID(s string) (FilterID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FilterID{}, fmt.Errorf("filter ID cannot be empty")
	}
	val, err := parseUint(s, 32)
	if err != nil {
		return FilterID{}, fmt.Errorf("invalid filter ID %q: %w", s, err)
	}
	if nicctl.FilterID(val) == nicctl.FilterIDInvalid {
		return FilterID{}, fmt.Errorf("invalid filter ID %q: reserved value", s)
	}
	return FilterID{Value: nicctl.FilterID(val)}, nil
}

func parseUint(s string, bits int) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, bits)
	}
	return strconv.ParseUint(s, 10, bits)
}

// Priority wraps a filter priority tier.
type Priority struct {
	Value nicctl.Priority
}

// ParsePriority accepts required, manual, auto or hint.
func ParsePriority(s string) (Priority, error) {
	p, err := nicctl.ParsePriority(s)
	if err != nil {
		return Priority{}, err
	}
	if p > nicctl.PriorityHint {
		return Priority{}, fmt.Errorf("priority %q out of range", s)
	}
	return Priority{Value: p}, nil
}

// MAC wraps an Ethernet address.
type MAC struct {
	Value nicctl.MAC
}

// ParseMAC parses aa:bb:cc:dd:ee:ff.
func ParseMAC(s string) (MAC, error) {
	m, err := nicctl.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return MAC{}, fmt.Errorf("invalid MAC %q: %w", s, err)
	}
	return MAC{Value: m}, nil
}

// Endpoint is an IP address with an optional port.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// ParseEndpoint accepts ADDR, ADDR:PORT or [ADDR6]:PORT.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("endpoint cannot be empty")
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return Endpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
	}
	a, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: want ADDR or ADDR:PORT", s)
	}
	return Endpoint{Addr: a}, nil
}

// VID is a VLAN ID. "untagged" names the group for untagged traffic.
type VID struct {
	Value uint16
}

// ParseVID parses a VLAN ID in [0,4094] or "untagged".
func ParseVID(s string) (VID, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "untagged") {
		return VID{Value: nicctl.VIDUnspec}, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return VID{}, fmt.Errorf("invalid VLAN ID %q: %w", s, err)
	}
	if v > manager.MaxVID {
		return VID{}, fmt.Errorf("VLAN ID %d out of range [0,%d]", v, manager.MaxVID)
	}
	return VID{Value: uint16(v)}, nil
}

func (v VID) String() string {
	if v.Value == nicctl.VIDUnspec {
		return "untagged"
	}
	return strconv.Itoa(int(v.Value))
}

// HexBytes is a byte string given in hex. Separating colons and
// spaces are ignored.
type HexBytes struct {
	Value []byte
}

// ParseHexBytes decodes s.
func ParseHexBytes(s string) (HexBytes, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(":", "", " ", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return HexBytes{}, fmt.Errorf("invalid hex data: %w", err)
	}
	return HexBytes{Value: b}, nil
}

// ParseProto accepts tcp, udp or an IP protocol number.
func ParseProto(s string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return 6, nil
	case "udp":
		return 17, nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown IP protocol %q", s)
	}
	return uint8(v), nil
}

// ParseEncap accepts vxlan, nvgre or geneve.
func ParseEncap(s string) (nicctl.EncapType, error) {
	for _, e := range []nicctl.EncapType{nicctl.EncapVXLAN, nicctl.EncapNVGRE, nicctl.EncapGeneve} {
		if strings.EqualFold(s, e.String()) {
			return e, nil
		}
	}
	return nicctl.EncapNone, fmt.Errorf("unknown encapsulation %q", s)
}
