package mcdi

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/frobware/go-nicctl"
)

// encoder appends little-endian fields.
type encoder struct {
	b []byte
}

func (e *encoder) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encoder) u16(v uint16) { e.b = binary.LittleEndian.AppendUint16(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = binary.LittleEndian.AppendUint32(e.b, v) }
func (e *encoder) u64(v uint64) { e.b = binary.LittleEndian.AppendUint64(e.b, v) }
func (e *encoder) bytes(v []byte) {
	e.b = append(e.b, v...)
}

// addr writes a family byte (0, 4 or 6) and 16 address bytes.
func (e *encoder) addr(a netip.Addr) {
	switch {
	case !a.IsValid():
		e.u8(0)
	case a.Is4():
		e.u8(4)
	default:
		e.u8(6)
	}
	var raw [16]byte
	if a.IsValid() {
		raw = a.As16()
	}
	e.bytes(raw[:])
}

// decoder consumes little-endian fields. The first short read latches
// an error; later reads return zero values.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.err = fmt.Errorf("need %d bytes, have %d: %w", n, len(d.b), nicctl.ErrMalformedResponse)
		return nil
	}
	v := d.b[:n]
	d.b = d.b[n:]
	return v
}

func (d *decoder) u8() uint8 {
	if v := d.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if v := d.take(2); v != nil {
		return binary.LittleEndian.Uint16(v)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if v := d.take(4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if v := d.take(8); v != nil {
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

func (d *decoder) copyTo(dst []byte) {
	if v := d.take(len(dst)); v != nil {
		copy(dst, v)
	}
}

func (d *decoder) addr() netip.Addr {
	family := d.u8()
	var raw [16]byte
	d.copyTo(raw[:])
	if d.err != nil {
		return netip.Addr{}
	}
	switch family {
	case 0:
		return netip.Addr{}
	case 4:
		return netip.AddrFrom16(raw).Unmap()
	case 6:
		return netip.AddrFrom16(raw)
	default:
		d.err = fmt.Errorf("address family %d: %w", family, nicctl.ErrMalformedResponse)
		return netip.Addr{}
	}
}

func (d *decoder) mac() nicctl.MAC {
	var m nicctl.MAC
	d.copyTo(m[:])
	return m
}
