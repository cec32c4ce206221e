package hw

import "fmt"

// Event is one completion record. Bits [63:60] carry the event code;
// the layout of the remaining bits depends on the code.
//
// MCDI events:
//
//	[59:52] subcode
//	[51:44] sequence tag
//	[43:32] response length
//	[31:0]  errno (CMDDONE) or unused
//
// Driver events carry a 32-bit payload in [31:0].
type Event uint64

// EventCode classifies an event.
type EventCode uint8

const (
	EventRX     EventCode = 0x0
	EventTX     EventCode = 0x2
	EventDriver EventCode = 0x5
	EventMCDI   EventCode = 0xc
)

func (c EventCode) String() string {
	switch c {
	case EventRX:
		return "rx"
	case EventTX:
		return "tx"
	case EventDriver:
		return "driver"
	case EventMCDI:
		return "mcdi"
	default:
		return fmt.Sprintf("EventCode(%#x)", uint8(c))
	}
}

// MCDISubcode distinguishes MCDI events.
type MCDISubcode uint8

const (
	MCDICmdDone MCDISubcode = 0x1
	MCDIReboot  MCDISubcode = 0x2
)

// Code returns the event code.
func (e Event) Code() EventCode { return EventCode(e >> 60) }

// MCDISubcode returns the subcode of an MCDI event.
func (e Event) MCDISubcode() MCDISubcode { return MCDISubcode(e >> 52) }

// Seq returns the sequence tag of an MCDI event.
func (e Event) Seq() uint8 { return uint8(e >> 44) }

// DataLen returns the response length of a CMDDONE event.
func (e Event) DataLen() uint16 { return uint16(e>>32) & 0xfff }

// Data returns the low 32 bits: the errno of a CMDDONE event or the
// payload of a driver event.
func (e Event) Data() uint32 { return uint32(e) }

// NewCmdDoneEvent builds the completion for the request tagged seq.
func NewCmdDoneEvent(seq uint8, dataLen uint16, errno uint32) Event {
	return Event(uint64(EventMCDI)<<60 |
		uint64(MCDICmdDone)<<52 |
		uint64(seq)<<44 |
		uint64(dataLen&0xfff)<<32 |
		uint64(errno))
}

// NewRebootEvent builds the notification the controller posts after
// it restarts.
func NewRebootEvent() Event {
	return Event(uint64(EventMCDI)<<60 | uint64(MCDIReboot)<<52)
}

// NewDriverEvent builds a driver-generated event carrying data.
func NewDriverEvent(data uint32) Event {
	return Event(uint64(EventDriver)<<60 | uint64(data))
}

// NewEvent builds an event with an arbitrary code and low bits.
func NewEvent(code EventCode, data uint64) Event {
	return Event(uint64(code&0xf)<<60 | data&(1<<60-1))
}

func (e Event) String() string {
	switch e.Code() {
	case EventMCDI:
		switch e.MCDISubcode() {
		case MCDICmdDone:
			return fmt.Sprintf("mcdi cmddone seq=%d len=%d errno=%d", e.Seq(), e.DataLen(), e.Data())
		case MCDIReboot:
			return "mcdi reboot"
		}
		return fmt.Sprintf("mcdi subcode=%#x", uint8(e.MCDISubcode()))
	case EventDriver:
		return fmt.Sprintf("driver data=%#x", e.Data())
	}
	return fmt.Sprintf("%s %#016x", e.Code(), uint64(e))
}
