package mcdi

import "fmt"

// Opcode identifies a controller command.
type Opcode uint8

const (
	OpStartBIST          Opcode = 0x25
	OpPollBIST           Opcode = 0x26
	OpNVRAMUpdateFinish  Opcode = 0x3c
	OpGetVersion         Opcode = 0x08
	OpDriverEvent        Opcode = 0x0d
	OpFilterOp           Opcode = 0x8a
	OpRSSContextAlloc    Opcode = 0x9e
	OpRSSContextFree     Opcode = 0x9f
	OpRSSContextSetKey   Opcode = 0xa0
	OpRSSContextSetTable Opcode = 0xa1
	OpGetCapabilities    Opcode = 0xbe
	OpLicensingV3        Opcode = 0xd0
	OpGetParserDispInfo  Opcode = 0xe4
	OpLicensing          Opcode = 0xf1
)

var opcodeNames = map[Opcode]string{
	OpStartBIST:          "start_bist",
	OpPollBIST:           "poll_bist",
	OpNVRAMUpdateFinish:  "nvram_update_finish",
	OpGetVersion:         "get_version",
	OpDriverEvent:        "driver_event",
	OpFilterOp:           "filter_op",
	OpRSSContextAlloc:    "rss_context_alloc",
	OpRSSContextFree:     "rss_context_free",
	OpRSSContextSetKey:   "rss_context_set_key",
	OpRSSContextSetTable: "rss_context_set_table",
	OpGetCapabilities:    "get_capabilities",
	OpLicensingV3:        "licensing_v3",
	OpGetParserDispInfo:  "get_parser_disp_info",
	OpLicensing:          "licensing",
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("op_%#02x", uint8(op))
}

// ParseOpcode accepts an opcode name or a number.
func ParseOpcode(s string) (Opcode, error) {
	for op, name := range opcodeNames {
		if name == s {
			return op, nil
		}
	}
	var n uint8
	if _, err := fmt.Sscanf(s, "%v", &n); err != nil {
		return 0, fmt.Errorf("unknown opcode %q", s)
	}
	return Opcode(n), nil
}

// LongRunning reports whether the controller is known to take a long
// time over op.
func (op Opcode) LongRunning() bool {
	switch op {
	case OpNVRAMUpdateFinish, OpStartBIST, OpPollBIST, OpLicensing, OpLicensingV3:
		return true
	}
	return false
}
