// Package api defines the nicctl.v1.Controller gRPC service: its
// messages, the service descriptor and a codec for the protocol
// buffer wire format. The messages are plain Go structs that encode
// themselves with protowire, so no generated code is involved; both
// ends select the codec through its content subtype. The json tags
// serve the CLI's JSON output.
package api

import (
	"github.com/frobware/go-nicctl"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type InsertFilterRequest struct {
	Spec         nicctl.FilterSpec `json:"spec"`
	ReplaceEqual bool              `json:"replace_equal,omitempty"`
}

type InsertFilterResponse struct {
	ID nicctl.FilterID `json:"id"`
}

type FilterRef struct {
	ID nicctl.FilterID `json:"id"`
}

type RedirectFilterRequest struct {
	ID    nicctl.FilterID `json:"id"`
	Queue uint16          `json:"queue"`
	// RSSContext, when set, spreads over that context. When nil the
	// filter delivers to Queue alone.
	RSSContext *nicctl.RSSContextID `json:"rss_context,omitempty"`
}

// Filter is a live filter.
type Filter struct {
	ID     nicctl.FilterID   `json:"id"`
	Spec   nicctl.FilterSpec `json:"spec"`
	Handle uint64            `json:"handle"`
	Busy   bool              `json:"busy,omitempty"`
	// OverAuto is set when removing the filter brings back the AUTO
	// filter it superseded.
	OverAuto bool `json:"over_auto,omitempty"`
}

type ListFiltersRequest struct {
	Priority *nicctl.Priority `json:"priority,omitempty"`
}

type ListFiltersResponse struct {
	Filters []Filter `json:"filters"`
}

type ClearFiltersRequest struct {
	Priority nicctl.Priority `json:"priority"`
}

type AllocRSSContextRequest struct {
	Exclusive bool              `json:"exclusive"`
	Queues    int               `json:"queues"`
	Config    *nicctl.RSSConfig `json:"config,omitempty"`
}

// RSSContext describes an allocated RSS context. Config is only set
// for exclusive contexts.
type RSSContext struct {
	ID        nicctl.RSSContextID `json:"id"`
	Exclusive bool                `json:"exclusive"`
	Queues    int                 `json:"queues"`
	Config    *nicctl.RSSConfig   `json:"config,omitempty"`
}

type SetRSSContextRequest struct {
	ID     nicctl.RSSContextID `json:"id"`
	Config nicctl.RSSConfig    `json:"config"`
}

type RSSContextRef struct {
	ID nicctl.RSSContextID `json:"id"`
}

type VLANRequest struct {
	VID uint16 `json:"vid"`
}

type VLANFiltersResponse struct {
	Filters []Filter `json:"filters"`
}

// RxMode is the host's receive configuration.
type RxMode struct {
	Unicast      []nicctl.MAC `json:"unicast,omitempty"`
	Multicast    []nicctl.MAC `json:"multicast,omitempty"`
	Promiscuous  bool         `json:"promiscuous,omitempty"`
	AllMulticast bool         `json:"all_multicast,omitempty"`
}

type SubmitRequest struct {
	Opcode uint8  `json:"opcode"`
	Input  []byte `json:"input,omitempty"`
	OutLen int    `json:"out_len,omitempty"`
}

type SubmitResponse struct {
	Data []byte `json:"data"`
}

type SelfTestRequest struct {
	PollIntervalMillis int64 `json:"poll_interval_ms,omitempty"`
}

type SelfTestResponse struct {
	LoopbackNanos int64  `json:"loopback_ns"`
	BIST          string `json:"bist"`
}

// Status is a snapshot of the controller as the daemon sees it.
type Status struct {
	State     string `json:"state"`
	BootCount uint32 `json:"boot_count"`
	Epoch     string `json:"epoch"`
	Reprobe   string `json:"reprobe"`

	ProtocolMajor   uint16 `json:"protocol_major"`
	ProtocolMinor   uint16 `json:"protocol_minor"`
	FirmwareVersion string `json:"firmware_version"`
	Capabilities    string `json:"capabilities"`
	MaxFilters      uint32 `json:"max_filters"`
	MaxRSSContexts  uint32 `json:"max_rss_contexts"`
	NumVIs          uint32 `json:"num_vis"`
	PIOBuffers      uint32 `json:"pio_buffers"`
	LicensedValid   uint32 `json:"licensed_valid"`

	Matches []string `json:"matches"`

	TableSize  int          `json:"table_size"`
	Filters    int          `json:"filters"`
	DefaultRSS RSSContext   `json:"default_rss"`
	RSS        []RSSContext `json:"rss,omitempty"`
	VLANs      []uint16     `json:"vlans,omitempty"`
	RxMode     RxMode       `json:"rx_mode"`

	RxEvents      uint64   `json:"rx_events"`
	TxEvents      uint64   `json:"tx_events"`
	Collaborators []string `json:"collaborators"`
}

// Finding is one coherency check result.
type Finding struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// DoctorReport lists what disagrees between the driver and the
// firmware.
type DoctorReport struct {
	Findings []Finding `json:"findings"`
}

// RepairResponse lists the repair steps taken and the ones that
// failed.
type RepairResponse struct {
	Applied []string `json:"applied"`
	Errors  []string `json:"errors,omitempty"`
}
