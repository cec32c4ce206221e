package emulator

import (
	"fmt"
	"time"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/mcdi"
)

// Config describes the emulated controller.
type Config struct {
	// DBPath holds firmware state. Empty keeps it in memory.
	DBPath string

	ProtocolMajor   uint16
	ProtocolMinor   uint16
	FirmwareVersion string
	Capabilities    mcdi.CapFlags

	// MaxFilters bounds the firmware filter table.
	MaxFilters int
	// MaxRSSContexts bounds exclusive RSS contexts. Shared contexts
	// are not limited.
	MaxRSSContexts int
	NumVIs         int
	PIOBuffers     int

	// Matches is the receive match list reported by
	// GET_PARSER_DISP_INFO, most specific first.
	Matches []nicctl.MatchFields

	// Latency delays every response.
	Latency time.Duration

	RingSize   int
	BufferSize int
}

// DefaultConfig returns the controller described by the built-in
// configuration.
func DefaultConfig() Config {
	cfg, err := ConfigFrom(config.DefaultConfig().Emulator)
	if err != nil {
		panic(fmt.Sprintf("built-in emulator configuration: %v", err))
	}
	return cfg
}

// ConfigFrom converts the [emulator] configuration section.
func ConfigFrom(c config.EmulatorConfig) (Config, error) {
	matches, err := c.Matches()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ProtocolMajor:   c.ProtocolMajor,
		ProtocolMinor:   c.ProtocolMinor,
		FirmwareVersion: c.FirmwareVersion,
		Capabilities:    mcdi.CapRSSExclusive | mcdi.CapVXLAN | mcdi.CapVLANFilters,
		MaxFilters:      c.MaxFilters,
		MaxRSSContexts:  c.MaxRSSContexts,
		NumVIs:          c.NumVIs,
		PIOBuffers:      c.PIOBuffers,
		Matches:         matches,
		Latency:         c.Latency.Duration,
		RingSize:        1024,
		BufferSize:      4096,
	}, nil
}
