// Package client provides a unified interface for controller management.
//
// Use Dial to connect to a running nicctl daemon:
//
//	c, err := client.Dial(client.DefaultSocketPath())
//	c, err := client.Dial("localhost:50051")
//
// Use Open to drive a private emulated controller in-process:
//
//	c, err := client.Open()
//	c, err := client.Open(client.WithRuntimeDir("/tmp/mynicctl"))
//
// Both return a Client that can be used identically. Errors match the
// nicctl sentinels through errors.Is.
package client

import (
	"context"
	"io"
	"time"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/server/api"
)

// Client provides a transport-agnostic interface to one controller.
// Commands use this interface and remain unaware of whether they are
// operating locally or remotely.
type Client interface {
	io.Closer

	// Filter operations
	InsertFilter(ctx context.Context, spec nicctl.FilterSpec, replaceEqual bool) (nicctl.FilterID, error)
	RemoveFilter(ctx context.Context, id nicctl.FilterID) error
	RedirectFilter(ctx context.Context, id nicctl.FilterID, queue uint16, rss *nicctl.RSSContextID) error
	GetFilter(ctx context.Context, id nicctl.FilterID) (api.Filter, error)
	ListFilters(ctx context.Context, priority *nicctl.Priority) ([]api.Filter, error)
	ClearFilters(ctx context.Context, priority nicctl.Priority) error

	// RSS context operations
	AllocRSSContext(ctx context.Context, exclusive bool, queues int, cfg *nicctl.RSSConfig) (api.RSSContext, error)
	SetRSSContext(ctx context.Context, id nicctl.RSSContextID, cfg nicctl.RSSConfig) error
	FreeRSSContext(ctx context.Context, id nicctl.RSSContextID) error

	// Address lists
	AddVLAN(ctx context.Context, vid uint16) error
	RemoveVLAN(ctx context.Context, vid uint16) error
	VLANFilters(ctx context.Context, vid uint16) ([]api.Filter, error)
	SyncRxMode(ctx context.Context, mode api.RxMode) error

	// Diagnostics
	Submit(ctx context.Context, opcode uint8, input []byte, outLen int) ([]byte, error)
	Status(ctx context.Context) (api.Status, error)
	SelfTest(ctx context.Context, poll time.Duration) (api.SelfTestResponse, error)
	Doctor(ctx context.Context) (api.DoctorReport, error)
	Repair(ctx context.Context) (api.RepairResponse, error)
}
