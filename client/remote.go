package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/server/api"
)

// controllerClient is the subset of api.ControllerClient the remote
// client uses. Tests substitute a fake.
type controllerClient interface {
	InsertFilter(ctx context.Context, in *api.InsertFilterRequest, opts ...grpc.CallOption) (*api.InsertFilterResponse, error)
	RemoveFilter(ctx context.Context, in *api.FilterRef, opts ...grpc.CallOption) (*api.Empty, error)
	RedirectFilter(ctx context.Context, in *api.RedirectFilterRequest, opts ...grpc.CallOption) (*api.Empty, error)
	GetFilter(ctx context.Context, in *api.FilterRef, opts ...grpc.CallOption) (*api.Filter, error)
	ListFilters(ctx context.Context, in *api.ListFiltersRequest, opts ...grpc.CallOption) (*api.ListFiltersResponse, error)
	ClearFilters(ctx context.Context, in *api.ClearFiltersRequest, opts ...grpc.CallOption) (*api.Empty, error)
	AllocRSSContext(ctx context.Context, in *api.AllocRSSContextRequest, opts ...grpc.CallOption) (*api.RSSContext, error)
	SetRSSContext(ctx context.Context, in *api.SetRSSContextRequest, opts ...grpc.CallOption) (*api.Empty, error)
	FreeRSSContext(ctx context.Context, in *api.RSSContextRef, opts ...grpc.CallOption) (*api.Empty, error)
	AddVLAN(ctx context.Context, in *api.VLANRequest, opts ...grpc.CallOption) (*api.Empty, error)
	RemoveVLAN(ctx context.Context, in *api.VLANRequest, opts ...grpc.CallOption) (*api.Empty, error)
	VLANFilters(ctx context.Context, in *api.VLANRequest, opts ...grpc.CallOption) (*api.VLANFiltersResponse, error)
	SyncRxMode(ctx context.Context, in *api.RxMode, opts ...grpc.CallOption) (*api.Empty, error)
	Submit(ctx context.Context, in *api.SubmitRequest, opts ...grpc.CallOption) (*api.SubmitResponse, error)
	Status(ctx context.Context, in *api.Empty, opts ...grpc.CallOption) (*api.Status, error)
	SelfTest(ctx context.Context, in *api.SelfTestRequest, opts ...grpc.CallOption) (*api.SelfTestResponse, error)
	Doctor(ctx context.Context, in *api.Empty, opts ...grpc.CallOption) (*api.DoctorReport, error)
	Repair(ctx context.Context, in *api.Empty, opts ...grpc.CallOption) (*api.RepairResponse, error)
}

// remoteClient wraps a gRPC client to drive a controller owned by a
// daemon. Status errors are translated back into errors matching the
// nicctl sentinels.
type remoteClient struct {
	client controllerClient
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// newRemote creates a Client connected to the specified address.
func newRemote(address string, logger *slog.Logger) (*remoteClient, error) {
	target := parseAddress(address)

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}

	return &remoteClient{
		client: api.NewControllerClient(conn),
		conn:   conn,
		logger: logger,
	}, nil
}

// parseAddress normalises an address for gRPC.
// Handles Unix socket paths (unix:// prefix or absolute paths starting with /)
// and TCP addresses (host:port).
func parseAddress(address string) string {
	if strings.HasPrefix(address, "unix://") {
		return address
	}
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	return address
}

// Close releases the gRPC connection.
func (c *remoteClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *remoteClient) InsertFilter(ctx context.Context, spec nicctl.FilterSpec, replaceEqual bool) (nicctl.FilterID, error) {
	resp, err := c.client.InsertFilter(ctx, &api.InsertFilterRequest{Spec: spec, ReplaceEqual: replaceEqual})
	if err != nil {
		return nicctl.FilterIDInvalid, api.FromStatus(err)
	}
	return resp.ID, nil
}

func (c *remoteClient) RemoveFilter(ctx context.Context, id nicctl.FilterID) error {
	_, err := c.client.RemoveFilter(ctx, &api.FilterRef{ID: id})
	return api.FromStatus(err)
}

func (c *remoteClient) RedirectFilter(ctx context.Context, id nicctl.FilterID, queue uint16, rss *nicctl.RSSContextID) error {
	_, err := c.client.RedirectFilter(ctx, &api.RedirectFilterRequest{ID: id, Queue: queue, RSSContext: rss})
	return api.FromStatus(err)
}

func (c *remoteClient) GetFilter(ctx context.Context, id nicctl.FilterID) (api.Filter, error) {
	resp, err := c.client.GetFilter(ctx, &api.FilterRef{ID: id})
	if err != nil {
		return api.Filter{}, api.FromStatus(err)
	}
	return *resp, nil
}

func (c *remoteClient) ListFilters(ctx context.Context, priority *nicctl.Priority) ([]api.Filter, error) {
	resp, err := c.client.ListFilters(ctx, &api.ListFiltersRequest{Priority: priority})
	if err != nil {
		return nil, api.FromStatus(err)
	}
	return resp.Filters, nil
}

func (c *remoteClient) ClearFilters(ctx context.Context, priority nicctl.Priority) error {
	_, err := c.client.ClearFilters(ctx, &api.ClearFiltersRequest{Priority: priority})
	return api.FromStatus(err)
}

func (c *remoteClient) AllocRSSContext(ctx context.Context, exclusive bool, queues int, cfg *nicctl.RSSConfig) (api.RSSContext, error) {
	resp, err := c.client.AllocRSSContext(ctx, &api.AllocRSSContextRequest{Exclusive: exclusive, Queues: queues, Config: cfg})
	if err != nil {
		return api.RSSContext{}, api.FromStatus(err)
	}
	return *resp, nil
}

func (c *remoteClient) SetRSSContext(ctx context.Context, id nicctl.RSSContextID, cfg nicctl.RSSConfig) error {
	_, err := c.client.SetRSSContext(ctx, &api.SetRSSContextRequest{ID: id, Config: cfg})
	return api.FromStatus(err)
}

func (c *remoteClient) FreeRSSContext(ctx context.Context, id nicctl.RSSContextID) error {
	_, err := c.client.FreeRSSContext(ctx, &api.RSSContextRef{ID: id})
	return api.FromStatus(err)
}

func (c *remoteClient) AddVLAN(ctx context.Context, vid uint16) error {
	_, err := c.client.AddVLAN(ctx, &api.VLANRequest{VID: vid})
	return api.FromStatus(err)
}

func (c *remoteClient) RemoveVLAN(ctx context.Context, vid uint16) error {
	_, err := c.client.RemoveVLAN(ctx, &api.VLANRequest{VID: vid})
	return api.FromStatus(err)
}

func (c *remoteClient) VLANFilters(ctx context.Context, vid uint16) ([]api.Filter, error) {
	resp, err := c.client.VLANFilters(ctx, &api.VLANRequest{VID: vid})
	if err != nil {
		return nil, api.FromStatus(err)
	}
	return resp.Filters, nil
}

func (c *remoteClient) SyncRxMode(ctx context.Context, mode api.RxMode) error {
	_, err := c.client.SyncRxMode(ctx, &mode)
	return api.FromStatus(err)
}

func (c *remoteClient) Submit(ctx context.Context, opcode uint8, input []byte, outLen int) ([]byte, error) {
	resp, err := c.client.Submit(ctx, &api.SubmitRequest{Opcode: opcode, Input: input, OutLen: outLen})
	if err != nil {
		return nil, api.FromStatus(err)
	}
	return resp.Data, nil
}

func (c *remoteClient) Status(ctx context.Context) (api.Status, error) {
	resp, err := c.client.Status(ctx, &api.Empty{})
	if err != nil {
		return api.Status{}, api.FromStatus(err)
	}
	return *resp, nil
}

func (c *remoteClient) SelfTest(ctx context.Context, poll time.Duration) (api.SelfTestResponse, error) {
	resp, err := c.client.SelfTest(ctx, &api.SelfTestRequest{PollIntervalMillis: poll.Milliseconds()})
	if err != nil {
		return api.SelfTestResponse{}, api.FromStatus(err)
	}
	return *resp, nil
}

func (c *remoteClient) Doctor(ctx context.Context) (api.DoctorReport, error) {
	resp, err := c.client.Doctor(ctx, &api.Empty{})
	if err != nil {
		return api.DoctorReport{}, api.FromStatus(err)
	}
	return *resp, nil
}

// Repair applies the fixes Doctor proposes. Steps that fail are listed
// in the response rather than returned as an error.
func (c *remoteClient) Repair(ctx context.Context) (api.RepairResponse, error) {
	resp, err := c.client.Repair(ctx, &api.Empty{})
	if err != nil {
		return api.RepairResponse{}, api.FromStatus(err)
	}
	return *resp, nil
}
