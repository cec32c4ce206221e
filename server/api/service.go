package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nicctl.v1.Controller"

// ControllerServer is the server side of the Controller service.
type ControllerServer interface {
	InsertFilter(context.Context, *InsertFilterRequest) (*InsertFilterResponse, error)
	RemoveFilter(context.Context, *FilterRef) (*Empty, error)
	RedirectFilter(context.Context, *RedirectFilterRequest) (*Empty, error)
	GetFilter(context.Context, *FilterRef) (*Filter, error)
	ListFilters(context.Context, *ListFiltersRequest) (*ListFiltersResponse, error)
	ClearFilters(context.Context, *ClearFiltersRequest) (*Empty, error)
	AllocRSSContext(context.Context, *AllocRSSContextRequest) (*RSSContext, error)
	SetRSSContext(context.Context, *SetRSSContextRequest) (*Empty, error)
	FreeRSSContext(context.Context, *RSSContextRef) (*Empty, error)
	AddVLAN(context.Context, *VLANRequest) (*Empty, error)
	RemoveVLAN(context.Context, *VLANRequest) (*Empty, error)
	VLANFilters(context.Context, *VLANRequest) (*VLANFiltersResponse, error)
	SyncRxMode(context.Context, *RxMode) (*Empty, error)
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	Status(context.Context, *Empty) (*Status, error)
	SelfTest(context.Context, *SelfTestRequest) (*SelfTestResponse, error)
	Doctor(context.Context, *Empty) (*DoctorReport, error)
	Repair(context.Context, *Empty) (*RepairResponse, error)
}

// unary builds the method descriptor of one unary call. The service
// has no streams, so every method has this shape.
func unary[Req, Resp any](name string, call func(ControllerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			cs := srv.(ControllerServer)
			if interceptor == nil {
				return call(cs, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(cs, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes the Controller service to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControllerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("InsertFilter", ControllerServer.InsertFilter),
		unary("RemoveFilter", ControllerServer.RemoveFilter),
		unary("RedirectFilter", ControllerServer.RedirectFilter),
		unary("GetFilter", ControllerServer.GetFilter),
		unary("ListFilters", ControllerServer.ListFilters),
		unary("ClearFilters", ControllerServer.ClearFilters),
		unary("AllocRSSContext", ControllerServer.AllocRSSContext),
		unary("SetRSSContext", ControllerServer.SetRSSContext),
		unary("FreeRSSContext", ControllerServer.FreeRSSContext),
		unary("AddVLAN", ControllerServer.AddVLAN),
		unary("RemoveVLAN", ControllerServer.RemoveVLAN),
		unary("VLANFilters", ControllerServer.VLANFilters),
		unary("SyncRxMode", ControllerServer.SyncRxMode),
		unary("Submit", ControllerServer.Submit),
		unary("Status", ControllerServer.Status),
		unary("SelfTest", ControllerServer.SelfTest),
		unary("Doctor", ControllerServer.Doctor),
		unary("Repair", ControllerServer.Repair),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nicctl/v1/controller",
}

// RegisterControllerServer registers srv with s.
func RegisterControllerServer(s grpc.ServiceRegistrar, srv ControllerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ControllerClient is the client side of the Controller service.
// Errors are status errors; pass them through FromStatus to match
// them against the nicctl sentinels.
type ControllerClient struct {
	cc grpc.ClientConnInterface
}

func NewControllerClient(cc grpc.ClientConnInterface) *ControllerClient {
	return &ControllerClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControllerClient) InsertFilter(ctx context.Context, in *InsertFilterRequest, opts ...grpc.CallOption) (*InsertFilterResponse, error) {
	return invoke[InsertFilterRequest, InsertFilterResponse](ctx, c.cc, "InsertFilter", in, opts...)
}

func (c *ControllerClient) RemoveFilter(ctx context.Context, in *FilterRef, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[FilterRef, Empty](ctx, c.cc, "RemoveFilter", in, opts...)
}

func (c *ControllerClient) RedirectFilter(ctx context.Context, in *RedirectFilterRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[RedirectFilterRequest, Empty](ctx, c.cc, "RedirectFilter", in, opts...)
}

func (c *ControllerClient) GetFilter(ctx context.Context, in *FilterRef, opts ...grpc.CallOption) (*Filter, error) {
	return invoke[FilterRef, Filter](ctx, c.cc, "GetFilter", in, opts...)
}

func (c *ControllerClient) ListFilters(ctx context.Context, in *ListFiltersRequest, opts ...grpc.CallOption) (*ListFiltersResponse, error) {
	return invoke[ListFiltersRequest, ListFiltersResponse](ctx, c.cc, "ListFilters", in, opts...)
}

func (c *ControllerClient) ClearFilters(ctx context.Context, in *ClearFiltersRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[ClearFiltersRequest, Empty](ctx, c.cc, "ClearFilters", in, opts...)
}

func (c *ControllerClient) AllocRSSContext(ctx context.Context, in *AllocRSSContextRequest, opts ...grpc.CallOption) (*RSSContext, error) {
	return invoke[AllocRSSContextRequest, RSSContext](ctx, c.cc, "AllocRSSContext", in, opts...)
}

func (c *ControllerClient) SetRSSContext(ctx context.Context, in *SetRSSContextRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[SetRSSContextRequest, Empty](ctx, c.cc, "SetRSSContext", in, opts...)
}

func (c *ControllerClient) FreeRSSContext(ctx context.Context, in *RSSContextRef, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[RSSContextRef, Empty](ctx, c.cc, "FreeRSSContext", in, opts...)
}

func (c *ControllerClient) AddVLAN(ctx context.Context, in *VLANRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[VLANRequest, Empty](ctx, c.cc, "AddVLAN", in, opts...)
}

func (c *ControllerClient) RemoveVLAN(ctx context.Context, in *VLANRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[VLANRequest, Empty](ctx, c.cc, "RemoveVLAN", in, opts...)
}

func (c *ControllerClient) VLANFilters(ctx context.Context, in *VLANRequest, opts ...grpc.CallOption) (*VLANFiltersResponse, error) {
	return invoke[VLANRequest, VLANFiltersResponse](ctx, c.cc, "VLANFilters", in, opts...)
}

func (c *ControllerClient) SyncRxMode(ctx context.Context, in *RxMode, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[RxMode, Empty](ctx, c.cc, "SyncRxMode", in, opts...)
}

func (c *ControllerClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitRequest, SubmitResponse](ctx, c.cc, "Submit", in, opts...)
}

func (c *ControllerClient) Status(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Status, error) {
	return invoke[Empty, Status](ctx, c.cc, "Status", in, opts...)
}

func (c *ControllerClient) SelfTest(ctx context.Context, in *SelfTestRequest, opts ...grpc.CallOption) (*SelfTestResponse, error) {
	return invoke[SelfTestRequest, SelfTestResponse](ctx, c.cc, "SelfTest", in, opts...)
}

func (c *ControllerClient) Doctor(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*DoctorReport, error) {
	return invoke[Empty, DoctorReport](ctx, c.cc, "Doctor", in, opts...)
}

func (c *ControllerClient) Repair(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*RepairResponse, error) {
	return invoke[Empty, RepairResponse](ctx, c.cc, "Repair", in, opts...)
}
