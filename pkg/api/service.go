package api

import (
	"context"

	"google.golang.org/grpc"
)

const ManagerServiceName = "lmgr.api.Manager"

// ManagerServer is the command façade of the manager.
type ManagerServer interface {
	SetState(context.Context, *SetStateRequest) (*SetStateResponse, error)
	RunJobs(context.Context, *RunJobsRequest) (*CommandResponse, error)
	CancelJob(context.Context, *JobRequest) (*Empty, error)
	AvailableTransitions(context.Context, *ObjectsRequest) (*AvailableTransitionsResponse, error)
	AvailableJobs(context.Context, *ObjectsRequest) (*AvailableJobsResponse, error)
	TransitionConsequences(context.Context, *ConsequencesRequest) (*ConsequencesResponse, error)
	GetLocks(context.Context, *Empty) (*LocksResponse, error)
	GetCommand(context.Context, *CommandRequest) (*CommandResponse, error)
	DismissCommand(context.Context, *CommandRequest) (*Empty, error)
	GetJob(context.Context, *JobRequest) (*JobResponse, error)
	CreateHost(context.Context, *CreateHostRequest) (*CreateHostResponse, error)
	CreateObject(context.Context, *CreateObjectRequest) (*ObjectResponse, error)
	GetObject(context.Context, *ObjectRequest) (*ObjectResponse, error)
	ListObjects(context.Context, *ListObjectsRequest) (*ObjectsResponse, error)
	Notify(context.Context, *NotifyRequest) (*NotifyResponse, error)
	WaitForChanges(context.Context, *WaitRequest) (*WaitResponse, error)
}

func RegisterManagerServer(s *grpc.Server, srv ManagerServer) {
	s.RegisterService(&managerServiceDesc, srv)
}

var managerServiceDesc = grpc.ServiceDesc{
	ServiceName: ManagerServiceName,
	HandlerType: (*ManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SetState", ManagerServer.SetState),
		unary("RunJobs", ManagerServer.RunJobs),
		unary("CancelJob", ManagerServer.CancelJob),
		unary("AvailableTransitions", ManagerServer.AvailableTransitions),
		unary("AvailableJobs", ManagerServer.AvailableJobs),
		unary("TransitionConsequences", ManagerServer.TransitionConsequences),
		unary("GetLocks", ManagerServer.GetLocks),
		unary("GetCommand", ManagerServer.GetCommand),
		unary("DismissCommand", ManagerServer.DismissCommand),
		unary("GetJob", ManagerServer.GetJob),
		unary("CreateHost", ManagerServer.CreateHost),
		unary("CreateObject", ManagerServer.CreateObject),
		unary("GetObject", ManagerServer.GetObject),
		unary("ListObjects", ManagerServer.ListObjects),
		unary("Notify", ManagerServer.Notify),
		unary("WaitForChanges", ManagerServer.WaitForChanges),
	},
}

func fullMethod(name string) string {
	return "/" + ManagerServiceName + "/" + name
}

func unary[Req, Resp any](name string, method func(ManagerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return method(srv.(ManagerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return method(srv.(ManagerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ManagerClient calls the command façade. Connections must use the json codec.
type ManagerClient interface {
	SetState(ctx context.Context, in *SetStateRequest, opts ...grpc.CallOption) (*SetStateResponse, error)
	RunJobs(ctx context.Context, in *RunJobsRequest, opts ...grpc.CallOption) (*CommandResponse, error)
	CancelJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error)
	AvailableTransitions(ctx context.Context, in *ObjectsRequest, opts ...grpc.CallOption) (*AvailableTransitionsResponse, error)
	AvailableJobs(ctx context.Context, in *ObjectsRequest, opts ...grpc.CallOption) (*AvailableJobsResponse, error)
	TransitionConsequences(ctx context.Context, in *ConsequencesRequest, opts ...grpc.CallOption) (*ConsequencesResponse, error)
	GetLocks(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*LocksResponse, error)
	GetCommand(ctx context.Context, in *CommandRequest, opts ...grpc.CallOption) (*CommandResponse, error)
	DismissCommand(ctx context.Context, in *CommandRequest, opts ...grpc.CallOption) (*Empty, error)
	GetJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobResponse, error)
	CreateHost(ctx context.Context, in *CreateHostRequest, opts ...grpc.CallOption) (*CreateHostResponse, error)
	CreateObject(ctx context.Context, in *CreateObjectRequest, opts ...grpc.CallOption) (*ObjectResponse, error)
	GetObject(ctx context.Context, in *ObjectRequest, opts ...grpc.CallOption) (*ObjectResponse, error)
	ListObjects(ctx context.Context, in *ListObjectsRequest, opts ...grpc.CallOption) (*ObjectsResponse, error)
	Notify(ctx context.Context, in *NotifyRequest, opts ...grpc.CallOption) (*NotifyResponse, error)
	WaitForChanges(ctx context.Context, in *WaitRequest, opts ...grpc.CallOption) (*WaitResponse, error)
}

type managerClient struct {
	cc grpc.ClientConnInterface
}

func NewManagerClient(cc grpc.ClientConnInterface) ManagerClient {
	return &managerClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *managerClient) SetState(ctx context.Context, in *SetStateRequest, opts ...grpc.CallOption) (*SetStateResponse, error) {
	return invoke[SetStateResponse](ctx, c.cc, "SetState", in, opts)
}

func (c *managerClient) RunJobs(ctx context.Context, in *RunJobsRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "RunJobs", in, opts)
}

func (c *managerClient) CancelJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "CancelJob", in, opts)
}

func (c *managerClient) AvailableTransitions(ctx context.Context, in *ObjectsRequest, opts ...grpc.CallOption) (*AvailableTransitionsResponse, error) {
	return invoke[AvailableTransitionsResponse](ctx, c.cc, "AvailableTransitions", in, opts)
}

func (c *managerClient) AvailableJobs(ctx context.Context, in *ObjectsRequest, opts ...grpc.CallOption) (*AvailableJobsResponse, error) {
	return invoke[AvailableJobsResponse](ctx, c.cc, "AvailableJobs", in, opts)
}

func (c *managerClient) TransitionConsequences(ctx context.Context, in *ConsequencesRequest, opts ...grpc.CallOption) (*ConsequencesResponse, error) {
	return invoke[ConsequencesResponse](ctx, c.cc, "TransitionConsequences", in, opts)
}

func (c *managerClient) GetLocks(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*LocksResponse, error) {
	return invoke[LocksResponse](ctx, c.cc, "GetLocks", in, opts)
}

func (c *managerClient) GetCommand(ctx context.Context, in *CommandRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "GetCommand", in, opts)
}

func (c *managerClient) DismissCommand(ctx context.Context, in *CommandRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "DismissCommand", in, opts)
}

func (c *managerClient) GetJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobResponse, error) {
	return invoke[JobResponse](ctx, c.cc, "GetJob", in, opts)
}

func (c *managerClient) CreateHost(ctx context.Context, in *CreateHostRequest, opts ...grpc.CallOption) (*CreateHostResponse, error) {
	return invoke[CreateHostResponse](ctx, c.cc, "CreateHost", in, opts)
}

func (c *managerClient) CreateObject(ctx context.Context, in *CreateObjectRequest, opts ...grpc.CallOption) (*ObjectResponse, error) {
	return invoke[ObjectResponse](ctx, c.cc, "CreateObject", in, opts)
}

func (c *managerClient) GetObject(ctx context.Context, in *ObjectRequest, opts ...grpc.CallOption) (*ObjectResponse, error) {
	return invoke[ObjectResponse](ctx, c.cc, "GetObject", in, opts)
}

func (c *managerClient) ListObjects(ctx context.Context, in *ListObjectsRequest, opts ...grpc.CallOption) (*ObjectsResponse, error) {
	return invoke[ObjectsResponse](ctx, c.cc, "ListObjects", in, opts)
}

func (c *managerClient) Notify(ctx context.Context, in *NotifyRequest, opts ...grpc.CallOption) (*NotifyResponse, error) {
	return invoke[NotifyResponse](ctx, c.cc, "Notify", in, opts)
}

func (c *managerClient) WaitForChanges(ctx context.Context, in *WaitRequest, opts ...grpc.CallOption) (*WaitResponse, error) {
	return invoke[WaitResponse](ctx, c.cc, "WaitForChanges", in, opts)
}
