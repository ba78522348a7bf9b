package replgrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/i-melnichenko/confraft/internal/agent"
	"github.com/i-melnichenko/confraft/internal/gossip"
)

// Full method names, shared by client and server so they cannot drift.
const (
	replicationServiceName = "confraft.v1.Replication"
	clientServiceName      = "confraft.v1.Client"
	gossipServiceName      = "confraft.v1.Gossip"

	methodAppendEntries = "/" + replicationServiceName + "/AppendEntries"
	methodExchange      = "/" + gossipServiceName + "/Exchange"
	methodWrite         = "/" + clientServiceName + "/Write"
	methodRead          = "/" + clientServiceName + "/Read"
	methodTransact      = "/" + clientServiceName + "/Transact"
	methodInquire       = "/" + clientServiceName + "/Inquire"
	methodPoll          = "/" + clientServiceName + "/Poll"
	methodWait          = "/" + clientServiceName + "/WaitForIndex"
	methodState         = "/" + clientServiceName + "/State"
)

func makeHandler[Req any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		})
	}
}

var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: replicationServiceName,
	HandlerType: (*replicationHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AppendEntries",
			Handler: makeHandler(methodAppendEntries, func(srv any, ctx context.Context, req *agent.AppendEntriesRequest) (any, error) {
				return srv.(replicationHandler).appendEntries(ctx, req)
			}),
		},
	},
	Metadata: "confraft/v1/replication",
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: gossipServiceName,
	HandlerType: (*gossipHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exchange",
			Handler: makeHandler(methodExchange, func(srv any, ctx context.Context, req *gossip.Announcement) (any, error) {
				return srv.(gossipHandler).exchange(ctx, req)
			}),
		},
	},
	Metadata: "confraft/v1/gossip",
}

var clientServiceDesc = grpc.ServiceDesc{
	ServiceName: clientServiceName,
	HandlerType: (*clientHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Write",
			Handler: makeHandler(methodWrite, func(srv any, ctx context.Context, req *writeRequest) (any, error) {
				return srv.(clientHandler).write(ctx, req)
			}),
		},
		{
			MethodName: "Read",
			Handler: makeHandler(methodRead, func(srv any, ctx context.Context, req *readRequest) (any, error) {
				return srv.(clientHandler).read(ctx, req)
			}),
		},
		{
			MethodName: "Transact",
			Handler: makeHandler(methodTransact, func(srv any, ctx context.Context, req *transactRequest) (any, error) {
				return srv.(clientHandler).transact(ctx, req)
			}),
		},
		{
			MethodName: "Inquire",
			Handler: makeHandler(methodInquire, func(srv any, ctx context.Context, req *inquireRequest) (any, error) {
				return srv.(clientHandler).inquire(ctx, req)
			}),
		},
		{
			MethodName: "Poll",
			Handler: makeHandler(methodPoll, func(srv any, ctx context.Context, req *pollRequest) (any, error) {
				return srv.(clientHandler).poll(ctx, req)
			}),
		},
		{
			MethodName: "WaitForIndex",
			Handler: makeHandler(methodWait, func(srv any, ctx context.Context, req *waitRequest) (any, error) {
				return srv.(clientHandler).waitForIndex(ctx, req)
			}),
		},
		{
			MethodName: "State",
			Handler: makeHandler(methodState, func(srv any, ctx context.Context, req *stateRequest) (any, error) {
				return srv.(clientHandler).state(ctx, req)
			}),
		},
	},
	Metadata: "confraft/v1/client",
}

// The HandlerType interfaces keep RegisterService honest about what the
// concrete server must implement.

type replicationHandler interface {
	appendEntries(ctx context.Context, req *agent.AppendEntriesRequest) (*agent.AppendEntriesResponse, error)
}

type gossipHandler interface {
	exchange(ctx context.Context, ann *gossip.Announcement) (*gossip.Announcement, error)
}

type clientHandler interface {
	write(ctx context.Context, req *writeRequest) (*writeResponse, error)
	read(ctx context.Context, req *readRequest) (*readResponse, error)
	transact(ctx context.Context, req *transactRequest) (*transactResponse, error)
	inquire(ctx context.Context, req *inquireRequest) (*inquireResponse, error)
	poll(ctx context.Context, req *pollRequest) (*agent.PollResult, error)
	waitForIndex(ctx context.Context, req *waitRequest) (*waitResponse, error)
	state(ctx context.Context, req *stateRequest) (*agent.AdminState, error)
}
