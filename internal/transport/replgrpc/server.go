package replgrpc

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/confraft/internal/agent"
	"github.com/i-melnichenko/confraft/internal/gossip"
)

// Handler is the subset of *agent.Agent required by the gRPC server.
// *agent.Agent satisfies this interface.
type Handler interface {
	HandleAppendEntries(ctx context.Context, req *agent.AppendEntriesRequest) (*agent.AppendEntriesResponse, error)
	Write(ctx context.Context, sub agent.Submission, mode agent.WriteMode) (agent.WriteResult, error)
	Read(ctx context.Context, paths []string) (agent.ReadResult, error)
	Transact(ctx context.Context, steps []agent.TransactOp) (agent.TransactResult, error)
	Transient(ctx context.Context, steps []agent.TransactOp) (agent.TransactResult, error)
	Inquire(ctx context.Context, txIDs []string) ([]uint64, error)
	Poll(ctx context.Context, threshold uint64, timeout time.Duration) (agent.PollResult, error)
	WaitForIndex(ctx context.Context, index uint64, timeout time.Duration) agent.WaitStatus
	State() agent.AdminState
}

// Server exposes the replication, client, and gossip services of one agent.
type Server struct {
	handler Handler
	pool    *gossip.Pool
	tracer  oteltrace.Tracer
}

// NewServer creates the gRPC adapter for the provided handler. The pool
// answers gossip exchanges and resolves leader hints to addresses.
func NewServer(handler Handler, pool *gossip.Pool, tracer oteltrace.Tracer) *Server {
	return &Server{handler: handler, pool: pool, tracer: tracer}
}

// Register attaches all services to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&replicationServiceDesc, s)
	g.RegisterService(&clientServiceDesc, s)
	g.RegisterService(&gossipServiceDesc, s)
}

func (s *Server) exchange(ctx context.Context, ann *gossip.Announcement) (*gossip.Announcement, error) {
	_, span := s.tracer.Start(ctx, "replgrpc.server.Exchange", oteltrace.WithAttributes(
		attribute.String("gossip.from", ann.From.ID),
		attribute.Int("gossip.members_count", len(ann.Members)),
	))
	defer span.End()

	back, err := s.pool.Merge(*ann, time.Now())
	if err != nil {
		recordSpanError(span, err)
		if errors.Is(err, gossip.ErrPoolMismatch) {
			return nil, status.Error(codes.PermissionDenied, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &back, nil
}

// redirect turns a leader hint into "id=addr" when the pool knows the
// leader's address, so clients can re-dial without a membership lookup. An
// unknown leader keeps the bare id.
func (s *Server) redirect(hint string) string {
	if hint == "" {
		return hint
	}
	if addr, ok := s.pool.Lookup(hint); ok {
		return hint + "=" + addr
	}
	return hint
}

func (s *Server) appendEntries(ctx context.Context, req *agent.AppendEntriesRequest) (*agent.AppendEntriesResponse, error) {
	ctx, span := s.tracer.Start(ctx, "replgrpc.server.AppendEntries", oteltrace.WithAttributes(
		attribute.String("agent.leader", req.LeaderID),
		attribute.Int("agent.entries_count", len(req.Entries)),
	))
	defer span.End()

	resp, err := s.handler.HandleAppendEntries(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, toGRPCStatus(err)
	}
	span.SetAttributes(
		attribute.Int64("agent.response_term", int64(resp.Term)),
		attribute.Bool("agent.append.success", resp.Success),
	)
	return resp, nil
}

func (s *Server) write(ctx context.Context, req *writeRequest) (*writeResponse, error) {
	res, err := s.handler.Write(ctx, agent.Submission{TxID: req.TxID, Ops: req.Ops}, agent.ModeNormal)
	if err != nil && !inBand(err) {
		return nil, toGRPCStatus(err)
	}
	return &writeResponse{
		Success:    res.Success,
		LeaderHint: s.redirect(res.LeaderHint),
		Results:    res.Results,
		Indices:    res.Indices,
	}, nil
}

func (s *Server) read(ctx context.Context, req *readRequest) (*readResponse, error) {
	res, err := s.handler.Read(ctx, req.Paths)
	if err != nil && !inBand(err) {
		return nil, toGRPCStatus(err)
	}
	return &readResponse{Success: res.Success, LeaderHint: s.redirect(res.LeaderHint), Results: res.Results}, nil
}

func (s *Server) transact(ctx context.Context, req *transactRequest) (*transactResponse, error) {
	var (
		res agent.TransactResult
		err error
	)
	if req.Transient {
		res, err = s.handler.Transient(ctx, req.Steps)
	} else {
		res, err = s.handler.Transact(ctx, req.Steps)
	}
	if err != nil && !inBand(err) {
		return nil, toGRPCStatus(err)
	}
	return &transactResponse{
		Success:    res.Success,
		LeaderHint: s.redirect(res.LeaderHint),
		MaxIndex:   res.MaxIndex,
		Failed:     res.Failed,
		Results:    res.Results,
	}, nil
}

func (s *Server) inquire(ctx context.Context, req *inquireRequest) (*inquireResponse, error) {
	indices, err := s.handler.Inquire(ctx, req.TxIDs)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &inquireResponse{Indices: indices}, nil
}

func (s *Server) poll(ctx context.Context, req *pollRequest) (*agent.PollResult, error) {
	res, err := s.handler.Poll(ctx, req.Threshold, req.Timeout)
	if err != nil && !inBand(err) {
		return nil, toGRPCStatus(err)
	}
	res.LeaderHint = s.redirect(res.LeaderHint)
	return &res, nil
}

func (s *Server) waitForIndex(ctx context.Context, req *waitRequest) (*waitResponse, error) {
	st := s.handler.WaitForIndex(ctx, req.Index, req.Timeout)
	return &waitResponse{Status: st.String()}, nil
}

func (s *Server) state(_ context.Context, _ *stateRequest) (*agent.AdminState, error) {
	st := s.handler.State()
	return &st, nil
}

// inBand reports whether an agent error is answered through the response
// body (leader redirects) rather than a gRPC status, so the leader hint
// reaches the client.
func inBand(err error) bool {
	return errors.Is(err, agent.ErrNotLeader)
}

func toGRPCStatus(err error) error {
	switch {
	case errors.Is(err, agent.ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, agent.ErrNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, agent.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, agent.ErrUnknown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func recordSpanError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
}
