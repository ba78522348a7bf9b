package replgrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/i-melnichenko/confraft/internal/agent"
	"github.com/i-melnichenko/confraft/internal/docstore"
	"github.com/i-melnichenko/confraft/internal/gossip"
)

var callOpts = []grpc.CallOption{grpc.CallContentSubtype(codecName)}

// PeerClient implements agent.PeerClient over a gRPC connection.
type PeerClient struct {
	conn *grpc.ClientConn
}

// DialPeer connects to a remote agent for replication traffic. The
// connection is established lazily on the first RPC call.
func DialPeer(target string, opts ...grpc.DialOption) (*PeerClient, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &PeerClient{conn: conn}, nil
}

// AppendEntries calls the remote replication RPC.
func (c *PeerClient) AppendEntries(ctx context.Context, req *agent.AppendEntriesRequest) (*agent.AppendEntriesResponse, error) {
	out := new(agent.AppendEntriesResponse)
	if err := c.conn.Invoke(ctx, methodAppendEntries, req, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Exchange sends this agent's pool announcement and returns the peer's. A
// PermissionDenied status means the peer belongs to a different pool.
func (c *PeerClient) Exchange(ctx context.Context, ann gossip.Announcement) (gossip.Announcement, error) {
	out := new(gossip.Announcement)
	if err := c.conn.Invoke(ctx, methodExchange, &ann, out, callOpts...); err != nil {
		return gossip.Announcement{}, err
	}
	return *out, nil
}

// Close closes the underlying connection.
func (c *PeerClient) Close() error {
	return c.conn.Close()
}

// Client talks to an agent's client service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects a client to an agent.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Write submits a batch of document operations.
func (c *Client) Write(ctx context.Context, txID string, ops []docstore.Operation) (agent.WriteResult, error) {
	out := new(writeResponse)
	if err := c.conn.Invoke(ctx, methodWrite, &writeRequest{TxID: txID, Ops: ops}, out, callOpts...); err != nil {
		return agent.WriteResult{}, err
	}
	return agent.WriteResult{
		Success:    out.Success,
		LeaderHint: out.LeaderHint,
		Results:    out.Results,
		Indices:    out.Indices,
	}, nil
}

// Read resolves paths against the committed store.
func (c *Client) Read(ctx context.Context, paths []string) (agent.ReadResult, error) {
	out := new(readResponse)
	if err := c.conn.Invoke(ctx, methodRead, &readRequest{Paths: paths}, out, callOpts...); err != nil {
		return agent.ReadResult{}, err
	}
	return agent.ReadResult{Success: out.Success, LeaderHint: out.LeaderHint, Results: out.Results}, nil
}

// Transact runs an interleaved read/write transaction. transient routes the
// steps to the non-replicated store.
func (c *Client) Transact(ctx context.Context, steps []agent.TransactOp, transient bool) (agent.TransactResult, error) {
	out := new(transactResponse)
	req := &transactRequest{Steps: steps, Transient: transient}
	if err := c.conn.Invoke(ctx, methodTransact, req, out, callOpts...); err != nil {
		return agent.TransactResult{}, err
	}
	return agent.TransactResult{
		Success:    out.Success,
		LeaderHint: out.LeaderHint,
		MaxIndex:   out.MaxIndex,
		Failed:     out.Failed,
		Results:    out.Results,
	}, nil
}

// Inquire resolves transaction ids to log indices.
func (c *Client) Inquire(ctx context.Context, txIDs []string) ([]uint64, error) {
	out := new(inquireResponse)
	if err := c.conn.Invoke(ctx, methodInquire, &inquireRequest{TxIDs: txIDs}, out, callOpts...); err != nil {
		return nil, err
	}
	return out.Indices, nil
}

// Poll long-polls the replication feed from threshold.
func (c *Client) Poll(ctx context.Context, threshold uint64, timeout time.Duration) (agent.PollResult, error) {
	out := new(agent.PollResult)
	req := &pollRequest{Threshold: threshold, Timeout: timeout}
	if err := c.conn.Invoke(ctx, methodPoll, req, out, callOpts...); err != nil {
		return agent.PollResult{}, err
	}
	return *out, nil
}

// WaitForIndex blocks until the commit index reaches index.
func (c *Client) WaitForIndex(ctx context.Context, index uint64, timeout time.Duration) (string, error) {
	out := new(waitResponse)
	req := &waitRequest{Index: index, Timeout: timeout}
	if err := c.conn.Invoke(ctx, methodWait, req, out, callOpts...); err != nil {
		return "", err
	}
	return out.Status, nil
}

// State fetches the agent's diagnostic view.
func (c *Client) State(ctx context.Context) (agent.AdminState, error) {
	out := new(agent.AdminState)
	if err := c.conn.Invoke(ctx, methodState, &stateRequest{}, out, callOpts...); err != nil {
		return agent.AdminState{}, err
	}
	return *out, nil
}
