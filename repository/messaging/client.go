package messaging

import (
	"context"
	"fmt"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/golang/protobuf/ptypes/empty"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type CommitClientConfig struct {
	PeerName   string
	ServerAddr string
}

// CommitClient is the coordinator's connection to one participant.
type CommitClient struct {
	PeerName   string
	serverAddr string
	rpcConn    *grpc.ClientConn
}

func NewCommitClient(config *CommitClientConfig) *CommitClient {
	return &CommitClient{
		PeerName:   config.PeerName,
		serverAddr: config.ServerAddr,
		rpcConn:    nil,
	}
}

func dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
}

// Connect prepares the connection. Dialing is lazy: an unreachable peer shows
// up as a failed call, not as a Connect error.
func (c *CommitClient) Connect() error {
	rpcConn, err := dial(c.serverAddr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.serverAddr, err)
	}

	c.rpcConn = rpcConn

	return nil
}

func (c *CommitClient) Addr() string {
	return c.serverAddr
}

func (c *CommitClient) Close() error {
	if c.rpcConn == nil {
		return nil
	}

	return c.rpcConn.Close()
}

func (c *CommitClient) call(ctx context.Context, method string, req *domain.Message) (*domain.Message, error) {
	if c.rpcConn == nil {
		return nil, fmt.Errorf("client for %s is not connected", c.PeerName)
	}

	resp := &domain.Message{}
	if err := c.rpcConn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *CommitClient) Prepare(ctx context.Context, req *domain.Message) (*domain.Message, error) {
	return c.call(ctx, methodPrepare, req)
}

func (c *CommitClient) Commit(ctx context.Context, req *domain.Message) (*domain.Message, error) {
	return c.call(ctx, methodCommit, req)
}

func (c *CommitClient) Abort(ctx context.Context, req *domain.Message) (*domain.Message, error) {
	return c.call(ctx, methodAbort, req)
}

func (c *CommitClient) QueryState(ctx context.Context, req *domain.Message) (*domain.Message, error) {
	return c.call(ctx, methodQueryState, req)
}

// CoordinatorClient is a participant's connection to the coordinator.
type CoordinatorClient struct {
	serverAddr string
	rpcConn    *grpc.ClientConn
}

func NewCoordinatorClient(serverAddr string) (*CoordinatorClient, error) {
	rpcConn, err := dial(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to coordinator %s: %w", serverAddr, err)
	}

	return &CoordinatorClient{serverAddr: serverAddr, rpcConn: rpcConn}, nil
}

func (c *CoordinatorClient) Register(ctx context.Context, req *domain.Registration) (*domain.RegisterReply, error) {
	resp := &domain.RegisterReply{}
	if err := c.rpcConn.Invoke(ctx, methodRegister, req, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *CoordinatorClient) History(ctx context.Context) (*domain.HistoryReply, error) {
	resp := &domain.HistoryReply{}
	if err := c.rpcConn.Invoke(ctx, methodHistory, &empty.Empty{}, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *CoordinatorClient) Close() error {
	return c.rpcConn.Close()
}
