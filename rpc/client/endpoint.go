package client

import (
	"context"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	nomadclient "github.com/ValentinKolb/dNomad/lib/nomad/client"
	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/ValentinKolb/dNomad/rpc/serializer"
	"github.com/ValentinKolb/dNomad/rpc/transport"
)

// NewRPCEndpoint creates a new RPC INomadEndpoint
// The function takes the address used in results, a shard ID, a config, a transport and a serializer as parameters.
// The transport is connected to config.Transport.Endpoints, which should all
// reach the same nomad server. The endpoint owns the transport and closes it on Close.
func NewRPCEndpoint(
	address string,
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (nomadclient.INomadEndpoint, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	// Return the RPC endpoint
	return &rpcEndpoint{
		rpcClientAdapter: rpcClientAdapter{
			shardId:    shardId,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
		address: address,
	}, nil
}

type rpcEndpoint struct {
	rpcClientAdapter
	address string
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the client package in lib/nomad/client)
// --------------------------------------------------------------------------

func (e *rpcEndpoint) Address() string {
	return e.address
}

func (e *rpcEndpoint) Discover(ctx context.Context) (*nomad.DiscoverResponse, error) {
	resp, err := invokeRPCRequest(ctx, e.shardId, common.NewDiscoverRequest(), e.transport, e.serializer)
	if err != nil {
		return nil, err
	}
	var discovery nomad.DiscoverResponse
	if err := resp.Decode(&discovery); err != nil {
		return nil, err
	}
	return &discovery, nil
}

func (e *rpcEndpoint) Prepare(ctx context.Context, msg nomad.PrepareMessage) (nomad.AcceptRejectResponse, error) {
	return e.mutate(ctx, common.NewPrepareRequest(msg))
}

func (e *rpcEndpoint) Commit(ctx context.Context, msg nomad.CommitMessage) (nomad.AcceptRejectResponse, error) {
	return e.mutate(ctx, common.NewCommitRequest(msg))
}

func (e *rpcEndpoint) Rollback(ctx context.Context, msg nomad.RollbackMessage) (nomad.AcceptRejectResponse, error) {
	return e.mutate(ctx, common.NewRollbackRequest(msg))
}

func (e *rpcEndpoint) Takeover(ctx context.Context, msg nomad.TakeoverMessage) (nomad.AcceptRejectResponse, error) {
	return e.mutate(ctx, common.NewTakeoverRequest(msg))
}

func (e *rpcEndpoint) Reset(ctx context.Context) error {
	_, err := invokeRPCRequest(ctx, e.shardId, common.NewResetRequest(), e.transport, e.serializer)
	return err
}

func (e *rpcEndpoint) Close() error {
	return e.transport.Close()
}

// mutate sends a mutative request and decodes the accept / reject answer
func (e *rpcEndpoint) mutate(ctx context.Context, req *common.Message) (nomad.AcceptRejectResponse, error) {
	resp, err := invokeRPCRequest(ctx, e.shardId, req, e.transport, e.serializer)
	if err != nil {
		return nomad.AcceptRejectResponse{}, err
	}
	var result nomad.AcceptRejectResponse
	if err := resp.Decode(&result); err != nil {
		return nomad.AcceptRejectResponse{}, err
	}
	return result, nil
}
