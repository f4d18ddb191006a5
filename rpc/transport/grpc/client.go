package grpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/ValentinKolb/dNomad/rpc/transport"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func NewGRPCClientTransport() transport.IRPCClientTransport {
	return &grpcClientTransport{}
}

type grpcClientTransport struct {
	conns   []*grpc.ClientConn
	counter uint32
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *grpcClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	connectionsPerEP := max(config.Transport.ConnectionsPerEndpoint, 1)
	for _, endpoint := range config.Transport.Endpoints {
		for range connectionsPerEP {
			// NewClient does not dial, connections are established on first use
			conn, err := grpc.NewClient(endpoint,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithDefaultCallOptions(
					grpc.ForceCodec(frameCodec{}),
					grpc.MaxCallRecvMsgSize(maxFrameSize),
					grpc.MaxCallSendMsgSize(maxFrameSize),
				),
			)
			if err != nil {
				_ = t.Close()
				return fmt.Errorf("failed to create client for %s: %w", endpoint, err)
			}
			t.conns = append(t.conns, conn)
		}
	}
	return nil
}

// Send invokes the Send method once. grpc itself only retries requests that
// never reached the server, so mutative requests are not duplicated.
func (t *grpcClientTransport) Send(ctx context.Context, shardId uint64, req []byte) ([]byte, error) {
	if len(t.conns) == 0 {
		return nil, fmt.Errorf("grpc transport not initialized")
	}

	conn := t.conns[atomic.AddUint32(&t.counter, 1)%uint32(len(t.conns))]

	resp := new(frame)
	if err := conn.Invoke(ctx, fullMethod, &frame{shardId: shardId, data: req}, resp); err != nil {
		return nil, err
	}
	if resp.shardId != shardId {
		return nil, fmt.Errorf("response for shard %d, expected %d", resp.shardId, shardId)
	}
	return resp.data, nil
}

func (t *grpcClientTransport) Close() error {
	var result *multierror.Error
	for _, conn := range t.conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.conns = nil
	return result.ErrorOrNil()
}
