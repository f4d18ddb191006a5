package grpc

import (
	"context"
	"fmt"
	"net"

	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/ValentinKolb/dNomad/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"google.golang.org/grpc"
)

var Logger = logger.GetLogger("transport/rpc")

func NewGRPCServerTransport() transport.IRPCServerTransport {
	return &grpcServerTransport{}
}

type grpcServerTransport struct {
	handler transport.ServerHandleFunc
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *grpcServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *grpcServerTransport) Listen(ctx context.Context, config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	listener, err := net.Listen("tcp", config.Transport.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.Transport.Endpoint, err)
	}

	server := grpc.NewServer(
		grpc.ForceServerCodec(frameCodec{}),
		grpc.MaxRecvMsgSize(maxFrameSize),
		grpc.MaxSendMsgSize(maxFrameSize),
	)
	server.RegisterService(&serviceDesc, t)

	stop := context.AfterFunc(ctx, server.GracefulStop)
	defer stop()

	Logger.Infof("Starting gRPC server on %s", config.Transport.Endpoint)
	// Serve returns nil once GracefulStop was called
	return server.Serve(listener)
}

func (t *grpcServerTransport) handleFrame(req *frame) *frame {
	return &frame{shardId: req.shardId, data: t.handler(req.shardId, req.data)}
}
