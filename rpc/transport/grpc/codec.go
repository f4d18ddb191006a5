package grpc

import (
	"context"
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc"
)

const (
	serviceName = "dnomad.Transport"
	methodName  = "Send"
	fullMethod  = "/" + serviceName + "/" + methodName

	codecName    = "dnomad-frame"
	maxFrameSize = 64 << 20 // 64 MB
)

// frame is the request and response message of the Send method. The
// payload is already serialized by the RPC layer, so no protobuf is involved.
type frame struct {
	shardId uint64
	data    []byte
}

// frameCodec encodes frames as 8 byte shard id followed by the payload
type frameCodec struct{}

func (frameCodec) Name() string {
	return codecName
}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
	}
	buf := make([]byte, 8+len(f.data))
	binary.BigEndian.PutUint64(buf, f.shardId)
	copy(buf[8:], f.data)
	return buf, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
	}
	if len(data) < 8 {
		return fmt.Errorf("frame codec: frame too short (%d bytes)", len(data))
	}
	f.shardId = binary.BigEndian.Uint64(data)
	// grpc may reuse data after Unmarshal returns
	f.data = append([]byte(nil), data[8:]...)
	return nil
}

// --------------------------------------------------------------------------
// Service Description
// --------------------------------------------------------------------------

// frameHandler is implemented by the server transport
type frameHandler interface {
	handleFrame(req *frame) *frame
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(frame)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(frameHandler).handleFrame(req), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(frameHandler).handleFrame(req.(*frame)), nil
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc describes the single unary method of the transport
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*frameHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodName, Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dnomad/transport",
}
