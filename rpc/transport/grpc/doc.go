// Package grpc implements a gRPC-based transport layer for RPC communication
// in the nomad system. Requests are sent as a single unary method
// (/dnomad.Transport/Send) whose messages are encoded by a custom codec, so
// the serialized RPC message is carried as is and no protobuf definitions are
// needed.
//
// A frame is the 8 byte big endian shard ID followed by the payload. The
// server echoes the shard ID in the response.
//
// Usage Example:
//
//	// Server
//	s := server.NewRPCServer(config, grpc.NewGRPCServerTransport(), serializer.NewBinarySerializer())
//
//	// Client
//	t := grpc.NewGRPCClientTransport()
//	_ = t.Connect(common.ClientConfig{Transport: common.ClientTransportConfig{Endpoints: []string{"localhost:8080"}}})
//	resp, err := t.Send(ctx, 1, req)
//
// Connections use plain text HTTP/2. RetryCount is not used, grpc retries
// requests transparently as long as they were not sent.
package grpc
