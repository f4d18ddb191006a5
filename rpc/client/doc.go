// Package client implements the RPC client of dNomad. It provides an
// implementation of the client.INomadEndpoint interface of lib/nomad/client
// that talks to a remote nomad server via RPC.
//
// The package focuses on:
//   - Transparent RPC access to a remote nomad server
//   - Integration with the transport and serialization layers
//   - Conversion of remote errors into local errors
//
// Key Components:
//
//   - NewRPCEndpoint: Factory function that creates an endpoint for one nomad
//     server, addressed by its RPC endpoints and shard ID. A nomad client is
//     built from one endpoint per server of the cluster.
//
// Usage Example:
//
//	// Configure the client
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport: common.ClientTransportConfig{
//	    Endpoints:              []string{"node-1:5000"},
//	    RetryCount:             3,
//	    ConnectionsPerEndpoint: 1,
//	  },
//	}
//
//	// Create the endpoint
//	endpoint, _ := client.NewRPCEndpoint("node-1", 1, config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//
//	// Use it as one server of a nomad client
//	c, _ := nomadclient.NewNomadClient([]nomadclient.INomadEndpoint{endpoint, ...}, nomadclient.DefaultOptions())
//	c.TryApplyChange(ctx, change, results)
//
// Mutative requests are never sent twice by the transports. A request that
// was written but not answered fails, and the nomad client treats the server
// as failed for that phase.
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
