// Package tcp runs the framed base transport over TCP. This is the default
// transport of the dnomad CLI.
//
// The client connector applies the TCP options of the client config
// (keep alive, no delay, linger). The server listens on Transport.Endpoint
// with a default read buffer of 512 KB, see NewTCPServerTransportWithBuffer
// to change it.
package tcp
