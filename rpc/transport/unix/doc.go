// Package unix runs the framed base transport over a unix domain socket, for
// a client and servers on the same machine. The tests of the rpc packages use
// it because it needs no free port.
//
// The endpoint is a socket path. The server removes a stale socket file before
// it listens. The default server read buffer is 64 KB.
package unix
