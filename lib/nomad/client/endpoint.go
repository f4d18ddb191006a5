package client

import (
	"context"

	"github.com/ValentinKolb/dNomad/lib/nomad"
)

// INomadEndpoint is the client view of one nomad server. Every call is
// bounded by ctx; a call that exceeds its deadline counts as failed for
// that server only.
type INomadEndpoint interface {
	// Address identifies the server in results and logs
	Address() string
	Discover(ctx context.Context) (*nomad.DiscoverResponse, error)
	Prepare(ctx context.Context, msg nomad.PrepareMessage) (nomad.AcceptRejectResponse, error)
	Commit(ctx context.Context, msg nomad.CommitMessage) (nomad.AcceptRejectResponse, error)
	Rollback(ctx context.Context, msg nomad.RollbackMessage) (nomad.AcceptRejectResponse, error)
	Takeover(ctx context.Context, msg nomad.TakeoverMessage) (nomad.AcceptRejectResponse, error)
	Reset(ctx context.Context) error
	// Close releases the connection to the server, not the server itself
	Close() error
}

// localEndpoint calls an in-process server
type localEndpoint struct {
	address string
	server  nomad.INomadServer
}

// NewLocalEndpoint wraps an in-process server. Each call runs in its own
// goroutine so that the context deadline applies as it would for a remote
// server; a call that times out still completes on the server.
func NewLocalEndpoint(address string, server nomad.INomadServer) INomadEndpoint {
	return &localEndpoint{address: address, server: server}
}

func (e *localEndpoint) Address() string {
	return e.address
}

func (e *localEndpoint) Discover(ctx context.Context) (*nomad.DiscoverResponse, error) {
	return callWithContext(ctx, e.server.Discover)
}

func (e *localEndpoint) Prepare(ctx context.Context, msg nomad.PrepareMessage) (nomad.AcceptRejectResponse, error) {
	return callWithContext(ctx, func() (nomad.AcceptRejectResponse, error) { return e.server.Prepare(msg) })
}

func (e *localEndpoint) Commit(ctx context.Context, msg nomad.CommitMessage) (nomad.AcceptRejectResponse, error) {
	return callWithContext(ctx, func() (nomad.AcceptRejectResponse, error) { return e.server.Commit(msg) })
}

func (e *localEndpoint) Rollback(ctx context.Context, msg nomad.RollbackMessage) (nomad.AcceptRejectResponse, error) {
	return callWithContext(ctx, func() (nomad.AcceptRejectResponse, error) { return e.server.Rollback(msg) })
}

func (e *localEndpoint) Takeover(ctx context.Context, msg nomad.TakeoverMessage) (nomad.AcceptRejectResponse, error) {
	return callWithContext(ctx, func() (nomad.AcceptRejectResponse, error) { return e.server.Takeover(msg) })
}

func (e *localEndpoint) Reset(ctx context.Context) error {
	_, err := callWithContext(ctx, func() (struct{}, error) { return struct{}{}, e.server.Reset() })
	return err
}

func (e *localEndpoint) Close() error {
	return nil
}

// callWithContext runs fn and returns early with ctx.Err() once ctx is done
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
