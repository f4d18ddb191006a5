package client

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
	"github.com/sourcegraph/conc/pool"
)

var Logger = logger.GetLogger("nomad")

const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxConcurrency = 16
)

// Options configure a NomadClient
type Options struct {
	// Host and User identify this client as mutator on the servers
	Host string
	User string
	// Timeout bounds every single RPC
	Timeout time.Duration
	// MaxConcurrency caps the number of RPCs in flight per phase
	MaxConcurrency int
	// Registry receives the phase timers, a new registry is used if nil
	Registry metrics.Registry
}

// DefaultOptions returns options with the local host name and user
func DefaultOptions() Options {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	userName := "unknown-user"
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}
	return Options{
		Host:           host,
		User:           userName,
		Timeout:        DefaultTimeout,
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// NomadClient runs nomad processes against a fixed set of endpoints. The
// client owns the endpoints and closes them on Close.
type NomadClient struct {
	endpoints []INomadEndpoint
	opts      Options
	registry  metrics.Registry

	mu     sync.Mutex
	closed bool
}

// NewNomadClient creates a client for endpoints. Endpoint addresses must be unique.
func NewNomadClient(endpoints []INomadEndpoint, opts Options) (*NomadClient, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints")
	}
	seen := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		if _, dup := seen[e.Address()]; dup {
			return nil, fmt.Errorf("duplicate endpoint %s", e.Address())
		}
		seen[e.Address()] = struct{}{}
	}

	if opts.Host == "" || opts.User == "" {
		return nil, fmt.Errorf("host and user are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	registry := opts.Registry
	if registry == nil {
		registry = metrics.NewRegistry()
	}

	return &NomadClient{
		endpoints: endpoints,
		opts:      opts,
		registry:  registry,
	}, nil
}

// Addresses returns the endpoint addresses in order
func (c *NomadClient) Addresses() []string {
	return addresses(c.endpoints)
}

// Metrics returns the registry holding the phase timers
func (c *NomadClient) Metrics() metrics.Registry {
	return c.registry
}

// Each process gets its own sender, the expected counts are only valid
// within one process
func (c *NomadClient) newSender() *messageSender {
	return newMessageSender(c.opts, c.registry)
}

// Discover runs a read-only discovery of all endpoints
func (c *NomadClient) Discover(ctx context.Context, results IResultsReceiver) *ConsistencyAnalyzer {
	p := &DiscoveryProcess{endpoints: c.endpoints, sender: c.newSender()}
	return p.Run(ctx, len(c.endpoints), results)
}

// TryApplyChange applies change to all endpoints with a two phase commit
func (c *NomadClient) TryApplyChange(ctx context.Context, change nomad.Change, results IResultsReceiver) Consistency {
	p := &ChangeProcess{endpoints: c.endpoints, sender: c.newSender(), newUUID: newChangeUUID}
	return p.Run(ctx, change, results)
}

// TryRecovery finishes an interrupted change. It refuses to act if fewer
// than expectedNodeCount endpoints respond.
func (c *NomadClient) TryRecovery(ctx context.Context, expectedNodeCount int, forcedState nomad.ChangeRequestState, results IResultsReceiver) (Consistency, error) {
	p := &RecoveryProcess{endpoints: c.endpoints, sender: c.newSender()}
	return p.Run(ctx, expectedNodeCount, forcedState, results)
}

// Reset clears the state of every endpoint. Administrative use only.
func (c *NomadClient) Reset(ctx context.Context) error {
	p := pool.New().WithErrors().WithMaxGoroutines(min(len(c.endpoints), c.opts.MaxConcurrency))
	for _, e := range c.endpoints {
		p.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
			if err := e.Reset(callCtx); err != nil {
				return fmt.Errorf("%s: %w", e.Address(), err)
			}
			Logger.Warningf("%s: nomad state reset", e.Address())
			return nil
		})
	}
	return p.Wait()
}

// Close closes all endpoints
func (c *NomadClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var result *multierror.Error
	for _, e := range c.endpoints {
		if err := e.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", e.Address(), err))
		}
	}
	return result.ErrorOrNil()
}
