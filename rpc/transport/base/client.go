package base

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/ValentinKolb/dNomad/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// ErrTransportClosed is returned by Send after Close
var ErrTransportClosed = errors.New("transport closed")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// liveConn is one established connection and the requests waiting on it
type liveConn struct {
	net.Conn
	pending *xsync.MapOf[uint64, chan responseResult]
}

// deliver hands a result to a waiting request without blocking
func deliver(ch chan responseResult, r responseResult) {
	select {
	case ch <- r:
	default:
	}
}

// clientConnection is one connection slot. The connection is dialed lazily
// and redialed after it broke.
type clientConnection struct {
	endpoint string
	parent   *clientTransport

	mu   sync.Mutex // Protects conn and serializes writes
	conn *liveConn
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex uint64 // Atomic counter for Round Robin
	nextRequestID uint64 // Atomic counter for unique request IDs
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

// Connect prepares the connection slots and dials them once. An endpoint
// that is down is not an error here, Send dials again.
func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()
	t.config = config
	t.stopping.Store(false)

	connectionsPerEP := max(config.Transport.ConnectionsPerEndpoint, 1)

	connections := make([]*clientConnection, 0, len(config.Transport.Endpoints)*connectionsPerEP)
	for _, endpoint := range config.Transport.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			c := &clientConnection{endpoint: endpoint, parent: t}
			connections = append(connections, c)

			ctx, cancel := context.WithTimeout(context.Background(), t.timeout())
			if _, err := c.get(ctx); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
			} else {
				Logger.Debugf("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)
			}
			cancel()
		}
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()
	return nil
}

func (t *clientTransport) Send(ctx context.Context, shardId uint64, req []byte) ([]byte, error) {
	if t.stopping.Load() {
		return nil, ErrTransportClosed
	}

	// We always try at least once. Only requests that never reached the
	// connection are retried, a mutative message must not be sent twice.
	maxRetries := max(t.config.Transport.RetryCount, 1)
	backoff := 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return nil, fmt.Errorf("no connections configured")
		}

		requestID := atomic.AddUint64(&t.nextRequestID, 1)
		data, written, err := conn.send(ctx, shardId, requestID, req)
		if err == nil {
			return data, nil
		}
		if written || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d to %s failed: %v", i+1, maxRetries, conn.endpoint, err)

		if i+1 < maxRetries {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := time.Duration(float64(backoff) * (0.9 + 0.2*rand.Float64()))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}

	// All attempts failed
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", maxRetries, lastErr)
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *clientTransport) timeout() time.Duration {
	if t.config.TimeoutSecond > 0 {
		return time.Duration(t.config.TimeoutSecond) * time.Second
	}
	return 10 * time.Second
}

// getNextConnection selects the next connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	if len(t.connections) == 0 {
		return nil
	}
	if len(t.connections) == 1 {
		return t.connections[0]
	}
	index := atomic.AddUint64(&t.nextConnIndex, 1) % uint64(len(t.connections))
	return t.connections[index]
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, c := range connections {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.drop(conn, ErrTransportClosed)
		}
	}
}

// get returns the established connection or dials a new one
func (c *clientConnection) get(ctx context.Context) (*liveConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(ctx)
}

func (c *clientConnection) getLocked(ctx context.Context) (*liveConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.parent.connector.Connect(ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	c.conn = &liveConn{Conn: conn, pending: xsync.NewMapOf[uint64, chan responseResult]()}
	go c.readResponses(c.conn)
	return c.conn, nil
}

// send writes one request and waits for its response. written reports
// whether the request may have reached the server.
func (c *clientConnection) send(ctx context.Context, shardID, requestID uint64, req []byte) (data []byte, written bool, err error) {
	respCh := make(chan responseResult, 1)

	c.mu.Lock()
	conn, err := c.getLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, false, err
	}

	conn.pending.Store(requestID, respCh)
	defer conn.pending.Delete(requestID)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.parent.timeout())
	}
	_ = conn.SetWriteDeadline(deadline)
	err = writeFrame(conn, shardID, requestID, req)
	c.mu.Unlock()

	if err != nil {
		c.drop(conn, err)
		return nil, false, err
	}

	select {
	case result := <-respCh:
		return result.data, true, result.err
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
}

// readResponses reads responses in a loop and distributes them to waiting requests
func (c *clientConnection) readResponses(conn *liveConn) {
	for {
		shardID, requestID, data, err := readFrame(conn, nil)
		if err != nil {
			c.drop(conn, err)
			return
		}

		if respCh, found := conn.pending.Load(requestID); found {
			deliver(respCh, responseResult{data: data})
		} else {
			// The request gave up already
			Logger.Debugf("Received response for unknown request ID %d with shard ID %d", requestID, shardID)
		}
	}
}

// drop closes conn and fails every request waiting on it. The next send dials again.
func (c *clientConnection) drop(conn *liveConn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if err := conn.Close(); err == nil && !c.parent.stopping.Load() {
		Logger.Warningf("Connection to %s lost: %v", c.endpoint, cause)
	}

	conn.pending.Range(func(_ uint64, ch chan responseResult) bool {
		deliver(ch, responseResult{err: fmt.Errorf("connection to %s lost: %w", c.endpoint, cause)})
		return true
	})
}
