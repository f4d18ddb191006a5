package base

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dNomad/rpc/common"
)

// --------------------------------------------------------------------------
// Test Connectors (tcp on loopback)
// --------------------------------------------------------------------------

type testServerConnector struct {
	addr chan string
}

func (c *testServerConnector) GetName() string { return "test" }

func (c *testServerConnector) Listen(common.ServerConfig) (net.Listener, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	c.addr <- l.Addr().String()
	return l, nil
}

type testClientConnector struct{}

func (c *testClientConnector) GetName() string { return "test" }

func (c *testClientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}

func (c *testClientConnector) UpgradeConnection(net.Conn, common.ClientConfig) error { return nil }

// startServer runs a server transport with handler and returns its address
func startServer(t *testing.T, handler func(shardId uint64, req []byte) []byte) string {
	t.Helper()
	connector := &testServerConnector{addr: make(chan string, 1)}
	server := NewBaseServerTransport(connector, 1024)
	server.RegisterHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Listen(ctx, common.ServerConfig{TimeoutSecond: 5})
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Listen returned %v", err)
		}
	})

	select {
	case addr := <-connector.addr:
		return addr
	case err := <-done:
		t.Fatalf("Listen failed: %v", err)
		return ""
	}
}

func connectClient(t *testing.T, addr string, connections int) *clientTransport {
	t.Helper()
	client := NewBaseClientTransport(&testClientConnector{}).(*clientTransport)
	err := client.Connect(common.ClientConfig{
		TimeoutSecond: 5,
		Transport:     common.ClientTransportConfig{Endpoints: []string{addr}, ConnectionsPerEndpoint: connections},
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// --------------------------------------------------------------------------
// Framing
// --------------------------------------------------------------------------

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		shardID   uint64
		requestID uint64
		data      []byte
	}{
		{"empty", 1, 1, []byte{}},
		{"small", 7, 42, []byte("discover")},
		{"larger than buffer", 1 << 40, 3, bytes.Repeat([]byte{0xab}, 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			go func() {
				_ = writeFrame(client, tt.shardID, tt.requestID, tt.data)
			}()

			shardID, requestID, data, err := readFrame(server, make([]byte, 64))
			if err != nil {
				t.Fatalf("readFrame failed: %v", err)
			}
			if shardID != tt.shardID || requestID != tt.requestID {
				t.Errorf("header mismatch: got shard %d request %d", shardID, requestID)
			}
			if !bytes.Equal(data, tt.data) {
				t.Errorf("data mismatch: got %d bytes, expected %d", len(data), len(tt.data))
			}
		})
	}
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[16:20], maxFrameSize+1)

	if _, _, _, err := readFrame(bytes.NewReader(header), nil); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestReadFrameTruncated(t *testing.T) {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[16:20], 10)

	_, _, _, err := readFrame(bytes.NewReader(append(header, 'a', 'b')), nil)
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

// --------------------------------------------------------------------------
// Client / Server
// --------------------------------------------------------------------------

func TestSendConcurrent(t *testing.T) {
	addr := startServer(t, func(shardId uint64, req []byte) []byte {
		return []byte(fmt.Sprintf("%d:%s", shardId, req))
	})
	client := connectClient(t, addr, 2)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := fmt.Sprintf("request-%d", i)
			resp, err := client.Send(context.Background(), uint64(i%3), []byte(req))
			if err != nil {
				t.Errorf("Send failed: %v", err)
				return
			}
			if want := fmt.Sprintf("%d:%s", i%3, req); string(resp) != want {
				t.Errorf("got %q, expected %q", resp, want)
			}
		}()
	}
	wg.Wait()
}

func TestSendHonorsContext(t *testing.T) {
	release := make(chan struct{})
	addr := startServer(t, func(uint64, []byte) []byte {
		<-release
		return []byte("late")
	})
	defer close(release)
	client := connectClient(t, addr, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Send(ctx, 1, []byte("slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSendUnreachable(t *testing.T) {
	// Reserve a port and close it again
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	client := connectClient(t, addr, 1)
	client.config.Transport.RetryCount = 2

	if _, err := client.Send(context.Background(), 1, []byte("hello")); err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
}

func TestSendAfterClose(t *testing.T) {
	addr := startServer(t, func(_ uint64, req []byte) []byte { return req })
	client := connectClient(t, addr, 1)

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Send(context.Background(), 1, []byte("hello")); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}
