package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// startServer runs the http server transport with handler until the test ends
func startServer(t *testing.T, logLevel string, handler func(shardId uint64, req []byte) []byte) string {
	t.Helper()
	addr := freeAddress(t)

	server := NewHttpServerTransport()
	server.RegisterHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Listen(ctx, common.ServerConfig{
			LogLevel:  logLevel,
			Transport: common.ServerTransportConfig{Endpoint: addr},
		})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Listen returned %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("Listen did not return after cancel")
		}
	})

	// wait until the server answers
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			_ = resp.Body.Close()
			return addr
		}
		select {
		case err := <-done:
			t.Fatalf("Listen failed: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("Server on %s did not come up: %v", addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func connectClient(t *testing.T, endpoints []string, retries int, dial func(ctx context.Context, network, addr string) (net.Conn, error)) *httpClientTransport {
	t.Helper()
	client := &httpClientTransport{dial: dial}
	err := client.Connect(common.ClientConfig{
		TimeoutSecond: 5,
		Transport:     common.ClientTransportConfig{Endpoints: endpoints, RetryCount: retries},
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// shardEcho answers with "<shard>:<request>" and fails unknown shards the
// way the rpc server does, inside the response
func shardEcho(shardId uint64, req []byte) []byte {
	if shardId > 3 {
		return []byte(fmt.Sprintf("error: shard %d not found", shardId))
	}
	return []byte(fmt.Sprintf("%d:%s", shardId, req))
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSendPerShard(t *testing.T) {
	for _, logLevel := range []string{"info", "debug"} {
		t.Run(logLevel, func(t *testing.T) {
			addr := startServer(t, logLevel, shardEcho)
			client := connectClient(t, []string{addr}, 1, nil)

			for shard := uint64(1); shard <= 3; shard++ {
				resp, err := client.Send(context.Background(), shard, []byte("ping"))
				if err != nil {
					t.Fatalf("Send to shard %d failed: %v", shard, err)
				}
				if want := fmt.Sprintf("%d:ping", shard); string(resp) != want {
					t.Errorf("shard %d: got %q, want %q", shard, resp, want)
				}
			}

			resp, err := client.Send(context.Background(), 42, []byte("ping"))
			if err != nil {
				t.Fatalf("Send to unknown shard failed on transport level: %v", err)
			}
			if !strings.Contains(string(resp), "shard 42 not found") {
				t.Errorf("Unexpected response for unknown shard: %q", resp)
			}
		})
	}
}

func TestSendConcurrent(t *testing.T) {
	addr := startServer(t, "info", shardEcho)
	client := connectClient(t, []string{addr}, 1, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := fmt.Sprintf("req-%d", i)
			resp, err := client.Send(context.Background(), 1, []byte(req))
			if err != nil {
				errs <- err
				return
			}
			if string(resp) != "1:"+req {
				errs <- fmt.Errorf("got %q for %q", resp, req)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestInvalidShardPath(t *testing.T) {
	addr := startServer(t, "info", shardEcho)

	resp, err := http.Post("http://"+addr+"/not-a-shard", "application/octet-stream", bytes.NewReader([]byte("ping")))
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	resp, err = http.Get("http://" + addr + "/1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET on a shard: got status %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shard not served", http.StatusNotFound)
	}))
	defer server.Close()

	client := connectClient(t, []string{server.URL}, 1, nil)
	_, err := client.Send(context.Background(), 7, []byte("ping"))
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Expected an http error with status 404, got %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.GetOrCreateCounter("http_transport_test_total").Inc()
	addr := startServer(t, "info", shardEcho)

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "http_transport_test_total") {
		t.Errorf("Unexpected metrics response %d: %q", resp.StatusCode, body)
	}
}

func TestUnreachableIsRetried(t *testing.T) {
	unreachable := freeAddress(t)

	var dials atomic.Int32
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}

	client := connectClient(t, []string{unreachable}, 3, dial)
	_, err := client.Send(context.Background(), 1, []byte("ping"))
	if err == nil {
		t.Fatal("Expected an error for an unreachable endpoint")
	}
	if !isDialError(err) {
		t.Errorf("Expected a dial error, got %v", err)
	}
	if got := dials.Load(); got != 3 {
		t.Errorf("got %d connection attempts, want 3", got)
	}
}

func TestRetryMovesToNextEndpoint(t *testing.T) {
	addr := startServer(t, "info", shardEcho)
	unreachable := freeAddress(t)
	client := connectClient(t, []string{unreachable, addr}, 2, nil)

	// every request succeeds, whichever endpoint round robin starts with
	for range 4 {
		resp, err := client.Send(context.Background(), 1, []byte("ping"))
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if string(resp) != "1:ping" {
			t.Errorf("got %q", resp)
		}
	}
}

func TestWrittenRequestIsNotResent(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		_, _ = io.ReadAll(r.Body)
		// drop the connection without an answer
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("Hijack failed: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer server.Close()

	client := connectClient(t, []string{server.URL}, 3, nil)
	_, err := client.Send(context.Background(), 1, []byte("prepare"))
	if err == nil {
		t.Fatal("Expected an error for a dropped connection")
	}
	if got := received.Load(); got != 1 {
		t.Errorf("server received the request %d times, want 1", got)
	}
}

func TestSendHonorsContext(t *testing.T) {
	release := make(chan struct{})
	addr := startServer(t, "info", func(shardId uint64, req []byte) []byte {
		<-release
		return req
	})
	// runs before the server shutdown registered by startServer
	t.Cleanup(func() { close(release) })

	client := connectClient(t, []string{addr}, 3, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Send(ctx, 1, []byte("ping"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send returned after %s", elapsed)
	}
}

func TestSendWithoutConnect(t *testing.T) {
	client := NewHttpClientTransport()
	if _, err := client.Send(context.Background(), 1, nil); err == nil {
		t.Error("Expected an error before Connect")
	}
	if err := client.Connect(common.ClientConfig{}); err == nil {
		t.Error("Expected an error without endpoints")
	}
}
