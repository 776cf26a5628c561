package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/mcpconn"
)

// TestHelperProcess is re-exec'd as a subprocess by the worker-crash test
// below to act as a stdio MCP server; with GATEWAY_HELPER_MODE=crash it
// exits mid-request on the first tools/list.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GATEWAY_HELPER_PROCESS") != "1" {
		return
	}
	type rpcReq struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req rpcReq
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			fmt.Printf(`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05"}}`+"\n", req.ID)
		case "tools/list":
			if os.Getenv("GATEWAY_HELPER_MODE") == "crash" {
				os.Exit(1)
			}
			fmt.Printf(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[{"name":"ping"}]}}`+"\n", req.ID)
		}
	}
	os.Exit(0)
}

// fakeMCPServer answers the minimum JSON-RPC surface a session needs so
// tests can mint real mcpconn.Sessions without subprocesses.
func fakeMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "initialize":
			writeRPC(w, req.ID, `{"protocolVersion":"2024-11-05"}`)
		case "tools/list":
			writeRPC(w, req.ID, `{"tools":[{"name":"say_hello","inputSchema":{"properties":{"name":{"type":"string"}},"required":[]}}]}`)
		case "tools/call":
			writeRPC(w, req.ID, `{"content":[{"type":"text","text":"hello, World"}]}`)
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		}
	}))
}

func writeRPC(w http.ResponseWriter, id int64, result string) {
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(id)
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(data) + `,"result":` + result + `}`))
}

func sessionSpawner(t *testing.T, srv *httptest.Server, spawns *atomic.Int64) func(context.Context) (*mcpconn.Session, error) {
	t.Helper()
	return func(ctx context.Context) (*mcpconn.Session, error) {
		if spawns != nil {
			spawns.Add(1)
		}
		return mcpconn.OpenHTTP(ctx, srv.URL, nil)
	}
}

func TestStdioPoolSizeZeroAlwaysOverflows(t *testing.T) {
	pool := newStdioPool("test", 0, 32, func(ctx context.Context) (*mcpconn.Session, error) {
		t.Fatal("a zero-size pool must never spawn")
		return nil, nil
	})
	defer pool.close()

	_, err := pool.acquire(context.Background())
	if err == nil {
		t.Fatal("expected overflow")
	}
	e, ok := errs.As(err)
	if !ok || e.Code != "gateway_queue_overflow" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStdioPoolQueueOverflow(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	pool := newStdioPool("test", 1, 0, sessionSpawner(t, srv, nil))
	defer pool.close()

	s, err := pool.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.release(s, true)

	// Pool busy, queue size 0: the second acquire rejects immediately.
	if _, err := pool.acquire(context.Background()); err == nil {
		t.Fatal("expected queue overflow")
	}
}

func TestStdioPoolHandsSessionToWaiter(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	pool := newStdioPool("test", 1, 4, sessionSpawner(t, srv, nil))
	defer pool.close()

	s1, err := pool.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan *mcpconn.Session, 1)
	go func() {
		s, err := pool.acquire(context.Background())
		if err != nil {
			t.Errorf("queued acquire: %v", err)
			close(got)
			return
		}
		got <- s
	}()

	// Give the waiter time to enqueue, then release.
	time.Sleep(50 * time.Millisecond)
	pool.release(s1, true)

	select {
	case s2 := <-got:
		if s2 != s1 {
			t.Fatal("waiter should receive the released session")
		}
		pool.release(s2, true)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received a session")
	}
}

func TestStdioPoolReplacesUnhealthySessionOnDemand(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	var spawns atomic.Int64
	pool := newStdioPool("test", 1, 4, sessionSpawner(t, srv, &spawns))
	defer pool.close()

	s1, err := pool.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.release(s1, false) // simulate ProtocolError: discard

	s2, err := pool.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	defer pool.release(s2, true)

	if s2 == s1 {
		t.Fatal("a discarded session must not be handed out again")
	}
	if spawns.Load() != 2 {
		t.Fatalf("spawns = %d, want 2 (replacement created on demand)", spawns.Load())
	}
}

func TestStdioPoolWorkerCrashMidRequest(t *testing.T) {
	// First spawn is a worker whose process dies mid-request; later spawns
	// behave. The pool must fail only the crashed worker's request with a
	// ProtocolError, leave the sibling untouched, and replace the dead
	// worker on the next demand.
	var spawns atomic.Int64
	spawn := func(ctx context.Context) (*mcpconn.Session, error) {
		n := spawns.Add(1)
		mode := "normal"
		if n == 1 {
			mode = "crash"
		}
		env := append(os.Environ(), "GATEWAY_HELPER_PROCESS=1", "GATEWAY_HELPER_MODE="+mode)
		return mcpconn.OpenStdio(ctx, []string{os.Args[0], "-test.run=TestHelperProcess"}, env)
	}

	pool := newStdioPool("test", 2, 4, spawn)
	defer pool.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	crashing, err := pool.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire crashing worker: %v", err)
	}
	healthyWorker, err := pool.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire healthy worker: %v", err)
	}

	_, err = crashing.ListTools(ctx)
	if err == nil {
		t.Fatal("expected the crashed worker's in-flight request to fail")
	}
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindProtocol {
		t.Fatalf("err = %v (%T), want Kind %v", err, err, errs.KindProtocol)
	}
	if crashing.Healthy() {
		t.Fatal("the crashed worker must report unhealthy")
	}

	// The sibling's request is unaffected.
	if _, err := healthyWorker.ListTools(ctx); err != nil {
		t.Fatalf("sibling worker's request failed: %v", err)
	}

	pool.release(crashing, crashing.Healthy())
	pool.release(healthyWorker, healthyWorker.Healthy())

	// Replacement is created only on the next demand: the idle sibling is
	// handed out first, then a fresh spawn fills the dead worker's slot.
	s, err := pool.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after crash: %v", err)
	}
	if s != healthyWorker {
		t.Fatal("the surviving idle worker should be handed out first")
	}
	s2, err := pool.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire replacement: %v", err)
	}
	if _, err := s2.ListTools(ctx); err != nil {
		t.Fatalf("replacement worker's request failed: %v", err)
	}
	if spawns.Load() != 3 {
		t.Fatalf("spawns = %d, want 3 (two initial + one replacement)", spawns.Load())
	}
	pool.release(s, s.Healthy())
	pool.release(s2, s2.Healthy())
}

func TestStdioPoolPrewarmFillsComplement(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	var spawns atomic.Int64
	pool := newStdioPool("test", 2, 4, sessionSpawner(t, srv, &spawns))
	defer pool.close()

	pool.prewarm(context.Background())

	if spawns.Load() != 2 {
		t.Fatalf("spawns = %d, want 2", spawns.Load())
	}
	healthy, total, _ := pool.counts()
	if healthy != 2 || total != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", healthy, total)
	}

	// Prewarmed sessions serve without a fresh spawn.
	s, err := pool.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.release(s, true)
	if spawns.Load() != 2 {
		t.Fatalf("acquire after prewarm spawned again (%d)", spawns.Load())
	}
}

func TestStdioPoolAcquireCancellation(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	pool := newStdioPool("test", 1, 4, sessionSpawner(t, srv, nil))
	defer pool.close()

	s1, err := pool.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.release(s1, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.acquire(ctx); err == nil {
		t.Fatal("queued acquire must unblock with an error on cancellation")
	}
}
