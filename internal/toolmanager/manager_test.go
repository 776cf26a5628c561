package toolmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

type fakeDeployer struct {
	running *backend.Descriptor
	calls   int32
}

func (f *fakeDeployer) FindRunning(_ context.Context, _ string) (*backend.Descriptor, bool) {
	atomic.AddInt32(&f.calls, 1)
	if f.running == nil {
		return nil, false
	}
	return f.running, true
}

func (f *fakeDeployer) RunOneShot(_ context.Context, _ *manifest.Manifest, _ *config.Resolved) (*backend.Descriptor, func(context.Context), error) {
	return nil, nil, errUnused
}

var errUnused = plainErr("not exercised by this test")

type plainErr string

func (e plainErr) Error() string { return string(e) }

func testManifest(image string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:    "demo-server",
		Name:  "Demo Server",
		Image: image,
		Tools: []manifest.Tool{
			{Name: "search", Description: "static search tool", InputSchema: manifest.ToolInputSchema{
				Properties: map[string]any{"query": map[string]any{"type": "string"}},
				Required:   []string{"query"},
			}},
		},
		Transport: manifest.Transport{Default: manifest.TransportHTTP, Supported: []manifest.TransportKind{manifest.TransportHTTP}, Port: 8080},
	}
}

func TestListStaticReturnsManifestTools(t *testing.T) {
	mgr := New(&fakeDeployer{}, 0)
	result, err := mgr.List(context.Background(), testManifest("example.com/demo:latest"), nil, ModeStatic, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "search" {
		t.Fatalf("unexpected tools: %#v", result.Tools)
	}
	if result.Source != SourceStatic {
		t.Fatalf("Source = %v, want static", result.Source)
	}
}

func fakeMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		var method string
		_ = json.Unmarshal(req["method"], &method)
		var id int64
		_ = json.Unmarshal(req["id"], &id)

		switch method {
		case "initialize":
			writeRaw(w, id, `{"protocolVersion":"2024-11-05"}`)
		case "tools/list":
			writeRaw(w, id, `{"tools":[{"name":"dynamic-tool"}]}`)
		case "notifications/initialized":
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func writeRaw(w http.ResponseWriter, id int64, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":` + result + `}`))
}

func itoa(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func TestListDynamicCachesAndCoalescesConcurrentCalls(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	host := srv.URL[len("http://"):]
	deployer := &fakeDeployer{running: &backend.Descriptor{
		DeploymentID: "inst-1",
		Transport:    manifest.TransportHTTP,
		Endpoint:     host,
	}}
	mgr := New(deployer, time.Hour)
	m := testManifest("example.com/demo:latest")

	var wg sync.WaitGroup
	results := make([]*ListResult, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = mgr.List(context.Background(), m, &config.Resolved{}, ModeDynamic, false)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if len(results[i].Tools) != 1 || results[i].Tools[0].Name != "dynamic-tool" {
			t.Fatalf("call %d unexpected result: %#v", i, results[i])
		}
	}

	// A further call within the TTL is served from the cache: discovery
	// (which looks up the running deployment) does not run again.
	before := atomic.LoadInt32(&deployer.calls)
	if _, err := mgr.List(context.Background(), m, &config.Resolved{}, ModeDynamic, false); err != nil {
		t.Fatalf("cached call failed: %v", err)
	}
	if after := atomic.LoadInt32(&deployer.calls); after != before {
		t.Fatalf("FindRunning calls went from %d to %d, want a cache hit", before, after)
	}
}

func TestValidateArgumentsRequiresDeclaredKeys(t *testing.T) {
	tool := Tool{
		Name: "search",
		InputSchema: ToolInputSchema{
			Properties: map[string]ToolProperty{"query": {Type: "string"}, "limit": {Type: "integer"}},
			Required:   []string{"query"},
		},
	}

	if err := ValidateArguments(tool, map[string]any{"query": "hello"}); err != nil {
		t.Fatalf("expected valid arguments to pass, got: %v", err)
	}
	if err := ValidateArguments(tool, map[string]any{}); err == nil {
		t.Fatal("expected missing required argument to fail")
	}
	if err := ValidateArguments(tool, map[string]any{"query": 5}); err == nil {
		t.Fatal("expected a type mismatch to fail")
	}
	if err := ValidateArguments(tool, map[string]any{"query": "hi", "unknown": true}); err != nil {
		t.Fatalf("unknown extra keys must be tolerated, got: %v", err)
	}
}

func TestCacheKeyDiffersByConfigHash(t *testing.T) {
	m := testManifest("example.com/demo:latest")
	a := CacheKey(m, SourceDynamic, &config.Resolved{Values: map[string]any{"x": 1}})
	b := CacheKey(m, SourceDynamic, &config.Resolved{Values: map[string]any{"x": 2}})
	if a == b {
		t.Fatal("expected different config values to produce different cache keys")
	}
}
