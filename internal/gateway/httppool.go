package gateway

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/errs"
)

// httpInstance is one backing server behind an http entry.
type httpInstance struct {
	endpoint  string
	healthy   atomic.Bool
	inFlight  atomic.Int64
}

// httpPool round-robins requests across a set of http instances, skipping
// unhealthy ones, and re-probes unhealthy instances on a background tick.
type httpPool struct {
	id              string
	instances       []*httpInstance
	policy          BalancePolicy
	healthCheckPath string
	client          *http.Client

	cursor atomic.Uint64

	stopCh chan struct{}
	once   sync.Once
}

func newHTTPPool(id string, endpoints []string, policy BalancePolicy, healthCheckPath string, interval time.Duration) *httpPool {
	if policy == "" {
		policy = BalanceRoundRobin
	}
	p := &httpPool{
		id:              id,
		policy:          policy,
		healthCheckPath: healthCheckPath,
		client:          &http.Client{Timeout: 30 * time.Second},
		stopCh:          make(chan struct{}),
	}
	for _, ep := range endpoints {
		inst := &httpInstance{endpoint: ep}
		inst.healthy.Store(true)
		p.instances = append(p.instances, inst)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go p.healthLoop(interval)
	return p
}

// next picks the instance to serve the next request per the balance
// policy. The rotation runs over the healthy subset only, so a marked-down
// instance does not consume round-robin slots and the survivors split the
// load evenly. Returns nil if none are healthy.
func (p *httpPool) next() *httpInstance {
	healthy := make([]*httpInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.healthy.Load() {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	if p.policy == BalanceRandom {
		return healthy[rand.Intn(len(healthy))]
	}
	return healthy[int(p.cursor.Add(1)-1)%len(healthy)]
}

// forward proxies req to the next healthy instance, rewriting the path to
// suffix, and returns the downstream response. A 5xx or transport error
// marks the instance unhealthy.
func (p *httpPool) forward(ctx context.Context, method, suffix string, body io.Reader, headers http.Header) (*http.Response, error) {
	inst := p.next()
	if inst == nil {
		return nil, errs.GatewayNoHealthyInstance(p.id)
	}

	inst.inFlight.Add(1)
	defer inst.inFlight.Add(-1)

	req, err := http.NewRequestWithContext(ctx, method, inst.endpoint+suffix, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		inst.healthy.Store(false)
		klog.Warningf("gateway: instance %s marked unhealthy: %v", inst.endpoint, err)
		return nil, errs.Backend("forward", err)
	}
	if resp.StatusCode >= 500 {
		inst.healthy.Store(false)
		klog.Warningf("gateway: instance %s marked unhealthy: status %d", inst.endpoint, resp.StatusCode)
	}
	return resp, nil
}

// nextEndpoint exposes the balancer's pick for callers that speak MCP to
// the instance themselves instead of proxying raw HTTP.
func (p *httpPool) nextEndpoint() (string, error) {
	inst := p.next()
	if inst == nil {
		return "", errs.GatewayNoHealthyInstance(p.id)
	}
	return inst.endpoint, nil
}

// counts reports healthy/total instance counts for the observability
// endpoints.
func (p *httpPool) counts() (healthy, total int) {
	for _, inst := range p.instances {
		total++
		if inst.healthy.Load() {
			healthy++
		}
	}
	return
}

func (p *httpPool) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeUnhealthy()
		}
	}
}

func (p *httpPool) probeUnhealthy() {
	path := p.healthCheckPath
	if path == "" {
		path = "/health"
	}
	for _, inst := range p.instances {
		if inst.healthy.Load() {
			continue
		}
		req, err := http.NewRequest(http.MethodGet, inst.endpoint+path, nil)
		if err != nil {
			continue
		}
		resp, err := p.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			inst.healthy.Store(true)
			klog.V(0).Infof("gateway: instance %s recovered", inst.endpoint)
		}
	}
}

func (p *httpPool) close() {
	p.once.Do(func() { close(p.stopCh) })
}
