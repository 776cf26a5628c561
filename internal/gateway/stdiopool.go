package gateway

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/mcpconn"
)

// acquireResult is delivered to a queued waiter once a session becomes
// available (or spawning one failed).
type acquireResult struct {
	session *mcpconn.Session
	err     error
}

// stdioPool is a fixed-size pool of mcpconn.Session workers backing a
// `stdio` gateway entry. Requests are served from an idle session; with no
// idle session and the pool at capacity, the request queues FIFO bounded by
// queueSize; overflow is rejected with GatewayQueueOverflow.
type stdioPool struct {
	id        string
	spawn     func(ctx context.Context) (*mcpconn.Session, error)
	size      int
	queueSize int

	mu          sync.Mutex
	idle        []*mcpconn.Session
	outstanding int
	waiters     []chan acquireResult
}

func newStdioPool(id string, size, queueSize int, spawn func(ctx context.Context) (*mcpconn.Session, error)) *stdioPool {
	return &stdioPool{id: id, spawn: spawn, size: size, queueSize: queueSize}
}

// prewarm spawns up to the pool's full complement of sessions ahead of
// demand. Failures are logged and tolerated: the lazy spawn path in
// acquire will retry on first use.
func (p *stdioPool) prewarm(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.outstanding >= p.size {
			p.mu.Unlock()
			return
		}
		p.outstanding++
		p.mu.Unlock()

		s, err := p.spawn(ctx)
		if err != nil {
			p.mu.Lock()
			p.outstanding--
			p.mu.Unlock()
			klog.Warningf("gateway: prewarm of stdio pool %s: %v", p.id, err)
			return
		}
		p.release(s, true)
	}
}

// acquire returns a ready session, blocking on the FIFO queue (bounded by
// queueSize) if the pool is fully busy, or returning GatewayQueueOverflow if
// the queue is also full. A pool of size 0 always overflows immediately.
func (p *stdioPool) acquire(ctx context.Context) (*mcpconn.Session, error) {
	if p.size <= 0 {
		return nil, errs.GatewayQueueOverflow(p.id)
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	if p.outstanding < p.size {
		p.outstanding++
		p.mu.Unlock()
		s, err := p.spawn(ctx)
		if err != nil {
			p.mu.Lock()
			p.outstanding--
			p.mu.Unlock()
			return nil, err
		}
		return s, nil
	}
	if len(p.waiters) >= p.queueSize {
		p.mu.Unlock()
		return nil, errs.GatewayQueueOverflow(p.id)
	}
	ch := make(chan acquireResult, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case res := <-ch:
		return res.session, res.err
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, errs.Canceled()
			}
		}
		p.mu.Unlock()
		// Already dequeued: a handoff is racing this cancellation. Take the
		// session and put it straight back so the slot isn't lost.
		if res := <-ch; res.session != nil {
			p.release(res.session, true)
		}
		return nil, errs.Canceled()
	}
}

// release returns s to the pool. If healthy is false (the session emitted a
// ProtocolError), s is discarded; a replacement is spawned only on the next
// demand, never proactively.
func (p *stdioPool) release(s *mcpconn.Session, healthy bool) {
	p.mu.Lock()
	if !healthy {
		s.Close()
		p.outstanding--
		if len(p.waiters) == 0 {
			p.mu.Unlock()
			return
		}
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.outstanding++
		p.mu.Unlock()
		ns, err := p.spawn(context.Background())
		if err != nil {
			p.mu.Lock()
			p.outstanding--
			p.mu.Unlock()
			ch <- acquireResult{err: err}
			return
		}
		ch <- acquireResult{session: ns}
		return
	}

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- acquireResult{session: s}
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// counts reports the stdio pool's observability numbers: outstanding
// sessions (spawned and alive, whether idle or in use) against the pool's
// configured size, plus the current FIFO queue depth.
func (p *stdioPool) counts() (healthy, total, queueDepth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding, p.size, len(p.waiters)
}

func (p *stdioPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.idle {
		s.Close()
	}
	p.idle = nil
	for _, ch := range p.waiters {
		ch <- acquireResult{err: errs.Canceled()}
	}
	p.waiters = nil
	klog.V(0).Infof("gateway: stdio pool %s closed", p.id)
}
