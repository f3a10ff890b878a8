package handler

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultChatRPS   = 1
	defaultChatBurst = 5

	limiterIdleTTL = 10 * time.Minute
	limiterMaxKeys = 10000
)

// limiterPool holds one token bucket per client. Buckets idle for longer than
// the TTL are dropped, and the least recently used one is evicted when the
// pool is full.
type limiterPool struct {
	mu      sync.Mutex
	m       map[string]*list.Element
	order   *list.List // least recently used at front
	rps     float64
	burst   int
	ttl     time.Duration
	maxKeys int
	now     func() time.Time
}

type limiterEntry struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = defaultChatRPS
	}
	if burst <= 0 {
		burst = defaultChatBurst
	}
	return &limiterPool{
		m:       make(map[string]*list.Element),
		order:   list.New(),
		rps:     rps,
		burst:   burst,
		ttl:     limiterIdleTTL,
		maxKeys: limiterMaxKeys,
		now:     time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.pruneLocked(now)

	if el, ok := p.m[key]; ok {
		e := el.Value.(*limiterEntry)
		e.lastSeen = now
		p.order.MoveToBack(el)
		return e.limiter
	}
	for len(p.m) >= p.maxKeys {
		p.evictLocked(p.order.Front())
	}
	e := &limiterEntry{key: key, limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst), lastSeen: now}
	p.m[key] = p.order.PushBack(e)
	return e.limiter
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

func (p *limiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *limiterPool) pruneLocked(now time.Time) {
	for el := p.order.Front(); el != nil; el = p.order.Front() {
		if now.Sub(el.Value.(*limiterEntry).lastSeen) < p.ttl {
			return
		}
		p.evictLocked(el)
	}
}

func (p *limiterPool) evictLocked(el *list.Element) {
	if el == nil {
		return
	}
	p.order.Remove(el)
	delete(p.m, el.Value.(*limiterEntry).key)
}
