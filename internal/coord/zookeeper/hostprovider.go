package zookeeper

import (
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// spinProvider wraps a zk.HostProvider with a delay between full passes over
// the ensemble and a budget of failed passes.
type spinProvider struct {
	inner       zk.HostProvider
	delay       time.Duration
	retries     int
	quit        <-chan struct{}
	onExhausted func()

	mu     sync.Mutex
	passes int
}

func (p *spinProvider) Init(servers []string) error {
	return p.inner.Init(servers)
}

func (p *spinProvider) Len() int {
	return p.inner.Len()
}

// Next returns the next server. After every failed pass it waits for the
// spin delay; after Retries failed passes it reports exhaustion and starts
// counting again.
func (p *spinProvider) Next() (string, bool) {
	server, retryStart := p.inner.Next()
	if !retryStart {
		return server, false
	}

	p.mu.Lock()
	p.passes++
	exhausted := p.retries > 0 && p.passes >= p.retries
	if exhausted {
		p.passes = 0
	}
	p.mu.Unlock()

	if exhausted && p.onExhausted != nil {
		p.onExhausted()
	}

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		select {
		case <-timer.C:
		case <-p.quit:
			timer.Stop()
		}
	}
	return server, true
}

func (p *spinProvider) Connected() {
	p.mu.Lock()
	p.passes = 0
	p.mu.Unlock()
	p.inner.Connected()
}
