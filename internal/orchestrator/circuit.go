package orchestrator

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitConfig disables the breaker when FailureThreshold is zero.
type CircuitConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

func (c CircuitConfig) Enabled() bool {
	return c.FailureThreshold > 0
}

// breaker tracks consecutive infrastructure failures of one script. After
// FailureThreshold of them it opens and rejects launches until OpenTimeout
// has passed; then a single probe conversation decides whether it closes.
type breaker struct {
	config   CircuitConfig
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
	mu       sync.Mutex
}

func newBreaker(config CircuitConfig, now func() time.Time) *breaker {
	return &breaker{config: config, state: CircuitClosed, now: now}
}

// allow must be followed by exactly one record call when it returns true.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.config.OpenTimeout {
			return false
		}
		b.state = CircuitHalfOpen
		b.probing = false
		fallthrough
	case CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed {
		b.state = CircuitClosed
		b.failures = 0
		b.probing = false
		return
	}

	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.trip()
		}
	case CircuitHalfOpen:
		b.trip()
	}
}

func (b *breaker) trip() {
	b.state = CircuitOpen
	b.openedAt = b.now()
	b.probing = false
}

type CircuitStats struct {
	Script   string       `json:"script"`
	State    CircuitState `json:"state"`
	Failures int          `json:"failures"`
	OpenedAt time.Time    `json:"opened_at,omitzero"`
}

func (b *breaker) stats(script string) CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitStats{Script: script, State: b.state, Failures: b.failures, OpenedAt: b.openedAt}
}

// breakers holds one breaker per script name, created on first use.
type breakers struct {
	config CircuitConfig
	now    func() time.Time
	mu     sync.Mutex
	byName map[string]*breaker
}

func newBreakers(config CircuitConfig) *breakers {
	return &breakers{config: config, now: time.Now, byName: make(map[string]*breaker)}
}

func (bs *breakers) get(script string) *breaker {
	if !bs.config.Enabled() {
		return nil
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byName[script]
	if !ok {
		b = newBreaker(bs.config, bs.now)
		bs.byName[script] = b
	}
	return b
}

func (bs *breakers) reset(script string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.byName, script)
}

func (bs *breakers) stats() []CircuitStats {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make([]CircuitStats, 0, len(bs.byName))
	for name, b := range bs.byName {
		out = append(out, b.stats(name))
	}
	return out
}
