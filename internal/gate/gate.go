// Package gate serialises conversations with tool processes.
//
// A Gate hands out a fixed number of permits. Callers that arrive while all
// permits are held wait in arrival order and are admitted first-in,
// first-out. With the default single permit every conversation in the
// process runs one after another; that is the throughput ceiling of the
// simplest deployment, raised by configuring more permits.
package gate

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

type Gate struct {
	permits int64
	sem     *semaphore.Weighted
	inUse   atomic.Int64
	waiting atomic.Int64
}

func New(permits int) *Gate {
	if permits <= 0 {
		permits = 1
	}
	return &Gate{
		permits: int64(permits),
		sem:     semaphore.NewWeighted(int64(permits)),
	}
}

// Permit is released exactly once no matter how often Release is called.
type Permit struct {
	gate *Gate
	once sync.Once
}

// Acquire blocks until a permit is free. ctx only bounds the wait in the
// queue; it has no effect once the permit is held.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return nil, err
	}

	g.inUse.Add(1)
	return &Permit{gate: g}, nil
}

// TryAcquire returns nil when no permit is immediately available.
func (g *Gate) TryAcquire() *Permit {
	if !g.sem.TryAcquire(1) {
		return nil
	}
	g.inUse.Add(1)
	return &Permit{gate: g}
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.gate.inUse.Add(-1)
		p.gate.sem.Release(1)
	})
}

type Stats struct {
	Permits int `json:"permits"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
}

func (g *Gate) Stats() Stats {
	return Stats{
		Permits: int(g.permits),
		InUse:   int(g.inUse.Load()),
		Waiting: int(g.waiting.Load()),
	}
}
