// Package engine runs the per-instrument monitoring state machine over the
// live bar stream. Each symbol gets its own worker goroutine fed by a
// bounded channel, so bars for one instrument apply in order while
// instruments never block each other.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"pivotbot/internal/md"
	"pivotbot/internal/schedule"
	"pivotbot/internal/state"
)

const barQueueDepth = 64

// Store is the slice of the ticker state store the engine uses.
type Store interface {
	Get(symbol string) (*state.TickerRecord, error)
	Apply(rec *state.TickerRecord) (bool, error)
}

// OrderManager is the bracket order surface the state machine drives.
type OrderManager interface {
	Place(ctx context.Context, symbol string, levelPrice, targetPrice float64) (state.OrderIDs, error)
	Cancel(ctx context.Context, ids state.OrderIDs) error
	LegsOpen(ctx context.Context, ids state.OrderIDs) (bool, error)
	EntryFilled(ctx context.Context, orderID string) (bool, error)
}

// Policy holds the behaviors the strategy leaves configurable.
type Policy struct {
	// CancelOnCrossover cancels a pending unfilled bracket when a fresh
	// crossover arrives at a different level instead of letting the
	// halfway/cutoff rules resolve it.
	CancelOnCrossover bool
}

type Engine struct {
	ctx         context.Context
	store       Store
	orders      OrderManager
	session     *schedule.Session
	policy      Policy
	transitions *TransitionLogger
	log         *slog.Logger

	mu      sync.Mutex
	workers map[string]chan md.Bar
	closed  bool
	wg      sync.WaitGroup
}

// New builds the engine. Workers outlive any single trading session, so they
// run under ctx, the process context, rather than the per-session one.
func New(ctx context.Context, store Store, orders OrderManager, session *schedule.Session, policy Policy, transitions *TransitionLogger, log *slog.Logger) *Engine {
	return &Engine{
		ctx:         ctx,
		store:       store,
		orders:      orders,
		session:     session,
		policy:      policy,
		transitions: transitions,
		log:         log,
		workers:     map[string]chan md.Bar{},
	}
}

// Dispatch routes a bar to its symbol's worker, creating the worker on first
// sight of the symbol. Bars for one symbol are processed strictly in arrival
// order. ctx only bounds the hand-off when the queue is full.
func (e *Engine) Dispatch(ctx context.Context, bar md.Bar) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ch, ok := e.workers[bar.Symbol]
	if !ok {
		ch = make(chan md.Bar, barQueueDepth)
		e.workers[bar.Symbol] = ch
		e.wg.Add(1)
		go e.worker(ch)
	}
	e.mu.Unlock()

	select {
	case ch <- bar:
		return
	default:
	}
	select {
	case ch <- bar:
	case <-ctx.Done():
	}
}

func (e *Engine) worker(ch <-chan md.Bar) {
	defer e.wg.Done()
	for bar := range ch {
		e.handleBar(e.ctx, bar)
	}
}

// Shutdown stops accepting bars and waits for in-flight ones to finish.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		for _, ch := range e.workers {
			close(ch)
		}
	}
	e.mu.Unlock()
	e.wg.Wait()
}
