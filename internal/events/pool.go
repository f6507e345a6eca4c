// Package events delivers orchestration events to handlers through a
// bounded worker pool, so slow consumers (notifications, persistence)
// never stall the control loop.
package events

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Kind classifies an event
type Kind string

const (
	KindPhaseStarted   Kind = "phase_started"
	KindPhaseCompleted Kind = "phase_completed"
	KindPhaseFailed    Kind = "phase_failed"
	KindStuckDecision  Kind = "stuck_decision"
	KindProposal       Kind = "proposal_created"
	KindRunFinished    Kind = "run_finished"
	KindBreakerChange  Kind = "breaker_change"
)

// Event is one orchestration occurrence
type Event struct {
	Kind      Kind              `json:"kind"`
	RunID     string            `json:"run_id"`
	PhaseID   string            `json:"phase_id,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler consumes one event. The returned error is reported on the
// job's result channel and logged; it never stops the pool.
type Handler func(ctx context.Context, ev Event) error

// job pairs an event with the channel its handler results go to
type job struct {
	ev      Event
	results chan<- error
}

// Pool fans events out to subscribed handlers on a fixed number of
// workers over a bounded queue
type Pool struct {
	queue  chan job
	logger *log.Logger

	mu       sync.RWMutex
	handlers []Handler
	closed   bool

	g      *errgroup.Group
	cancel context.CancelFunc
}

// NewPool starts workers consuming a queue of the given size
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		queue:  make(chan job, queueSize),
		logger: log.New(os.Stderr, "[events] ", log.LstdFlags),
		cancel: cancel,
		g:      g,
	}

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j, ok := <-p.queue:
					if !ok {
						return nil
					}
					p.dispatch(ctx, j)
				}
			}
		})
	}
	return p
}

// Subscribe registers a handler for all subsequent events
func (p *Pool) Subscribe(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Publish enqueues an event. The returned channel receives one error
// value (nil on success) per subscribed handler and is then closed.
// When the queue is full the event is dropped with a log line rather
// than blocking the caller.
func (p *Pool) Publish(ev Event) <-chan error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// The read lock is held across the send: Close takes the write lock
	// before closing the queue, so no send can race the close.
	p.mu.RLock()
	defer p.mu.RUnlock()

	results := make(chan error, len(p.handlers))
	if p.closed {
		close(results)
		return results
	}

	select {
	case p.queue <- job{ev: ev, results: results}:
	default:
		p.logger.Printf("queue full, dropping event %s for run %s", ev.Kind, ev.RunID)
		close(results)
	}
	return results
}

// dispatch runs every handler for the job and closes its result channel
func (p *Pool) dispatch(ctx context.Context, j job) {
	p.mu.RLock()
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	for _, h := range handlers {
		err := safeHandle(ctx, h, j.ev)
		if err != nil {
			p.logger.Printf("handler for %s failed: %v", j.ev.Kind, err)
		}
		select {
		case j.results <- err:
		default:
		}
	}
	close(j.results)
}

// safeHandle converts a handler panic into an error so one bad handler
// cannot take a worker down
func safeHandle(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Close stops accepting events, drains the queue, and waits for the
// workers to exit
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.queue)
	err := p.g.Wait()
	p.cancel()
	return err
}
