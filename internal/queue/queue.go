package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"noticewatch/internal/eventbus"
	logx "noticewatch/pkg/logx"
)

// Queue is an in-process dispatch queue with per-key ordering.
//
// Contract (load-bearing for the whole pipeline):
//   - Deliveries sharing a key are handed to the handler strictly in
//     enqueue order, with at most ONE delivery for that key in flight at
//     any time. This is the sole serialization mechanism protecting a
//     department's snapshot; there is no additional locking downstream.
//   - Keys are processed in parallel, bounded only by Workers.
//   - Delivery is at-least-once: a failed attempt is redelivered with
//     bounded exponential backoff until RetryMax is exhausted, then the
//     delivery moves to the dead-letter hook.
type Queue struct {
	name string
	cfg  Config
	h    Handler
	dead DeadLetterFunc
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	groups  map[string]*group
	pending int
	stopped bool

	ready  chan *group
	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// group holds the FIFO backlog for one key.
// queued is true while the group sits in the ready channel or is being
// worked on; it guarantees the single-active-consumer-per-key invariant.
type group struct {
	key    string
	items  []Delivery
	queued bool
}

func New(name string, cfg Config, h Handler, dead DeadLetterFunc, log logx.Logger, bus eventbus.Bus) *Queue {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		name:   name,
		cfg:    cfg,
		h:      h,
		dead:   dead,
		log:    log.With(logx.String("queue", name)),
		bus:    bus,
		groups: map[string]*group{},
		ready:  make(chan *group, cfg.QueueSize+1),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool. It is a no-op after the first call.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		for i := 0; i < q.cfg.Workers; i++ {
			q.wg.Add(1)
			go func(idx int) {
				defer q.wg.Done()
				q.worker(ctx, idx)
			}(i)
		}
		q.log.Debug("queue started", logx.Int("workers", q.cfg.Workers))
	})
}

// Stop signals workers and waits for in-flight handler attempts to return.
// Pending deliveries are discarded (the queue is in-process; redelivery
// across restarts comes from the scheduler re-enqueueing jobs).
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		close(q.stopCh)
	})
	q.wg.Wait()
}

// Pending returns the number of deliveries waiting or in flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Enqueue appends a delivery to the key's FIFO backlog.
func (q *Queue) Enqueue(key string, payload any) error {
	if key == "" {
		return errors.New("enqueue: empty group key")
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if q.pending >= q.cfg.QueueSize {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueFull, q.name)
	}
	g := q.groups[key]
	if g == nil {
		g = &group{key: key}
		q.groups[key] = g
	}
	g.items = append(g.items, Delivery{
		Queue:      q.name,
		Key:        key,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	})
	q.pending++
	signal := !g.queued
	if signal {
		g.queued = true
	}
	q.mu.Unlock()

	if signal {
		// Capacity is sized so this never blocks: a group enters ready at
		// most once and only while it has pending items.
		q.ready <- g
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, idx int) {
	// Per-worker RNG: avoids global lock contention when many deliveries retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case g := <-q.ready:
			q.runGroup(ctx, g, rng)
		}
	}
}

// runGroup processes exactly one delivery from the group, then hands the
// group back to the ready channel if more work remains. One-at-a-time keeps
// scheduling fair across departments while preserving per-key order.
func (q *Queue) runGroup(ctx context.Context, g *group, rng *rand.Rand) {
	q.mu.Lock()
	if len(g.items) == 0 {
		g.queued = false
		q.mu.Unlock()
		return
	}
	d := g.items[0]
	q.mu.Unlock()

	err, aborted := q.execOne(ctx, &d, rng)
	if aborted {
		// Shutdown interrupted the attempt; leave the backlog untouched.
		return
	}

	q.mu.Lock()
	g.items = g.items[1:]
	q.pending--
	more := len(g.items) > 0
	if !more {
		g.queued = false
	}
	pending := q.pending
	q.mu.Unlock()

	if err != nil {
		q.log.Warn("delivery dead-lettered",
			logx.String("key", d.Key), logx.Int("attempts", d.Attempt), logx.Err(err))
		if q.dead != nil {
			q.dead(d, err)
		}
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDeadLetter, Data: JobEvent{
				Queue: q.name, Key: d.Key, Attempts: d.Attempt, Pending: pending, Error: err.Error(),
			}})
		}
	}

	if more {
		select {
		case q.ready <- g:
		case <-q.stopCh:
		case <-ctx.Done():
		}
	}
}

// execOne runs one delivery through its attempt loop. It returns the final
// error (nil on success) and whether the loop was aborted by shutdown.
func (q *Queue) execOne(ctx context.Context, d *Delivery, rng *rand.Rand) (finalErr error, aborted bool) {
	start := time.Now()
	maxAttempts := 1 + q.cfg.RetryMax

	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Data: JobEvent{
			Queue: q.name, Key: d.Key,
		}})
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d.Attempt = attempt

		runCtx := ctx
		var cancel func()
		if q.cfg.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		}
		// Guard against handler panics: convert to error so one bad payload
		// can't kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					q.log.Error("handler panic",
						logx.String("key", d.Key), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			err = q.h(runCtx, *d)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return err, true
		}
		// Handlers can mark failures as non-retryable.
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(q.cfg, attempt, err, rng)
		if delay > 0 {
			q.log.Debug("redelivery scheduled",
				logx.String("key", d.Key), logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay), logx.Err(err))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return ctx.Err(), true
			case <-q.stopCh:
				if !tmr.Stop() {
					<-tmr.C
				}
				return ErrStopped, true
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	if err != nil {
		q.log.Warn("delivery failed",
			logx.String("key", d.Key), logx.Int("attempts", d.Attempt),
			logx.Duration("dur", dur), logx.Err(err))
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: JobEvent{
				Queue: q.name, Key: d.Key, Attempts: d.Attempt, Duration: dur, Error: err.Error(),
			}})
		}
	} else {
		q.log.Debug("delivery completed",
			logx.String("key", d.Key), logx.Int("attempts", d.Attempt), logx.Duration("dur", dur))
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Data: JobEvent{
				Queue: q.name, Key: d.Key, Attempts: d.Attempt, Duration: dur,
			}})
		}
	}
	return err, false
}
