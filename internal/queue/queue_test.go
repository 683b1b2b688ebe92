package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "noticewatch/pkg/logx"
)

func nopLog() logx.Logger { return logx.Nop() }

func testConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     128,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		RetryJitter:   0.1,
	}
}

func TestPerKeyOrdering(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	const n = 25
	h := func(ctx context.Context, d Delivery) error {
		mu.Lock()
		got = append(got, d.Payload.(int))
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	}

	q := New("test", testConfig(), h, nil, nopLog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	for i := 0; i < n; i++ {
		if err := q.Enqueue("dept-a", i); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for deliveries (got %d)", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: got %v", i, got)
		}
	}
}

func TestSingleActivePerKeyWithCrossKeyParallelism(t *testing.T) {
	var active, maxActive int32
	fastDone := make(chan struct{})
	allDone := make(chan struct{})
	var remaining int32 = 6

	h := func(ctx context.Context, d Delivery) error {
		if d.Key == "slow" {
			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
					break
				}
			}
			// Block until the fast key has fully drained, proving other
			// keys progress while this key is busy.
			if d.Payload.(int) == 0 {
				select {
				case <-fastDone:
				case <-time.After(5 * time.Second):
					atomic.AddInt32(&active, -1)
					return errors.New("fast key never drained")
				}
			}
			atomic.AddInt32(&active, -1)
		}
		if d.Key == "fast" && d.Payload.(int) == 2 {
			close(fastDone)
		}
		if atomic.AddInt32(&remaining, -1) == 0 {
			close(allDone)
		}
		return nil
	}

	q := New("test", testConfig(), h, nil, nopLog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue("slow", i); err != nil {
			t.Fatalf("Enqueue slow: %v", err)
		}
		if err := q.Enqueue("fast", i); err != nil {
			t.Fatalf("Enqueue fast: %v", err)
		}
	}

	select {
	case <-allDone:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out, remaining=%d", atomic.LoadInt32(&remaining))
	}
	if m := atomic.LoadInt32(&maxActive); m != 1 {
		t.Fatalf("key serialization violated: max concurrent deliveries for one key = %d", m)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	h := func(ctx context.Context, d Delivery) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}

	var deadCount int32
	dead := func(d Delivery, err error) { atomic.AddInt32(&deadCount, 1) }

	q := New("test", testConfig(), h, dead, nopLog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	if err := q.Enqueue("k", "x"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out, calls=%d", atomic.LoadInt32(&calls))
	}
	if c := atomic.LoadInt32(&calls); c != 3 {
		t.Fatalf("expected 3 attempts, got %d", c)
	}
	if atomic.LoadInt32(&deadCount) != 0 {
		t.Fatalf("successful delivery was dead-lettered")
	}
}

func TestNoRetryDeadLettersImmediately(t *testing.T) {
	permanent := errors.New("bad schema")
	var calls int32
	h := func(ctx context.Context, d Delivery) error {
		atomic.AddInt32(&calls, 1)
		return NoRetry(permanent)
	}

	deadCh := make(chan error, 1)
	dead := func(d Delivery, err error) { deadCh <- err }

	q := New("test", testConfig(), h, dead, nopLog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	if err := q.Enqueue("k", "x"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case err := <-deadCh:
		if !errors.Is(err, permanent) {
			t.Fatalf("dead-letter error = %v, want %v", err, permanent)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dead-letter hook never called")
	}
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Fatalf("non-retryable error was retried: %d attempts", c)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	var calls int32
	h := func(ctx context.Context, d Delivery) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always failing")
	}
	deadCh := make(chan Delivery, 1)
	dead := func(d Delivery, err error) { deadCh <- d }

	cfg := testConfig()
	cfg.RetryMax = 2
	q := New("test", cfg, h, dead, nopLog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	if err := q.Enqueue("k", "x"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case d := <-deadCh:
		if d.Attempt != 3 {
			t.Fatalf("expected 3 attempts before dead-letter, got %d", d.Attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dead-letter hook never called")
	}
}

func TestFailedKeyDoesNotBlockBacklog(t *testing.T) {
	// The delivery after a dead-lettered one must still be processed,
	// in order.
	done := make(chan struct{})
	h := func(ctx context.Context, d Delivery) error {
		if d.Payload.(string) == "poison" {
			return NoRetry(errors.New("poison"))
		}
		close(done)
		return nil
	}

	q := New("test", testConfig(), h, nil, nopLog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	if err := q.Enqueue("k", "poison"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("k", "ok"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("backlog stalled behind dead-lettered delivery")
	}
}

func TestEnqueueBounds(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	// Never start workers: the backlog cannot drain.
	q := New("test", cfg, func(ctx context.Context, d Delivery) error { return nil }, nil, nopLog(), nil)

	if err := q.Enqueue("k", 1); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := q.Enqueue("k", 2); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if err := q.Enqueue("k", 3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := q.Enqueue("", 4); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if q.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", q.Pending())
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	q := New("test", testConfig(), func(ctx context.Context, d Delivery) error { return nil }, nil, nopLog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	q.Stop()
	if err := q.Enqueue("k", 1); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	cfg := testConfig().withDefaults()
	cfg.RetryBase = 100 * time.Millisecond
	cfg.RetryMaxDelay = time.Second
	cfg.RetryJitter = 0.2
	rng := rand.New(rand.NewSource(1))

	prevMax := time.Duration(0)
	for retry := 1; retry <= 10; retry++ {
		d := backoffDelay(cfg, retry, rng)
		if d < 0 {
			t.Fatalf("negative delay at retry %d", retry)
		}
		if d > cfg.RetryMaxDelay {
			t.Fatalf("delay %v exceeds max %v", d, cfg.RetryMaxDelay)
		}
		if d > prevMax {
			prevMax = d
		}
	}
	if prevMax < cfg.RetryBase {
		t.Fatalf("backoff never grew beyond base: %v", prevMax)
	}
}

func TestBackoffRespectsRetryAfterHint(t *testing.T) {
	cfg := testConfig().withDefaults()
	cfg.RetryMaxDelay = time.Second
	cfg.RetryJitter = 0.1
	rng := rand.New(rand.NewSource(1))

	err := RetryAfter(errors.New("429"), 10*time.Second)
	d := backoffDelayWithHint(cfg, 1, err, rng)
	if d > cfg.RetryMaxDelay {
		t.Fatalf("hinted delay %v exceeds max %v", d, cfg.RetryMaxDelay)
	}
	if d < cfg.RetryMaxDelay/2 {
		t.Fatalf("hinted delay %v not bounded at max (expected near %v)", d, cfg.RetryMaxDelay)
	}
}

func TestNoRetryWrapping(t *testing.T) {
	base := fmt.Errorf("oops")
	if !IsNoRetry(NoRetry(base)) {
		t.Fatalf("IsNoRetry(NoRetry(err)) = false")
	}
	if IsNoRetry(base) {
		t.Fatalf("IsNoRetry(plain err) = true")
	}
	if !errors.Is(NoRetry(base), base) {
		t.Fatalf("NoRetry does not unwrap to base error")
	}
	if NoRetry(nil) != nil {
		t.Fatalf("NoRetry(nil) != nil")
	}
}
