package delivery

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"webhookrelay/internal/metrics"
	"webhookrelay/queue"
)

const (
	DefaultInterval          = 30 * time.Second
	DefaultDestinationPrefix = "972"
	DefaultRetryDelay        = time.Second
	// AttemptsPerPass is the number of POSTs tried for one record in one drain pass.
	AttemptsPerPass = 3
	// DeadLetterAfter is the number of failed passes after which a record is dropped.
	DeadLetterAfter = 5
)

// Sender performs a single webhook delivery attempt.
type Sender interface {
	Send(ctx context.Context, sender, body string) error
}

// Queue is the part of queue.Queue the forwarder drains.
type Queue interface {
	ListPending(ctx context.Context) ([]queue.Pending, error)
	Remove(ctx context.Context, locator string) error
	UpdateAttempts(ctx context.Context, locator string, attempts int) error
	RecordFailure(ctx context.Context, sender, body string, cause error)
}

// Forwarder drains the pending queue into the webhook. At most one drain
// pass runs at a time; records inside a pass are delivered one by one.
type Forwarder struct {
	queue      Queue
	sender     Sender
	logger     glog.Logger
	metrics    *metrics.Recorder
	interval   time.Duration
	retryDelay time.Duration
	prefix     string
	sleep      func(time.Duration)

	mu       sync.Mutex
	draining bool
	idle     chan struct{}

	stopping  atomic.Bool
	kick      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

type Option func(*Forwarder)

func WithLogger(logger glog.Logger) Option {
	return func(f *Forwarder) { f.logger = glog.Ensure(logger) }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(f *Forwarder) { f.metrics = r }
}

func WithInterval(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithRetryDelay sets the base delay between attempts inside a pass; the
// n-th retry waits n times this value.
func WithRetryDelay(d time.Duration) Option {
	return func(f *Forwarder) { f.retryDelay = d }
}

func WithDestinationPrefix(prefix string) Option {
	return func(f *Forwarder) { f.prefix = prefix }
}

func NewForwarder(q Queue, sender Sender, opts ...Option) *Forwarder {
	f := &Forwarder{
		queue:      q,
		sender:     sender,
		logger:     glog.Nop(),
		interval:   DefaultInterval,
		retryDelay: DefaultRetryDelay,
		prefix:     DefaultDestinationPrefix,
		sleep:      time.Sleep,
		kick:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start runs one drain immediately and then one per interval or Notify.
func (f *Forwarder) Start() {
	f.startOnce.Do(func() {
		f.started.Store(true)
		go f.loop()
	})
}

func (f *Forwarder) loop() {
	defer close(f.done)
	// Shutdown must not cancel a request already on the wire.
	ctx := context.Background()

	f.Drain(ctx)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.quit:
			return
		case <-ticker.C:
			f.Drain(ctx)
		case <-f.kick:
			f.Drain(ctx)
		}
	}
}

// Notify asks the loop for an extra drain pass. It never blocks.
func (f *Forwarder) Notify() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

func (f *Forwarder) begin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.draining {
		return false
	}
	f.draining = true
	f.idle = make(chan struct{})
	return true
}

func (f *Forwarder) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draining = false
	close(f.idle)
}

// Draining reports whether a pass is in progress.
func (f *Forwarder) Draining() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draining
}

// Drain runs one pass over all pending records. It returns false without
// doing anything if another pass is running or shutdown has begun.
func (f *Forwarder) Drain(ctx context.Context) bool {
	if f.stopping.Load() {
		return false
	}
	if !f.begin() {
		f.logger.Debug("drain already in progress, skipping")
		return false
	}
	defer f.end()

	pending, err := f.queue.ListPending(ctx)
	if err != nil {
		f.logger.Error("list pending messages failed", "error", err)
		return true
	}
	if len(pending) > 0 {
		f.logger.Debug("drain pass started", "pending", len(pending))
	}
	for i, p := range pending {
		if f.stopping.Load() {
			f.logger.Info("shutdown requested, leaving records pending", "remaining", len(pending)-i)
			break
		}
		f.deliverOne(ctx, p)
	}
	return true
}

func (f *Forwarder) deliverOne(ctx context.Context, p queue.Pending) {
	msg := p.Message
	if !strings.HasPrefix(msg.SenderID, f.prefix) {
		f.logger.Info("blocking webhook for non-matching destination", "sender", msg.SenderID, "prefix", f.prefix)
		if err := f.queue.Remove(ctx, p.Locator); err != nil {
			f.logger.Error("remove discarded message failed", "locator", p.Locator, "error", err)
		}
		f.metrics.Discarded(ctx)
		return
	}

	err := f.sendWithRetry(ctx, msg)
	if err == nil {
		if err := f.queue.Remove(ctx, p.Locator); err != nil {
			// The record stays pending and will be delivered again.
			f.logger.Error("remove delivered message failed", "locator", p.Locator, "error", err)
		}
		f.metrics.Delivered(ctx)
		return
	}

	f.logger.Error("delivery pass failed", "sender", msg.SenderID, "attempts", msg.Attempts+1, "error", err)
	f.queue.RecordFailure(ctx, msg.SenderID, msg.Body, err)
	f.metrics.DeliveryFailed(ctx)

	attempts := msg.Attempts + 1
	if attempts >= DeadLetterAfter {
		f.logger.Warn("dead-lettering message", "sender", msg.SenderID, "attempts", attempts)
		if err := f.queue.Remove(ctx, p.Locator); err != nil {
			f.logger.Error("remove dead-lettered message failed", "locator", p.Locator, "error", err)
		}
		f.metrics.DeadLettered(ctx)
		return
	}
	if err := f.queue.UpdateAttempts(ctx, p.Locator, attempts); err != nil {
		f.logger.Error("update attempts failed", "locator", p.Locator, "error", err)
	}
}

func (f *Forwarder) sendWithRetry(ctx context.Context, msg queue.QueuedMessage) error {
	var lastErr error
	for attempt := 1; attempt <= AttemptsPerPass; attempt++ {
		lastErr = f.sender.Send(ctx, msg.SenderID, msg.Body)
		if lastErr == nil {
			return nil
		}
		f.logger.Warn("webhook attempt failed", "sender", msg.SenderID, "attempt", attempt, "error", lastErr)
		if attempt < AttemptsPerPass {
			f.sleep(f.retryDelay * time.Duration(attempt))
		}
	}
	return exhaustedError(lastErr, AttemptsPerPass)
}

// Stop halts the timer and waits until no drain pass is running or ctx ends.
// Records not reached by an interrupted pass stay pending.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.stopping.Store(true)
	f.stopOnce.Do(func() { close(f.quit) })

	if f.started.Load() {
		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	if !f.draining {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()

	f.logger.Info("waiting for drain pass to complete")
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
