package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"

	"webhookrelay/internal/metrics"
	"webhookrelay/storage"
)

// Queue persists pending deliveries and the failed-attempt archive in a Store.
// Every operation is a single store write or delete.
type Queue struct {
	store   storage.Store
	logger  glog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu        sync.Mutex
	lastStamp int64
}

type Option func(*Queue)

func WithLogger(logger glog.Logger) Option {
	return func(q *Queue) { q.logger = glog.Ensure(logger) }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(q *Queue) { q.metrics = r }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue over store.
func New(store storage.Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		logger: glog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// nextStamp returns a nanosecond timestamp strictly greater than any it
// returned before, so two enqueues in the same clock tick get distinct keys.
func (q *Queue) nextStamp() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	stamp := q.now().UnixNano()
	if stamp <= q.lastStamp {
		stamp = q.lastStamp + 1
	}
	q.lastStamp = stamp
	return stamp
}

// recordName keeps names sortable by time: zero padded nanoseconds first.
func recordName(stamp int64, sender string) string {
	return fmt.Sprintf("%020d_%s", stamp, sender)
}

// Enqueue durably stores a new message with zero attempts and returns its id.
func (q *Queue) Enqueue(ctx context.Context, sender, body string) (string, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return "", invalidSender(sender)
	}
	stamp := q.nextStamp()
	id := recordName(stamp, sender)
	key := storage.Key(pendingNamespace, id)
	if _, _, err := storage.SplitKey(key); err != nil {
		return "", invalidSender(sender)
	}

	msg := QueuedMessage{
		ID:         id,
		SenderID:   sender,
		Body:       body,
		EnqueuedAt: time.Unix(0, stamp).UTC(),
		Attempts:   0,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", enqueueFailed(err, sender)
	}
	if err := q.store.Put(ctx, key, data); err != nil {
		return "", enqueueFailed(err, sender)
	}
	q.metrics.Enqueued(ctx)
	q.logger.Debug("message queued", "id", id, "sender", sender)
	return id, nil
}

// ListPending returns every readable pending record in key order. Records
// deleted while listing are skipped; undecodable ones are quarantined.
func (q *Queue) ListPending(ctx context.Context) ([]Pending, error) {
	keys, err := q.store.List(ctx, pendingNamespace+"/")
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(keys))
	for _, key := range keys {
		data, err := q.store.Get(ctx, key)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			q.logger.Error("read pending record failed", "locator", key, "error", err)
			continue
		}
		var msg QueuedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			q.quarantine(ctx, key, data, err)
			continue
		}
		out = append(out, Pending{Locator: key, Message: msg})
	}
	return out, nil
}

func (q *Queue) quarantine(ctx context.Context, key string, data []byte, cause error) {
	q.logger.Error("pending record is corrupt", "error", corruptRecord(cause, key))
	_, name, err := storage.SplitKey(key)
	if err != nil {
		return
	}
	if err := q.store.Put(ctx, storage.Key(corruptNamespace, name), data); err != nil {
		q.logger.Error("quarantine corrupt record failed", "locator", key, "error", err)
		return
	}
	if err := q.store.Delete(ctx, key); err != nil {
		q.logger.Error("remove corrupt record failed", "locator", key, "error", err)
	}
}

// Remove deletes a pending record. Removing a missing record succeeds.
func (q *Queue) Remove(ctx context.Context, locator string) error {
	return q.store.Delete(ctx, locator)
}

// UpdateAttempts rewrites the pending record with a new attempt count.
func (q *Queue) UpdateAttempts(ctx context.Context, locator string, attempts int) error {
	data, err := q.store.Get(ctx, locator)
	if err != nil {
		return err
	}
	var msg QueuedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return corruptRecord(err, locator)
	}
	msg.Attempts = attempts
	data, err = json.Marshal(msg)
	if err != nil {
		return corruptRecord(err, locator)
	}
	return q.store.Put(ctx, locator, data)
}

// RecordFailure appends an audit record. It never fails the caller; store
// errors are logged and dropped.
func (q *Queue) RecordFailure(ctx context.Context, sender, body string, cause error) {
	summary := "unknown error"
	if cause != nil {
		summary = cause.Error()
	}
	record := FailedAttempt{
		SenderID:     sender,
		Body:         body,
		FailedAt:     q.now().UTC(),
		ErrorSummary: summary,
	}
	data, err := json.Marshal(record)
	if err != nil {
		q.logger.Error("encode failed attempt", "sender", sender, "error", err)
		return
	}

	suffix := uuid.NewString()[:8]
	key := storage.Key(failedNamespace, recordName(q.nextStamp(), sender)+"_"+suffix)
	if _, _, err := storage.SplitKey(key); err != nil {
		key = storage.Key(failedNamespace, recordName(q.nextStamp(), "unknown")+"_"+suffix)
	}
	if err := q.store.Put(ctx, key, data); err != nil {
		q.logger.Error("record failed attempt", "sender", sender, "error", err)
		return
	}
	q.logger.Info("recorded failed attempt", "sender", sender)
}

// FailedAttempts reads the whole failure archive in key order.
func (q *Queue) FailedAttempts(ctx context.Context) ([]FailedAttempt, error) {
	keys, err := q.store.List(ctx, failedNamespace+"/")
	if err != nil {
		return nil, err
	}
	out := make([]FailedAttempt, 0, len(keys))
	for _, key := range keys {
		data, err := q.store.Get(ctx, key)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		var rec FailedAttempt
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, corruptRecord(err, key)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Depth returns the number of pending records.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	keys, err := q.store.List(ctx, pendingNamespace+"/")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
