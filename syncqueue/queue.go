package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFailed   = errors.New("sync queue entry is not failed")
	ErrUnknownType = errors.New("no handler registered for sync entry type")
)

// Handler replays one entry. The entry id is the idempotency key downstream,
// so a handler must be safe to call again for an entry it already applied.
type Handler func(ctx context.Context, e Entry) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying: the entry goes straight to failed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Queue is the durable FIFO of writes plus its background driver.
//
// Entry states: pending -> in_flight -> (deleted | pending | failed).
// Drain is head-of-line: while the oldest non-failed entry waits out its
// backoff, nothing behind it runs.
type Queue struct {
	Logger            *logrus.Logger
	DefaultMaxRetries int
	PollInterval      time.Duration
	Backoff           config.RetryPolicy

	store *storage
	now   func() time.Time
	wake  chan struct{}

	drainMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	status   Status
}

// Open opens (or creates) the queue file and returns in_flight entries left
// over from a previous process to pending.
func Open(ctx context.Context, path string, logger *logrus.Logger) (*Queue, error) {
	st, err := openStorage(path)
	if err != nil {
		return nil, err
	}
	cfg := config.DefaultEngineConfig()
	q := &Queue{
		Logger:            logger,
		DefaultMaxRetries: cfg.SyncMaxRetries,
		PollInterval:      cfg.SyncPollInterval,
		Backoff: config.RetryPolicy{
			BaseBackoff: cfg.SyncBaseBackoff,
			MaxBackoff:  cfg.SyncMaxBackoff,
		},
		store:    st,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		handlers: map[string]Handler{},
	}
	if n, err := st.resetInFlight(ctx); err != nil {
		_ = st.close()
		return nil, err
	} else if n > 0 && logger != nil {
		logger.WithFields(logrus.Fields{"field": "SyncQueue", "count": n}).Warn("returned interrupted in-flight entries to pending")
	}
	if err := q.refreshCounts(ctx); err != nil {
		_ = st.close()
		return nil, err
	}
	return q, nil
}

// ApplyConfig copies the retry and polling policy from cfg.
func (q *Queue) ApplyConfig(cfg config.EngineConfig) {
	q.DefaultMaxRetries = cfg.SyncMaxRetries
	q.PollInterval = cfg.SyncPollInterval
	q.Backoff = config.RetryPolicy{BaseBackoff: cfg.SyncBaseBackoff, MaxBackoff: cfg.SyncMaxBackoff}
}

// SetClock replaces the time source; tests use it to step through backoff.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) Close() error {
	return q.store.close()
}

func (q *Queue) Register(entryType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[entryType] = h
}

func (q *Queue) handler(entryType string) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[entryType]
}

// Enqueue appends a pending entry with a fresh id and returns the id.
func (q *Queue) Enqueue(ctx context.Context, entryType string, payload any, maxRetries int) (string, error) {
	id := uuid.NewString()
	if _, err := q.EnqueueWithID(ctx, id, entryType, payload, maxRetries); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueWithID is idempotent on id; created is false when the id was
// already queued.
func (q *Queue) EnqueueWithID(ctx context.Context, id, entryType string, payload any, maxRetries int) (created bool, err error) {
	if id == "" || entryType == "" {
		return false, fmt.Errorf("sync entry id and type are required")
	}
	if maxRetries <= 0 {
		maxRetries = q.DefaultMaxRetries
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return false, err
	}
	created, err = q.store.insert(ctx, Entry{
		ID:         id,
		Type:       entryType,
		Payload:    raw,
		MaxRetries: maxRetries,
		CreatedAt:  q.now(),
	})
	if err != nil {
		return false, err
	}
	if err := q.refreshCounts(ctx); err != nil {
		return created, err
	}
	if created && q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{"field": "SyncQueue", "entry_id": id, "type": entryType}).Info("queued write for replay")
	}
	q.signal()
	return created, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode sync payload: %w", err)
	}
	return raw, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// SetOnline records connectivity; going online wakes the driver.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.status.IsOnline
	q.status.IsOnline = online
	q.mu.Unlock()
	if online && !was {
		q.signal()
	}
}

func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status.IsOnline
}

// Status is a snapshot; it never touches the database.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

func (q *Queue) setSyncing(v bool) {
	q.mu.Lock()
	q.status.IsSyncing = v
	q.mu.Unlock()
}

func (q *Queue) refreshCounts(ctx context.Context) error {
	pending, failed, err := q.store.counts(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.status.PendingCount = pending
	q.status.FailedCount = failed
	q.mu.Unlock()
	return nil
}

// Run drives the queue until ctx is done, draining on every wake-up and on
// every poll tick.
func (q *Queue) Run(ctx context.Context) {
	interval := q.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if q.IsOnline() {
			if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil && q.Logger != nil {
				q.Logger.WithFields(logrus.Fields{"field": "SyncQueue"}).Error("drain failed: " + err.Error())
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// MonitorConnectivity probes every interval and toggles the online state.
func (q *Queue) MonitorConnectivity(ctx context.Context, probe func(context.Context) error, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		q.SetOnline(probe(pctx) == nil)
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Drain replays due entries in FIFO order and returns how many committed.
// It stops at the first entry that is waiting out a backoff or that just
// failed and will be retried. Failed entries are skipped, not blocking.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	if !q.IsOnline() {
		return 0, nil
	}
	q.setSyncing(true)
	defer q.setSyncing(false)
	defer func() { _ = q.refreshCounts(context.WithoutCancel(ctx)) }()

	committed := 0
	for q.IsOnline() {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		e, err := q.store.head(ctx)
		if err != nil {
			return committed, err
		}
		if e == nil {
			return committed, nil
		}
		if e.NextAttemptAt.After(q.now()) {
			return committed, nil
		}

		h := q.handler(e.Type)
		if h == nil {
			if err := q.fail(ctx, e, e.Attempts+1, fmt.Errorf("%w: %s", ErrUnknownType, e.Type)); err != nil {
				return committed, err
			}
			continue
		}

		if err := q.store.setState(ctx, e.ID, StateInFlight); err != nil {
			return committed, err
		}
		e.State = StateInFlight

		herr := h(ctx, *e)
		if herr == nil {
			if err := q.store.delete(ctx, e.ID); err != nil {
				return committed, err
			}
			committed++
			continue
		}

		attempts := e.Attempts + 1
		if attempts >= e.MaxRetries || IsPermanent(herr) {
			if err := q.fail(ctx, e, attempts, herr); err != nil {
				return committed, err
			}
			continue
		}

		next := q.now().Add(q.Backoff.Backoff(attempts))
		if err := q.store.recordFailure(ctx, e.ID, attempts, StatePending, next, herr.Error()); err != nil {
			return committed, err
		}
		if q.Logger != nil {
			q.Logger.WithFields(logrus.Fields{
				"field":           "SyncQueue",
				"entry_id":        e.ID,
				"type":            e.Type,
				"attempt":         attempts,
				"next_attempt_at": next.Format(time.RFC3339Nano),
			}).Warn("sync entry replay failed: " + herr.Error())
		}
		if errors.Is(herr, models.ErrStoreUnavailable) {
			q.SetOnline(false)
		}
		return committed, nil
	}
	return committed, nil
}

func (q *Queue) fail(ctx context.Context, e *Entry, attempts int, cause error) error {
	exhausted := &models.SyncExhaustedError{
		EntryId:   e.ID,
		Type:      e.Type,
		Attempts:  attempts,
		LastError: cause.Error(),
	}
	if err := q.store.recordFailure(ctx, e.ID, attempts, StateFailed, e.NextAttemptAt, cause.Error()); err != nil {
		return err
	}
	config.LogError(q.Logger, "syncqueue", "Drain", "entry moved to failed", map[string]interface{}{
		"entry_id": e.ID,
		"type":     e.Type,
		"attempts": attempts,
	}, exhausted)
	return nil
}

func (q *Queue) ListFailed(ctx context.Context) ([]Entry, error) {
	return q.store.listByState(ctx, StateFailed)
}

func (q *Queue) ListPending(ctx context.Context) ([]Entry, error) {
	return q.store.listByState(ctx, StatePending)
}

func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	return q.store.get(ctx, id)
}

// Retry moves a failed entry back to pending with its attempts reset.
func (q *Queue) Retry(ctx context.Context, id string) error {
	ok, err := q.store.requeueFailed(ctx, id, q.now())
	if err != nil {
		return err
	}
	if !ok {
		return q.notFailed(ctx, id)
	}
	if err := q.refreshCounts(ctx); err != nil {
		return err
	}
	q.signal()
	return nil
}

// Discard deletes a failed entry. Pending entries cannot be discarded.
func (q *Queue) Discard(ctx context.Context, id string) error {
	ok, err := q.store.deleteFailed(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return q.notFailed(ctx, id)
	}
	if q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{"field": "SyncQueue", "entry_id": id}).Warn("failed sync entry discarded by operator")
	}
	return q.refreshCounts(ctx)
}

func (q *Queue) notFailed(ctx context.Context, id string) error {
	if _, err := q.store.get(ctx, id); err != nil {
		return err
	}
	return ErrNotFailed
}
