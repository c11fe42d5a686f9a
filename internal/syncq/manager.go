package syncq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offline0/internal/fetch"
	"offline0/internal/lock"
	"offline0/internal/logging"
)

// Observer is told about every replay network outcome; err is nil on success.
type Observer interface {
	ObserveNetwork(err error)
}

type Options struct {
	Tags []string
	// MaxPending bounds each tag's queue; the oldest operation is dropped on
	// overflow. Zero means unbounded.
	MaxPending int
	// Locker, when set, serializes draining across replicas.
	Locker   *lock.Locker
	Observer Observer
	Logger   *zap.Logger
	Now      func() time.Time
}

// DrainResult summarizes one drain of one tag.
type DrainResult struct {
	Tag      string `json:"tag"`
	Replayed int    `json:"replayed"`
	Pending  int    `json:"pending"`
	// Busy is set when another replica holds the tag's lock.
	Busy bool `json:"busy,omitempty"`
	// Stopped is the failure that halted the drain, if any.
	Stopped string `json:"stopped,omitempty"`
}

type Manager struct {
	q        Queue
	fetcher  fetch.Fetcher
	max      int
	locker   *lock.Locker
	observer Observer
	log      *zap.Logger
	overflow *logging.RateLimited
	now      func() time.Time

	// one slot per tag; holding it means draining that tag.
	slots map[string]chan struct{}
	tags  []string
	wg    sync.WaitGroup
}

func NewManager(q Queue, fetcher fetch.Fetcher, opts Options) *Manager {
	log := logging.OrNop(opts.Logger).With(zap.String("component", "syncq"))
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		q:        q,
		fetcher:  fetcher,
		max:      opts.MaxPending,
		locker:   opts.Locker,
		observer: opts.Observer,
		log:      log,
		overflow: logging.NewRateLimited(log, time.Minute),
		now:      now,
		slots:    map[string]chan struct{}{},
	}
	tags := opts.Tags
	if len(tags) == 0 {
		tags = []string{TagCart, TagOrder}
	}
	for _, t := range tags {
		if _, ok := m.slots[t]; ok {
			continue
		}
		m.slots[t] = make(chan struct{}, 1)
		m.tags = append(m.tags, t)
	}
	return m
}

func (m *Manager) Tags() []string {
	return append([]string(nil), m.tags...)
}

func (m *Manager) known(tag string) error {
	if _, ok := m.slots[tag]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return nil
}

// Enqueue appends op to tag's queue. It never touches the network; an error
// means the queue itself could not be written.
func (m *Manager) Enqueue(ctx context.Context, tag string, op PendingOperation) (PendingOperation, error) {
	if err := m.known(tag); err != nil {
		return op, err
	}
	op.Tag = tag
	if op.ID == "" {
		op.ID = newID()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = m.now().UTC()
	}
	dropped, err := m.q.Push(ctx, op, m.max)
	if err != nil {
		return op, fmt.Errorf("enqueue %s: %w", tag, err)
	}
	if dropped > 0 {
		m.overflow.Warn("sync queue full, dropped oldest operations",
			zap.String("tag", tag), zap.Int("dropped", dropped), zap.Int("max", m.max))
	}
	m.log.Debug("operation queued", zap.String("tag", tag), zap.String("id", op.ID),
		zap.String("method", op.Method), zap.String("url", op.URL))
	return op, nil
}

func (m *Manager) Pending(ctx context.Context, tag string) ([]PendingOperation, error) {
	if err := m.known(tag); err != nil {
		return nil, err
	}
	return m.q.List(ctx, tag)
}

// Drain replays tag's queue in FIFO order. A retryable failure stops the
// drain and leaves the failed operation at the head for the next signal.
func (m *Manager) Drain(ctx context.Context, tag string) (DrainResult, error) {
	res := DrainResult{Tag: tag}
	if err := m.known(tag); err != nil {
		return res, err
	}

	slot := m.slots[tag]
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return res, ctx.Err()
	}
	defer func() { <-slot }()

	var held *lock.RedisLock
	if m.locker != nil {
		l, ok, err := m.locker.TryLock(ctx, tag)
		if err != nil {
			return res, fmt.Errorf("lock %s: %w", tag, err)
		}
		if !ok {
			res.Busy = true
			return res, nil
		}
		held = l
		defer func() {
			if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
				m.log.Warn("unlock failed", zap.String("tag", tag), zap.Error(err))
			}
		}()
	}

	for {
		if err := ctx.Err(); err != nil {
			return m.finish(ctx, res), err
		}
		op, ok, err := m.q.Peek(ctx, tag)
		if err != nil {
			return m.finish(ctx, res), fmt.Errorf("peek %s: %w", tag, err)
		}
		if !ok {
			return m.finish(ctx, res), nil
		}

		replayCtx, cancel := ctx, context.CancelFunc(func() {})
		if held != nil {
			// Renew before every replay and bound the replay well inside the
			// lease, so no other replica can take the head while it runs.
			if err := held.Extend(ctx); err != nil {
				return m.finish(ctx, res), fmt.Errorf("lock %s: %w", tag, err)
			}
			replayCtx, cancel = context.WithTimeout(ctx, held.TTL()/2)
		}
		ok, why := m.replay(replayCtx, op)
		cancel()
		if !ok {
			m.log.Info("sync drain stopped", zap.String("tag", tag), zap.String("id", op.ID), zap.String("reason", why))
			res.Stopped = why
			return m.finish(ctx, res), nil
		}
		res.Replayed++
		if err := m.q.Remove(ctx, tag, op.ID); err != nil {
			return m.finish(ctx, res), fmt.Errorf("remove %s/%s: %w", tag, op.ID, err)
		}
	}
}

func (m *Manager) finish(ctx context.Context, res DrainResult) DrainResult {
	if ops, err := m.q.List(context.WithoutCancel(ctx), res.Tag); err == nil {
		res.Pending = len(ops)
	}
	if res.Replayed > 0 {
		m.log.Info("sync drained", zap.String("tag", res.Tag), zap.Int("replayed", res.Replayed),
			zap.Int("pending", res.Pending))
	}
	return res
}

// replay sends op once. ok is false when the operation must stay queued:
// a network failure or any non-2xx/3xx answer. Operations leave the queue
// only by succeeding or through Discard.
func (m *Manager) replay(ctx context.Context, op PendingOperation) (ok bool, why string) {
	req, err := op.request()
	if err != nil {
		return false, err.Error()
	}
	resp, err := m.fetcher.Fetch(ctx, req)
	if m.observer != nil && !errors.Is(err, context.Canceled) {
		m.observer.ObserveNetwork(err)
	}
	if err != nil {
		return false, err.Error()
	}
	if resp.Status < 200 || resp.Status >= 400 {
		return false, fmt.Sprintf("status %d", resp.Status)
	}
	return true, ""
}

// Discard drops the operation id from tag's queue. It is the only way an
// operation that keeps failing leaves the queue.
func (m *Manager) Discard(ctx context.Context, tag, id string) (bool, error) {
	if err := m.known(tag); err != nil {
		return false, err
	}
	ok, err := m.q.Discard(ctx, tag, id)
	if err != nil {
		return false, fmt.Errorf("discard %s/%s: %w", tag, id, err)
	}
	if ok {
		m.log.Info("sync operation discarded", zap.String("tag", tag), zap.String("id", id))
	}
	return ok, nil
}

// DrainAll drains every tag independently; one tag's failure does not hold
// back the others.
func (m *Manager) DrainAll(ctx context.Context) ([]DrainResult, error) {
	results := make([]DrainResult, len(m.tags))
	errs := make([]error, len(m.tags))
	var g errgroup.Group
	for i, tag := range m.tags {
		g.Go(func() error {
			results[i], errs[i] = m.Drain(ctx, tag)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Run drains every tag each interval until ctx is done.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.DrainAll(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("periodic sync failed", zap.Error(err))
			}
		}
	}
}

// DrainAsync starts DrainAll in the background; used as the online hook.
func (m *Manager) DrainAsync(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.DrainAll(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("sync after reconnect failed", zap.Error(err))
		}
	}()
}

// Wait blocks until drains started by DrainAsync return.
func (m *Manager) Wait() {
	m.wg.Wait()
}
