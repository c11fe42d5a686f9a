// Package strategy decides, per intercepted request, how to satisfy it from
// the cache stores and the network, and what to store afterwards.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"offline0/internal/fetch"
	"offline0/internal/logging"
	"offline0/internal/store"
)

// Source tells where a response came from.
type Source string

const (
	SourceHit           Source = "hit"
	SourceStale         Source = "stale"
	SourceNetwork       Source = "network"
	SourceFallbackCache Source = "fallback-cache"
	SourceOfflinePage   Source = "offline-page"
	SourceBypass        Source = "bypass"
)

// ErrNoResponse is returned when neither the network nor any cache could
// answer. It wraps the network error.
var ErrNoResponse = errors.New("no response available")

const refreshTimeout = 30 * time.Second

// Stores resolves the store for a role within one cache generation.
type Stores interface {
	Store(ctx context.Context, role store.Role) (store.Store, error)
}

// Observer is told about every network outcome; err is nil on success.
type Observer interface {
	ObserveNetwork(err error)
}

type Options struct {
	// NetworkTimeout bounds the network leg of the network-first family.
	NetworkTimeout time.Duration
	// BackgroundLimit caps concurrent background refreshes.
	BackgroundLimit int
	// OfflinePage is the path of the pre-cached fallback document.
	OfflinePage string
	Observer    Observer
	Logger      *zap.Logger
	Now         func() time.Time
}

type Result struct {
	Response *fetch.Response
	Source   Source
	Route    Route
}

type Engine struct {
	classifier Classifier
	fetcher    fetch.Fetcher
	timeout    time.Duration
	offlineKey string
	observer   Observer
	log        *zap.Logger
	now        func() time.Time

	bgSem chan struct{}
	wg    sync.WaitGroup
	sf    singleflight.Group
}

func NewEngine(classifier Classifier, fetcher fetch.Fetcher, opts Options) *Engine {
	limit := opts.BackgroundLimit
	if limit <= 0 {
		limit = 32
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		classifier: classifier,
		fetcher:    fetcher,
		timeout:    opts.NetworkTimeout,
		observer:   opts.Observer,
		log:        logging.OrNop(opts.Logger).With(zap.String("component", "strategy")),
		now:        now,
		bgSem:      make(chan struct{}, limit),
	}
	if opts.OfflinePage != "" {
		e.offlineKey = store.RequestKey(http.MethodGet, &url.URL{Path: opts.OfflinePage})
	}
	return e
}

func (e *Engine) Classify(req *fetch.Request) Route {
	return e.classifier.Classify(req)
}

// Wait blocks until in-flight background refreshes finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Handle satisfies req using the strategy its route selects.
func (e *Engine) Handle(ctx context.Context, stores Stores, req *fetch.Request) (Result, error) {
	route := e.classifier.Classify(req)
	if req.Method != "" && req.Method != http.MethodGet {
		resp, err := e.network(ctx, req, 0)
		if err != nil {
			return Result{Route: route}, fmt.Errorf("%w: %w", ErrNoResponse, err)
		}
		return Result{Response: resp, Source: SourceBypass, Route: route}, nil
	}

	st := e.open(ctx, stores, route.Role)
	key := store.RequestKey(http.MethodGet, req.URL)

	var (
		res Result
		err error
	)
	switch route.Strategy {
	case NetworkFirst:
		res, err = e.networkFirst(ctx, st, key, req, nil)
	case NetworkFirstOffline:
		res, err = e.networkFirst(ctx, st, key, req, stores)
	case CacheFirst:
		res, err = e.cacheFirst(ctx, st, key, req)
	case StaleWhileRevalidate, CacheFirstRefresh:
		res, err = e.staleWhileRevalidate(ctx, st, key, req)
	default:
		return Result{Route: route}, fmt.Errorf("unknown strategy %q", route.Strategy)
	}
	res.Route = route
	return res, err
}

// networkFirst tries the network under the timeout, then the cached copy.
// When offline is set it then tries the pre-cached copy and the offline page.
func (e *Engine) networkFirst(ctx context.Context, st store.Store, key string, req *fetch.Request, offline Stores) (Result, error) {
	resp, netErr := e.network(ctx, req, e.timeout)
	if netErr == nil {
		e.put(ctx, st, key, resp)
		return Result{Response: resp, Source: SourceNetwork}, nil
	}

	if ent, ok := e.match(ctx, st, key); ok {
		return Result{Response: fromEntry(ent), Source: SourceFallbackCache}, nil
	}

	if offline != nil {
		// Documents pre-cached at install live in the static store.
		static := e.open(ctx, offline, store.RoleStatic)
		if ent, ok := e.match(ctx, static, key); ok {
			return Result{Response: fromEntry(ent), Source: SourceFallbackCache}, nil
		}
		if e.offlineKey != "" {
			if ent, ok := e.match(ctx, static, e.offlineKey); ok {
				return Result{Response: fromEntry(ent), Source: SourceOfflinePage}, nil
			}
		}
	}
	return Result{}, fmt.Errorf("%w: %w", ErrNoResponse, netErr)
}

func (e *Engine) cacheFirst(ctx context.Context, st store.Store, key string, req *fetch.Request) (Result, error) {
	if ent, ok := e.match(ctx, st, key); ok {
		return Result{Response: fromEntry(ent), Source: SourceHit}, nil
	}
	resp, err := e.network(ctx, req, 0)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	e.put(ctx, st, key, resp)
	return Result{Response: resp, Source: SourceNetwork}, nil
}

// staleWhileRevalidate answers from cache without waiting on the network and
// refreshes the entry in the background. Refresh errors never reach the
// caller.
func (e *Engine) staleWhileRevalidate(ctx context.Context, st store.Store, key string, req *fetch.Request) (Result, error) {
	if ent, ok := e.match(ctx, st, key); ok {
		e.refreshAsync(ctx, st, key, req)
		return Result{Response: fromEntry(ent), Source: SourceStale}, nil
	}
	resp, err := e.network(ctx, req, 0)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	e.put(ctx, st, key, resp)
	return Result{Response: resp, Source: SourceNetwork}, nil
}

func (e *Engine) refreshAsync(ctx context.Context, st store.Store, key string, req *fetch.Request) {
	if st == nil {
		return
	}
	select {
	case e.bgSem <- struct{}{}:
	default:
		e.log.Debug("background refresh skipped, limit reached", zap.String("key", key))
		return
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		defer cancel()

		_, err, _ := e.sf.Do(st.Name().String()+"|"+key, func() (any, error) {
			resp, err := e.network(bg, req, 0)
			if err != nil {
				return nil, err
			}
			if !resp.OK() {
				return nil, fmt.Errorf("refresh status %d", resp.Status)
			}
			e.put(bg, st, key, resp)
			return nil, nil
		})
		if err != nil {
			e.log.Debug("background refresh failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (e *Engine) network(ctx context.Context, req *fetch.Request, timeout time.Duration) (*fetch.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, fetch.ErrNetwork) {
		err = fmt.Errorf("%w: %w", fetch.ErrNetwork, err)
	}
	if e.observer != nil && ctx.Err() != context.Canceled {
		e.observer.ObserveNetwork(err)
	}
	return resp, err
}

func (e *Engine) open(ctx context.Context, stores Stores, role store.Role) store.Store {
	if stores == nil {
		return nil
	}
	st, err := stores.Store(ctx, role)
	if err != nil {
		e.log.Warn("open store failed", zap.String("role", string(role)), zap.Error(err))
		return nil
	}
	return st
}

func (e *Engine) match(ctx context.Context, st store.Store, key string) (store.Entry, bool) {
	if st == nil {
		return store.Entry{}, false
	}
	ent, ok, err := st.Match(ctx, key)
	if err != nil {
		e.log.Warn("cache match failed", zap.String("store", st.Name().String()), zap.String("key", key), zap.Error(err))
		return store.Entry{}, false
	}
	return ent, ok
}

// put stores successful responses; everything else is left alone.
func (e *Engine) put(ctx context.Context, st store.Store, key string, resp *fetch.Response) {
	if st == nil || !resp.OK() || resp.NoStore() {
		return
	}
	ent := store.NewEntry(key, resp.Status, resp.Header, resp.Body, e.now())
	if err := st.Put(ctx, key, ent); err != nil && !errors.Is(err, store.ErrTooLarge) {
		e.log.Warn("cache put failed", zap.String("store", st.Name().String()), zap.String("key", key), zap.Error(err))
	}
}

func fromEntry(ent store.Entry) *fetch.Response {
	return &fetch.Response{
		Status: ent.Status,
		Header: ent.Header.Clone(),
		Body:   ent.Body,
	}
}
