// Package lifecycle installs, activates and retires cache generations.
//
// A generation is the set of stores sharing one version number. Installing
// a version pre-populates its static store from a manifest; activating it
// makes it serve requests and deletes every other generation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offline0/internal/fetch"
	"offline0/internal/logging"
	"offline0/internal/store"
	"offline0/internal/strategy"
)

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Worker is one version moving through its lifecycle.
type Worker struct {
	Version int
	State   State
}

// Manifest lists the paths that must be available offline for a version.
type Manifest struct {
	Version int      `json:"version"`
	Paths   []string `json:"paths"`
}

var (
	ErrInstallFailed = errors.New("install failed")
	ErrStaleVersion  = errors.New("version is not newer than the active one")
)

// Notifier receives lifecycle transitions.
type Notifier interface {
	UpdateAvailable(version int)
	ControllerChanged(version int)
}

type Options struct {
	// Concurrency bounds parallel pre-cache fetches.
	Concurrency int
	// SkipWaiting activates a freshly installed version at once.
	SkipWaiting bool
	// OfflinePage is pre-cached by every install, listed in the manifest
	// or not.
	OfflinePage string
	Notifier    Notifier
	Logger      *zap.Logger
	Now         func() time.Time
}

type Controller struct {
	backend  store.Backend
	fetcher  fetch.Fetcher
	engine   *strategy.Engine
	conc     int
	skip     bool
	offline  string
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time

	// installMu serializes Install and activation.
	installMu sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

func NewController(backend store.Backend, fetcher fetch.Fetcher, engine *strategy.Engine, opts Options) *Controller {
	conc := opts.Concurrency
	if conc <= 0 {
		conc = 4
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		backend:  backend,
		fetcher:  fetcher,
		engine:   engine,
		conc:     conc,
		skip:     opts.SkipWaiting,
		offline:  opts.OfflinePage,
		notifier: opts.Notifier,
		log:      logging.OrNop(opts.Logger).With(zap.String("component", "lifecycle")),
		now:      now,
	}
}

// generation resolves role stores for the version a request started on.
// Once a newer version is active the request follows it, so a lookup made
// after activation never reopens a store that GC deleted.
type generation struct {
	c       *Controller
	version int
}

func (g generation) Store(ctx context.Context, role store.Role) (store.Store, error) {
	g.c.mu.RLock()
	defer g.c.mu.RUnlock()
	v := g.version
	if g.c.active != nil && g.c.active.Version > v {
		v = g.c.active.Version
	}
	return g.c.backend.Open(ctx, store.Name{Role: role, Version: v})
}

// Active returns a copy of the active worker, or nil.
func (c *Controller) Active() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil
	}
	w := *c.active
	return &w
}

// Waiting returns a copy of the installed-but-waiting worker, or nil.
func (c *Controller) Waiting() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.waiting == nil {
		return nil
	}
	w := *c.waiting
	return &w
}

// ActiveVersion is 0 when nothing is active.
func (c *Controller) ActiveVersion() int {
	if w := c.Active(); w != nil {
		return w.Version
	}
	return 0
}

// LatestVersion is the highest version installed, waiting or active.
func (c *Controller) LatestVersion() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := 0
	if c.active != nil {
		v = c.active.Version
	}
	if c.waiting != nil && c.waiting.Version > v {
		v = c.waiting.Version
	}
	return v
}

// StoreNames lists the stores of the active generation.
func (c *Controller) StoreNames(ctx context.Context) ([]string, error) {
	v := c.ActiveVersion()
	if v == 0 {
		return nil, nil
	}
	names, err := c.backend.ListStoreNames(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if n.Version == v && n.Role.Known() {
			out = append(out, n.String())
		}
	}
	return out, nil
}

// Fetch serves req from the active generation. With nothing active the
// request goes straight to the network.
func (c *Controller) Fetch(ctx context.Context, req *fetch.Request) (strategy.Result, error) {
	v := c.ActiveVersion()
	if v == 0 {
		route := c.engine.Classify(req)
		resp, err := c.fetcher.Fetch(ctx, req)
		if err != nil {
			return strategy.Result{Route: route}, fmt.Errorf("%w: %w", strategy.ErrNoResponse, err)
		}
		return strategy.Result{Response: resp, Source: strategy.SourceBypass, Route: route}, nil
	}
	return c.engine.Handle(ctx, generation{c: c, version: v}, req)
}

// Install pre-populates the static store for m.Version. Any failed path
// fails the whole install: a store created by this attempt is deleted and
// the active version is left untouched.
func (c *Controller) Install(ctx context.Context, m Manifest) (*Worker, error) {
	if m.Version <= 0 {
		return nil, fmt.Errorf("%w: invalid version %d", ErrInstallFailed, m.Version)
	}
	c.installMu.Lock()
	defer c.installMu.Unlock()

	if v := c.ActiveVersion(); v != 0 && m.Version <= v {
		return nil, fmt.Errorf("%w: %d <= %d", ErrStaleVersion, m.Version, v)
	}

	paths := withPath(m.Paths, c.offline)
	w := &Worker{Version: m.Version, State: StateInstalling}
	log := c.log.With(zap.Int("version", m.Version))
	log.Info("installing", zap.Int("paths", len(paths)))
	start := c.now()

	name := store.Name{Role: store.RoleStatic, Version: m.Version}
	existed, err := c.hasStore(ctx, name)
	if err != nil {
		w.State = StateRedundant
		return w, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	static, err := c.backend.Open(ctx, name)
	if err != nil {
		w.State = StateRedundant
		return w, fmt.Errorf("%w: open %s: %w", ErrInstallFailed, name, err)
	}

	if err := c.precache(ctx, static, paths); err != nil {
		w.State = StateRedundant
		if !existed {
			if _, derr := c.backend.DeleteStore(context.WithoutCancel(ctx), name); derr != nil {
				log.Warn("cleanup of failed install", zap.Error(derr))
			}
		}
		log.Error("install failed", zap.Error(err))
		return w, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.State = StateInstalled
	log.Info("installed", zap.Duration("took", c.now().Sub(start)))

	c.mu.Lock()
	hasActive := c.active != nil
	if c.waiting != nil {
		c.waiting.State = StateRedundant
	}
	c.waiting = w
	c.mu.Unlock()

	if hasActive && c.notifier != nil {
		c.notifier.UpdateAvailable(w.Version)
	}
	var actErr error
	if c.skip || !hasActive {
		actErr = c.activateLocked(ctx)
	}
	c.mu.RLock()
	out := *w
	c.mu.RUnlock()
	return &out, actErr
}

func withPath(paths []string, p string) []string {
	if p == "" || slices.Contains(paths, p) {
		return paths
	}
	return append(slices.Clip(paths), p)
}

func (c *Controller) hasStore(ctx context.Context, name store.Name) (bool, error) {
	names, err := c.backend.ListStoreNames(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (c *Controller) precache(ctx context.Context, static store.Store, paths []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.conc)
	for _, p := range paths {
		g.Go(func() error {
			req, err := fetch.ParseRequest(http.MethodGet, p)
			if err != nil {
				return err
			}
			req.Destination = fetch.DestinationFromPath(req.URL.Path)
			resp, err := c.fetcher.Fetch(ctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%s: status %d", p, resp.Status)
			}
			key := store.RequestKey(http.MethodGet, req.URL)
			if err := static.Put(ctx, key, store.NewEntry(key, resp.Status, resp.Header, resp.Body, c.now())); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// SkipWaiting activates the waiting version. It is a no-op when nothing is
// waiting.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.installMu.Lock()
	defer c.installMu.Unlock()
	return c.activateLocked(ctx)
}

// activateLocked promotes the waiting worker, deletes every other
// generation of the known roles and claims the clients. installMu must be
// held.
func (c *Controller) activateLocked(ctx context.Context) error {
	c.mu.Lock()
	w := c.waiting
	if w == nil {
		c.mu.Unlock()
		return nil
	}
	prev := c.active
	if prev != nil {
		prev.State = StateRedundant
	}
	w.State = StateActivated
	c.active = w
	c.waiting = nil
	c.mu.Unlock()

	// Requests resolve stores against the new version from here on, so
	// nothing reopens the generations collected below.
	gcErr := c.collect(ctx, w.Version)

	c.log.Info("activated", zap.Int("version", w.Version))
	if c.notifier != nil {
		c.notifier.ControllerChanged(w.Version)
	}
	return gcErr
}

func (c *Controller) collect(ctx context.Context, keep int) error {
	names, err := c.backend.ListStoreNames(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	var errs []error
	for _, n := range names {
		if !n.Role.Known() || n.Version == keep {
			continue
		}
		if _, err := c.backend.DeleteStore(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", n, err))
			continue
		}
		c.log.Info("deleted old store", zap.String("store", n.String()))
	}
	return errors.Join(errs...)
}

// Start installs m at boot. When that fails, the highest version with a
// surviving static store is resumed so the previous generation keeps
// serving.
func (c *Controller) Start(ctx context.Context, m Manifest) error {
	_, err := c.Install(ctx, m)
	if err == nil {
		return nil
	}
	installErr := err

	names, err := c.backend.ListStoreNames(ctx)
	if err != nil {
		return errors.Join(installErr, err)
	}
	var versions []int
	for _, n := range names {
		if n.Role == store.RoleStatic {
			versions = append(versions, n.Version)
		}
	}
	if len(versions) == 0 {
		return installErr
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	resume := versions[0]

	c.installMu.Lock()
	defer c.installMu.Unlock()
	c.mu.Lock()
	c.active = &Worker{Version: resume, State: StateActivated}
	c.mu.Unlock()
	c.log.Warn("install failed, resuming previous version",
		zap.Int("version", resume), zap.Int("failed", m.Version), zap.Error(installErr))
	if c.notifier != nil {
		c.notifier.ControllerChanged(resume)
	}
	return nil
}
