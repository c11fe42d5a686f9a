// Package bridge carries lifecycle and connectivity events out to the
// running application and its commands back in.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/fetch"
	"offline0/internal/logging"
)

type EventType string

const (
	EventUpdateAvailable  EventType = "update-available"
	EventOffline          EventType = "offline"
	EventOnline           EventType = "online"
	EventInstalled        EventType = "installed"
	EventControllerChange EventType = "controllerchange"
	EventNotification     EventType = "notification"
)

type Event struct {
	Type         EventType     `json:"type"`
	Version      int           `json:"version,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	At           time.Time     `json:"at"`
}

// Lifecycle is the part of the version manager the bridge drives.
type Lifecycle interface {
	SkipWaiting(ctx context.Context) error
	ActiveVersion() int
	StoreNames(ctx context.Context) ([]string, error)
}

// Checker forces an out-of-band manifest check; found reports whether a
// newer version was installed.
type Checker interface {
	CheckForUpdates(ctx context.Context) (found bool, err error)
}

type Options struct {
	// Buffer is the per-subscriber channel size.
	Buffer  int
	AppName string
	Logger  *zap.Logger
	Now     func() time.Time
}

type Bridge struct {
	buffer  int
	appName string
	log     *zap.Logger
	now     func() time.Time

	mu            sync.Mutex
	subs          map[int]chan Event
	nextSub       int
	online        bool
	updateWaiting bool
	controller    int
	standalone    bool
	onOnline      []func()
	lc            Lifecycle
	checker       Checker
}

func New(opts Options) *Bridge {
	buf := opts.Buffer
	if buf <= 0 {
		buf = 16
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		buffer:  buf,
		appName: opts.AppName,
		log:     logging.OrNop(opts.Logger).With(zap.String("component", "bridge")),
		now:     now,
		subs:    map[int]chan Event{},
		online:  true,
	}
}

// Attach wires the command targets. It is separate from New because the
// lifecycle controller itself publishes through the bridge.
func (b *Bridge) Attach(lc Lifecycle, checker Checker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lc = lc
	b.checker = checker
}

// OnOnline registers fn to run on every offline to online transition.
func (b *Bridge) OnOnline(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOnline = append(b.onOnline, fn)
}

// Subscribe returns a channel of future events. A subscriber that falls
// behind loses events; it never blocks the publisher.
func (b *Bridge) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bridge) publish(e Event) {
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Debug("subscriber behind, event dropped", zap.Int("subscriber", id), zap.String("event", string(e.Type)))
		}
	}
}

// ObserveNetwork records a network outcome. Success means online; an error
// wrapping fetch.ErrNetwork means offline; anything else is ignored.
func (b *Bridge) ObserveNetwork(err error) {
	var online bool
	switch {
	case err == nil:
		online = true
	case errors.Is(err, fetch.ErrNetwork):
		online = false
	default:
		return
	}

	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return
	}
	b.online = online
	hooks := append([]func(){}, b.onOnline...)
	b.mu.Unlock()

	if online {
		b.log.Info("connectivity restored")
		b.publish(Event{Type: EventOnline})
		for _, fn := range hooks {
			fn()
		}
		return
	}
	b.log.Info("connectivity lost", zap.Error(err))
	b.publish(Event{Type: EventOffline})
}

func (b *Bridge) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// UpdateAvailable announces an installed version waiting to activate.
func (b *Bridge) UpdateAvailable(version int) {
	b.mu.Lock()
	b.updateWaiting = true
	b.mu.Unlock()
	b.publish(Event{Type: EventUpdateAvailable, Version: version})
}

// ControllerChanged announces that version now controls requests. It fires
// once per version so pages reload exactly once.
func (b *Bridge) ControllerChanged(version int) {
	b.mu.Lock()
	if b.controller == version {
		b.mu.Unlock()
		return
	}
	first := b.controller == 0
	b.controller = version
	b.updateWaiting = false
	b.mu.Unlock()
	if first {
		// Boot activation; there is no prior controller to hand off from.
		return
	}
	b.publish(Event{Type: EventControllerChange, Version: version})
}

func (b *Bridge) UpdateWaiting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateWaiting
}

// MarkInstalled records that the app runs in an installed, standalone
// context. The event fires once.
func (b *Bridge) MarkInstalled() {
	b.mu.Lock()
	if b.standalone {
		b.mu.Unlock()
		return
	}
	b.standalone = true
	b.mu.Unlock()
	b.publish(Event{Type: EventInstalled})
}

func (b *Bridge) Installed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.standalone
}

var ErrNotAttached = errors.New("bridge: lifecycle not attached")

// ApplyUpdate activates the waiting version, if any.
func (b *Bridge) ApplyUpdate(ctx context.Context) error {
	b.mu.Lock()
	lc := b.lc
	b.mu.Unlock()
	if lc == nil {
		return ErrNotAttached
	}
	return lc.SkipWaiting(ctx)
}

// CheckForUpdates forces a manifest re-fetch.
func (b *Bridge) CheckForUpdates(ctx context.Context) (bool, error) {
	b.mu.Lock()
	c := b.checker
	b.mu.Unlock()
	if c == nil {
		return false, nil
	}
	return c.CheckForUpdates(ctx)
}

// Notify publishes a rendered push notification.
func (b *Bridge) Notify(n Notification) {
	b.publish(Event{Type: EventNotification, Notification: &n})
}

type CommandType string

const (
	CmdSkipWaiting     CommandType = "SKIP_WAITING"
	CmdGetVersion      CommandType = "GET_VERSION"
	CmdCheckForUpdates CommandType = "CHECK_FOR_UPDATES"
	CmdAppInstalled    CommandType = "APP_INSTALLED"
)

type Command struct {
	Type CommandType `json:"type"`
}

type Reply struct {
	Type          CommandType `json:"type"`
	OK            bool        `json:"ok"`
	Version       int         `json:"version,omitempty"`
	Stores        []string    `json:"stores,omitempty"`
	UpdateWaiting bool        `json:"updateWaiting"`
	UpdateFound   bool        `json:"updateFound,omitempty"`
	Online        bool        `json:"online"`
}

var ErrUnknownCommand = errors.New("unknown command")

// Handle executes one application command.
func (b *Bridge) Handle(ctx context.Context, cmd Command) (Reply, error) {
	r := Reply{Type: cmd.Type}
	switch cmd.Type {
	case CmdSkipWaiting:
		if err := b.ApplyUpdate(ctx); err != nil {
			return r, err
		}
	case CmdGetVersion:
		b.mu.Lock()
		lc := b.lc
		b.mu.Unlock()
		if lc == nil {
			return r, ErrNotAttached
		}
		names, err := lc.StoreNames(ctx)
		if err != nil {
			return r, err
		}
		r.Version = lc.ActiveVersion()
		r.Stores = names
	case CmdCheckForUpdates:
		found, err := b.CheckForUpdates(ctx)
		if err != nil {
			return r, err
		}
		r.UpdateFound = found
	case CmdAppInstalled:
		b.MarkInstalled()
	default:
		return r, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	r.OK = true
	r.UpdateWaiting = b.UpdateWaiting()
	r.Online = b.Online()
	return r, nil
}
