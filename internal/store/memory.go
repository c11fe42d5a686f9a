package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/logging"
)

type itemKey struct {
	name Name
	key  string
}

type ramItem struct {
	id   itemKey
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// Memory is the RAM tier: every store shares one byte budget and the least
// recently used entries are evicted first, static ones last.
type Memory struct {
	maxBytes int64
	overflow *logging.RateLimited

	mu     sync.Mutex
	stores map[Name]struct{}
	items  map[itemKey]*ramItem
	head   *ramItem
	tail   *ramItem
	total  int64
}

// NewMemory returns a RAM backend. maxBytes <= 0 means unbounded.
func NewMemory(maxBytes int64, log *zap.Logger) *Memory {
	return &Memory{
		maxBytes: maxBytes,
		overflow: logging.NewRateLimited(logging.OrNop(log).With(zap.String("component", "store.memory")), time.Minute),
		stores:   map[Name]struct{}{},
		items:    map[itemKey]*ramItem{},
	}
}

func (m *Memory) Open(_ context.Context, name Name) (Store, error) {
	m.mu.Lock()
	m.stores[name] = struct{}{}
	m.mu.Unlock()
	return &memStore{m: m, name: name}, nil
}

func (m *Memory) DeleteStore(_ context.Context, name Name) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	for id, it := range m.items {
		if id.name == name {
			m.unlinkLocked(it)
		}
	}
	return ok, nil
}

func (m *Memory) ListStoreNames(_ context.Context) ([]Name, error) {
	m.mu.Lock()
	out := make([]Name, 0, len(m.stores))
	for n := range m.stores {
		out = append(out, n)
	}
	m.mu.Unlock()
	sortNames(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

// TotalSize is the number of bytes currently held.
func (m *Memory) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Memory) match(id itemKey) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Entry{}, false
	}
	m.moveToFront(it)
	return it.ent, true
}

func (m *Memory) put(id itemKey, ent Entry) error {
	sz := ent.size()
	if m.maxBytes > 0 && sz > m.maxBytes {
		m.overflow.Warn("entry larger than RAM budget", zap.String("key", id.key), zap.Int64("size", sz))
		return ErrTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A handle may outlive DeleteStore; writes through it are dropped so a
	// deleted generation never reappears.
	if _, ok := m.stores[id.name]; !ok {
		return nil
	}

	if it, ok := m.items[id]; ok {
		m.total += sz - it.size
		it.ent = ent
		it.size = sz
		m.moveToFront(it)
	} else {
		it := &ramItem{id: id, ent: ent, size: sz}
		m.items[id] = it
		m.addToFront(it)
		m.total += sz
	}

	for m.maxBytes > 0 && m.total > m.maxBytes {
		victim := m.victimLocked(id)
		if victim == nil {
			break
		}
		m.unlinkLocked(victim)
	}
	return nil
}

func (m *Memory) delete(id itemKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		m.unlinkLocked(it)
	}
}

// victimLocked picks the least recently used entry, preferring non-static
// roles, and never the entry that was just written.
func (m *Memory) victimLocked(keep itemKey) *ramItem {
	var fallback *ramItem
	for it := m.tail; it != nil; it = it.prev {
		if it.id == keep {
			continue
		}
		if it.id.name.Role != RoleStatic {
			return it
		}
		if fallback == nil {
			fallback = it
		}
	}
	return fallback
}

func (m *Memory) unlinkLocked(it *ramItem) {
	m.remove(it)
	delete(m.items, it.id)
	m.total -= it.size
}

func (m *Memory) addToFront(it *ramItem) {
	it.prev = nil
	it.next = m.head
	if m.head != nil {
		m.head.prev = it
	}
	m.head = it
	if m.tail == nil {
		m.tail = it
	}
}

func (m *Memory) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		m.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		m.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (m *Memory) moveToFront(it *ramItem) {
	if m.head == it {
		return
	}
	m.remove(it)
	m.addToFront(it)
}

type memStore struct {
	m    *Memory
	name Name
}

func (s *memStore) Name() Name { return s.name }

func (s *memStore) Match(_ context.Context, key string) (Entry, bool, error) {
	ent, ok := s.m.match(itemKey{name: s.name, key: key})
	return ent, ok, nil
}

func (s *memStore) Put(_ context.Context, key string, e Entry) error {
	if err := checkEntry(e); err != nil {
		return err
	}
	e.Key = key
	return s.m.put(itemKey{name: s.name, key: key}, e)
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.m.delete(itemKey{name: s.name, key: key})
	return nil
}
