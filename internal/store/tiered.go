package store

import (
	"context"
	"errors"
)

// Tiered fronts a durable backend with a RAM backend. Reads fall through to
// the durable tier and promote hits; writes go to both, durable first.
type Tiered struct {
	l1 Backend
	l2 Backend
}

func NewTiered(l1, l2 Backend) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

func (t *Tiered) Open(ctx context.Context, name Name) (Store, error) {
	s1, err := t.l1.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	s2, err := t.l2.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &tieredStore{name: name, l1: s1, l2: s2}, nil
}

func (t *Tiered) DeleteStore(ctx context.Context, name Name) (bool, error) {
	ok2, err := t.l2.DeleteStore(ctx, name)
	if err != nil {
		return ok2, err
	}
	ok1, err := t.l1.DeleteStore(ctx, name)
	return ok1 || ok2, err
}

func (t *Tiered) ListStoreNames(ctx context.Context) ([]Name, error) {
	seen := map[Name]struct{}{}
	for _, b := range []Backend{t.l1, t.l2} {
		names, err := b.ListStoreNames(ctx)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}
	out := make([]Name, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sortNames(out)
	return out, nil
}

func (t *Tiered) Close() error {
	return errors.Join(t.l1.Close(), t.l2.Close())
}

type tieredStore struct {
	name Name
	l1   Store
	l2   Store
}

func (s *tieredStore) Name() Name { return s.name }

func (s *tieredStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	if ent, ok, err := s.l1.Match(ctx, key); err == nil && ok {
		return ent, true, nil
	}
	ent, ok, err := s.l2.Match(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	_ = s.l1.Put(ctx, key, ent)
	return ent, true, nil
}

func (s *tieredStore) Put(ctx context.Context, key string, e Entry) error {
	if err := s.l2.Put(ctx, key, e); err != nil {
		return err
	}
	if err := s.l1.Put(ctx, key, e); err != nil && !errors.Is(err, ErrTooLarge) {
		return err
	}
	return nil
}

func (s *tieredStore) Delete(ctx context.Context, key string) error {
	return errors.Join(s.l1.Delete(ctx, key), s.l2.Delete(ctx, key))
}
