package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"offline0/internal/logging"
)

// Key layout:
//
//	n:<store>            store marker
//	e:<store>\x00<key>   gob Entry
//	m:<store>\x00<key>   gob diskMeta
const (
	markerPrefix = "n:"
	entryPrefix  = "e:"
	metaPrefix   = "m:"
	keySep       = "\x00"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

// LevelDB is the durable tier. When the total size exceeds maxBytes the
// least recently used tenth of non-static entries is evicted.
type LevelDB struct {
	maxBytes int64
	db       *leveldb.DB
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	stores    map[Name]struct{}
	index     map[string]diskMeta
	totalSize int64
}

func OpenLevelDB(path string, maxBytes int64, log *zap.Logger) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &LevelDB{
		maxBytes: maxBytes,
		db:       db,
		log:      logging.OrNop(log).With(zap.String("component", "store.leveldb")),
		now:      time.Now,
		stores:   map[Name]struct{}{},
		index:    map[string]diskMeta{},
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(markerPrefix)), nil)
	for it.Next() {
		if n, ok := ParseName(string(bytes.TrimPrefix(it.Key(), []byte(markerPrefix)))); ok {
			d.stores[n] = struct{}{}
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = d.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		d.index[string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))] = meta
		d.totalSize += meta.Size
	}
	return it.Error()
}

func (d *LevelDB) Open(_ context.Context, name Name) (Store, error) {
	d.mu.Lock()
	_, exists := d.stores[name]
	d.stores[name] = struct{}{}
	d.mu.Unlock()
	if !exists {
		if err := d.db.Put([]byte(markerPrefix+name.String()), nil, nil); err != nil {
			return nil, err
		}
	}
	return &diskStore{d: d, name: name}, nil
}

func (d *LevelDB) DeleteStore(_ context.Context, name Name) (bool, error) {
	d.mu.Lock()
	_, existed := d.stores[name]
	delete(d.stores, name)
	d.mu.Unlock()

	prefix := name.String() + keySep
	batch := new(leveldb.Batch)
	batch.Delete([]byte(markerPrefix + name.String()))
	for _, p := range []string{entryPrefix, metaPrefix} {
		it := d.db.NewIterator(util.BytesPrefix([]byte(p+prefix)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return existed, err
		}
	}
	if err := d.db.Write(batch, nil); err != nil {
		return existed, err
	}

	d.mu.Lock()
	for k, meta := range d.index {
		if strings.HasPrefix(k, prefix) {
			d.totalSize -= meta.Size
			delete(d.index, k)
		}
	}
	d.mu.Unlock()
	return existed, nil
}

func (d *LevelDB) ListStoreNames(_ context.Context) ([]Name, error) {
	d.mu.Lock()
	out := make([]Name, 0, len(d.stores))
	for n := range d.stores {
		out = append(out, n)
	}
	d.mu.Unlock()
	sortNames(out)
	return out, nil
}

func (d *LevelDB) Close() error { return d.db.Close() }

func (d *LevelDB) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *LevelDB) get(name Name, key string) (Entry, bool, error) {
	id := name.String() + keySep + key
	b, err := d.db.Get([]byte(entryPrefix+id), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}

	d.mu.Lock()
	if meta, ok := d.index[id]; ok {
		meta.LastAccess = d.now().Unix()
		d.index[id] = meta
	}
	d.mu.Unlock()
	return ent, true, nil
}

func (d *LevelDB) put(name Name, key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	id := name.String() + keySep + key
	meta := diskMeta{Size: int64(len(b)), LastAccess: d.now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if _, ok := d.stores[name]; !ok {
		d.mu.Unlock()
		return nil
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+id), b)
	batch.Put([]byte(metaPrefix+id), mb)
	// Written under the lock so DeleteStore cannot interleave and leave an
	// orphan entry behind.
	if err := d.db.Write(batch, nil); err != nil {
		d.mu.Unlock()
		return err
	}
	d.totalSize += meta.Size - d.index[id].Size
	d.index[id] = meta
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
	return nil
}

func (d *LevelDB) delete(name Name, key string) error {
	id := name.String() + keySep + key
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + id))
	batch.Delete([]byte(metaPrefix + id))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	d.mu.Lock()
	if meta, ok := d.index[id]; ok {
		d.totalSize -= meta.Size
		delete(d.index, id)
	}
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) evictSome() {
	type item struct {
		id   string
		meta diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for id, m := range d.index {
		storeName := id[:strings.Index(id, keySep)]
		if n, ok := ParseName(storeName); ok && n.Role == RoleStatic {
			continue
		}
		items = append(items, item{id, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].meta.LastAccess < items[j].meta.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		sep := strings.Index(items[i].id, keySep)
		name, _ := ParseName(items[i].id[:sep])
		if err := d.delete(name, items[i].id[sep+1:]); err != nil {
			d.log.Warn("evict failed", zap.String("id", items[i].id), zap.Error(err))
		}
	}
	d.log.Debug("evicted entries", zap.Int("count", n), zap.Int64("total", d.TotalSize()))
}

type diskStore struct {
	d    *LevelDB
	name Name
}

func (s *diskStore) Name() Name { return s.name }

func (s *diskStore) Match(_ context.Context, key string) (Entry, bool, error) {
	return s.d.get(s.name, key)
}

func (s *diskStore) Put(_ context.Context, key string, e Entry) error {
	if err := checkEntry(e); err != nil {
		return err
	}
	e.Key = key
	return s.d.put(s.name, key, e)
}

func (s *diskStore) Delete(_ context.Context, key string) error {
	return s.d.delete(s.name, key)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
