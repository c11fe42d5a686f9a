package syncq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout: q:<tag>:<seq> with seq zero padded so keys sort in FIFO order.
const queuePrefix = "q:"

// LevelDB is a durable Queue; operations survive restarts.
type LevelDB struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	q := &LevelDB{db: db}
	if err := q.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *LevelDB) loadSeq() error {
	it := q.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer it.Release()
	for it.Next() {
		k := string(it.Key())
		idx := strings.LastIndexByte(k, ':')
		if idx < 0 {
			continue
		}
		if n, err := strconv.ParseUint(k[idx+1:], 10, 64); err == nil && n > q.seq {
			q.seq = n
		}
	}
	return it.Error()
}

func tagPrefix(tag string) []byte {
	return []byte(queuePrefix + tag + ":")
}

func (q *LevelDB) Push(_ context.Context, op PendingOperation, max int) (int, error) {
	b, err := encodeOp(op)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	key := fmt.Sprintf("%s%020d", tagPrefix(op.Tag), q.seq)

	batch := new(leveldb.Batch)
	batch.Put([]byte(key), b)

	dropped := 0
	if max > 0 {
		keys, err := q.keysLocked(op.Tag)
		if err != nil {
			return 0, err
		}
		// keys does not include the one being added.
		for over := len(keys) + 1 - max; dropped < over; dropped++ {
			batch.Delete(keys[dropped])
		}
	}
	if err := q.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return dropped, nil
}

func (q *LevelDB) keysLocked(tag string) ([][]byte, error) {
	it := q.db.NewIterator(util.BytesPrefix(tagPrefix(tag)), nil)
	defer it.Release()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	return keys, it.Error()
}

func (q *LevelDB) head(tag string) ([]byte, PendingOperation, bool, error) {
	it := q.db.NewIterator(util.BytesPrefix(tagPrefix(tag)), nil)
	defer it.Release()
	if !it.First() {
		return nil, PendingOperation{}, false, it.Error()
	}
	op, err := decodeOp(it.Value())
	if err != nil {
		return nil, PendingOperation{}, false, fmt.Errorf("decode %s: %w", it.Key(), err)
	}
	return append([]byte(nil), it.Key()...), op, true, nil
}

func (q *LevelDB) Peek(_ context.Context, tag string) (PendingOperation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, op, ok, err := q.head(tag)
	return op, ok, err
}

func (q *LevelDB) Remove(_ context.Context, tag, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, op, ok, err := q.head(tag)
	if err != nil || !ok || op.ID != id {
		return err
	}
	return q.db.Delete(key, nil)
}

func (q *LevelDB) Discard(_ context.Context, tag, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.db.NewIterator(util.BytesPrefix(tagPrefix(tag)), nil)
	defer it.Release()
	for it.Next() {
		op, err := decodeOp(it.Value())
		if err != nil || op.ID != id {
			continue
		}
		return true, q.db.Delete(append([]byte(nil), it.Key()...), nil)
	}
	return false, it.Error()
}

func (q *LevelDB) List(_ context.Context, tag string) ([]PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.db.NewIterator(util.BytesPrefix(tagPrefix(tag)), nil)
	defer it.Release()
	var out []PendingOperation
	for it.Next() {
		op, err := decodeOp(it.Value())
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		out = append(out, op)
	}
	return out, it.Error()
}

func (q *LevelDB) Close() error { return q.db.Close() }
