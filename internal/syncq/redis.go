package syncq

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Each element is "<id>|<json>" so the head can be matched by ID in Lua.
var removeHeadScript = redis.NewScript(`
local head = redis.call("LINDEX", KEYS[1], 0)
if head and string.sub(head, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
	redis.call("LPOP", KEYS[1])
	return 1
end
return 0
`)

var discardScript = redis.NewScript(`
local elems = redis.call("LRANGE", KEYS[1], 0, -1)
local p = ARGV[1] .. "|"
for _, e in ipairs(elems) do
	if string.sub(e, 1, string.len(p)) == p then
		return redis.call("LREM", KEYS[1], 1, e)
	end
end
return 0
`)

// Redis keeps one list per tag, shared by every replica.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (q *Redis) key(tag string) string {
	return q.prefix + "queue:" + tag
}

func (q *Redis) Push(ctx context.Context, op PendingOperation, max int) (int, error) {
	b, err := encodeOp(op)
	if err != nil {
		return 0, err
	}
	key := q.key(op.Tag)
	var n *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		n = p.RPush(ctx, key, op.ID+"|"+string(b))
		if max > 0 {
			p.LTrim(ctx, key, int64(-max), -1)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if max > 0 && n.Val() > int64(max) {
		return int(n.Val()) - max, nil
	}
	return 0, nil
}

func decodeElem(s string) (PendingOperation, error) {
	_, body, ok := strings.Cut(s, "|")
	if !ok {
		return PendingOperation{}, errors.New("malformed queue element")
	}
	return decodeOp([]byte(body))
}

func (q *Redis) Peek(ctx context.Context, tag string) (PendingOperation, bool, error) {
	s, err := q.client.LIndex(ctx, q.key(tag), 0).Result()
	if errors.Is(err, redis.Nil) {
		return PendingOperation{}, false, nil
	}
	if err != nil {
		return PendingOperation{}, false, err
	}
	op, err := decodeElem(s)
	if err != nil {
		return PendingOperation{}, false, err
	}
	return op, true, nil
}

func (q *Redis) Remove(ctx context.Context, tag, id string) error {
	return removeHeadScript.Run(ctx, q.client, []string{q.key(tag)}, id).Err()
}

func (q *Redis) Discard(ctx context.Context, tag, id string) (bool, error) {
	n, err := discardScript.Run(ctx, q.client, []string{q.key(tag)}, id).Int()
	return n > 0, err
}

func (q *Redis) List(ctx context.Context, tag string) ([]PendingOperation, error) {
	elems, err := q.client.LRange(ctx, q.key(tag), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingOperation, 0, len(elems))
	for _, s := range elems {
		op, err := decodeElem(s)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// Close leaves the client open; it is owned by the caller.
func (q *Redis) Close() error { return nil }
