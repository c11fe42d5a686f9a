// Package syncq defers mutations made while the origin is unreachable and
// replays them, per tag and in order, once connectivity returns.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"offline0/internal/fetch"
)

const (
	TagCart  = "cart-sync"
	TagOrder = "order-sync"
)

var ErrUnknownTag = errors.New("unknown sync tag")

// PendingOperation is a captured request waiting to be replayed.
type PendingOperation struct {
	ID         string      `json:"id"`
	Tag        string      `json:"tag"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

// FromRequest captures req for later replay. ID and EnqueuedAt are filled in
// by Enqueue.
func FromRequest(req *fetch.Request) PendingOperation {
	return PendingOperation{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   append([]byte(nil), req.Body...),
	}
}

func (op PendingOperation) request() (*fetch.Request, error) {
	req, err := fetch.ParseRequest(op.Method, op.URL)
	if err != nil {
		return nil, err
	}
	req.Header = op.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Body = op.Body
	return req, nil
}

func encodeOp(op PendingOperation) ([]byte, error) {
	return json.Marshal(op)
}

func decodeOp(b []byte) (PendingOperation, error) {
	var op PendingOperation
	err := json.Unmarshal(b, &op)
	return op, err
}

// Queue is a set of per-tag FIFO queues. Push bounds each tag to max entries
// (max <= 0 means unbounded) by dropping the oldest and reports how many were
// dropped. Remove deletes the head only when its ID matches; Discard deletes
// the operation with that ID wherever it sits.
type Queue interface {
	Push(ctx context.Context, op PendingOperation, max int) (dropped int, err error)
	Peek(ctx context.Context, tag string) (PendingOperation, bool, error)
	Remove(ctx context.Context, tag, id string) error
	Discard(ctx context.Context, tag, id string) (bool, error)
	List(ctx context.Context, tag string) ([]PendingOperation, error)
	Close() error
}

func newID() string { return uuid.NewString() }
