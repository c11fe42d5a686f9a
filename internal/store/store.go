// Package store holds the versioned response caches. A cache store is
// addressed by a Name (role + version) and maps canonical request keys to
// immutable response snapshots.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Role string

const (
	RoleStatic  Role = "static"
	RoleDynamic Role = "dynamic"
	RoleImage   Role = "image"
)

// KnownRoles are the roles owned by the lifecycle manager. Stores with any
// other role are never garbage collected.
var KnownRoles = []Role{RoleStatic, RoleDynamic, RoleImage}

func (r Role) Known() bool {
	for _, k := range KnownRoles {
		if r == k {
			return true
		}
	}
	return false
}

// Name identifies one store generation.
type Name struct {
	Role    Role
	Version int
}

func (n Name) String() string {
	return string(n.Role) + "-v" + strconv.Itoa(n.Version)
}

// ParseName is the inverse of Name.String.
func ParseName(s string) (Name, bool) {
	idx := strings.LastIndex(s, "-v")
	if idx <= 0 {
		return Name{}, false
	}
	v, err := strconv.Atoi(s[idx+2:])
	if err != nil || v < 0 {
		return Name{}, false
	}
	role := s[:idx]
	if strings.ContainsAny(role, "/\x00") {
		return Name{}, false
	}
	return Name{Role: Role(role), Version: v}, true
}

func sortNames(names []Name) {
	sort.Slice(names, func(i, j int) bool {
		if names[i].Role != names[j].Role {
			return names[i].Role < names[j].Role
		}
		return names[i].Version < names[j].Version
	})
}

// Entry is a stored response. Entries are never modified after Put; a newer
// response replaces the whole entry. Callers must treat Body as read-only.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

var replayHeaders = []string{
	"Content-Type",
	"Content-Encoding",
	"Content-Language",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Vary",
}

// NewEntry snapshots a response, keeping only the headers needed to replay it.
func NewEntry(key string, status int, header http.Header, body []byte, storedAt time.Time) Entry {
	h := make(http.Header, len(replayHeaders))
	for _, k := range replayHeaders {
		if vs := header.Values(k); len(vs) > 0 {
			h[k] = append([]string(nil), vs...)
		}
	}
	return Entry{
		Key:      key,
		Status:   status,
		Header:   h,
		Body:     append([]byte(nil), body...),
		StoredAt: storedAt.UTC(),
	}
}

func (e Entry) size() int64 {
	n := int64(len(e.Key) + len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Cacheable reports whether a response with this status may be stored.
func Cacheable(status int) bool {
	return status >= 200 && status < 300
}

var (
	// ErrUncacheable is returned by Put for error responses.
	ErrUncacheable = errors.New("response is not cacheable")
	// ErrTooLarge is returned when an entry exceeds a backend's budget.
	ErrTooLarge = errors.New("entry exceeds cache budget")
)

func checkEntry(e Entry) error {
	if !Cacheable(e.Status) {
		return fmt.Errorf("%w: status %d", ErrUncacheable, e.Status)
	}
	return nil
}

// RequestKey returns the canonical key for a request: upper-cased method and
// the URL without fragment, with lower-cased scheme/host and sorted query.
func RequestKey(method string, u *url.URL) string {
	m := strings.ToUpper(method)
	if m == "" {
		m = http.MethodGet
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	if c.RawQuery != "" {
		c.RawQuery = c.Query().Encode()
	}
	return m + " " + c.String()
}

// Store is one named cache.
type Store interface {
	Name() Name
	// Match returns ok=false on a miss; err is reserved for backend failures.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put replaces any entry under key. Entries with a non-2xx status are
	// rejected with ErrUncacheable.
	Put(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
}

// Backend owns the set of stores.
type Backend interface {
	// Open is idempotent: the same name always addresses the same entries.
	Open(ctx context.Context, name Name) (Store, error)
	DeleteStore(ctx context.Context, name Name) (bool, error)
	ListStoreNames(ctx context.Context) ([]Name, error)
	Close() error
}
