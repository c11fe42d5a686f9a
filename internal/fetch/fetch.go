// Package fetch models the requests the offline layer intercepts and the
// network leg that satisfies them.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Destination is the resource kind a request is for (Sec-Fetch-Dest).
type Destination string

const (
	DestEmpty    Destination = ""
	DestDocument Destination = "document"
	DestImage    Destination = "image"
	DestFont     Destination = "font"
	DestStyle    Destination = "style"
	DestScript   Destination = "script"
	DestManifest Destination = "manifest"
)

// Mode mirrors Sec-Fetch-Mode; only navigate matters for routing.
type Mode string

const (
	ModeNavigate Mode = "navigate"
	ModeCORS     Mode = "cors"
	ModeNoCORS   Mode = "no-cors"
)

type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination Destination
	Mode        Mode
}

// ParseRequest builds a request for rawURL.
func ParseRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url %q: %w", rawURL, err)
	}
	return &Request{Method: method, URL: u, Header: make(http.Header)}, nil
}

// NewRequest is ParseRequest for literals; it panics on an invalid URL.
func NewRequest(method, rawURL string) *Request {
	r, err := ParseRequest(method, rawURL)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate || r.Destination == DestDocument
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// NoStore reports whether the origin asked for the response not to be stored.
func (r *Response) NoStore() bool {
	if r == nil {
		return false
	}
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return strings.Contains(cc, "no-store")
}

// ErrNetwork marks failures to obtain any response at all.
var ErrNetwork = errors.New("network error")

// Fetcher performs the network leg. Implementations return an error wrapping
// ErrNetwork when no response could be obtained; any HTTP status, including
// 5xx, is a response.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
