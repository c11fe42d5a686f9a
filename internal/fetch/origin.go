package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Origin fetches requests from the storefront origin. Request URLs are
// resolved against the origin base, so path-only URLs work.
type Origin struct {
	base *url.URL
	http *http.Client
}

func NewOrigin(baseURL string, client *http.Client) (*Origin, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Origin{base: u, http: client}, nil
}

func (o *Origin) Fetch(ctx context.Context, r *Request) (*Response, error) {
	target := o.resolve(r.URL)

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, target.Path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	h := resp.Header.Clone()
	h.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: h, Body: b}, nil
}

func (o *Origin) resolve(u *url.URL) *url.URL {
	out := *o.base
	out.Path = strings.TrimRight(o.base.Path, "/") + u.Path
	out.RawPath = ""
	out.RawQuery = u.RawQuery
	return &out
}

var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Te":                {},
	"Trailer":           {},
	"Host":              {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
