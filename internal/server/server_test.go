package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/bridge"
	"offline0/internal/config"
	"offline0/internal/fetch"
	"offline0/internal/lifecycle"
	"offline0/internal/store"
	"offline0/internal/strategy"
	"offline0/internal/syncq"
)

// shop is a fake storefront origin that can be taken offline.
type shop struct {
	srv    *httptest.Server
	down   atomic.Bool
	reject atomic.Bool

	mu    sync.Mutex
	posts []string
}

func newShop(t *testing.T) *shop {
	s := &shop{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			if s.reject.Load() {
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			b, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.posts = append(s.posts, r.Method+" "+r.URL.Path+" "+string(b))
			s.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ".woff2"):
			w.Header().Set("Content-Type", "font/woff2")
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
		default:
			w.Header().Set("Content-Type", "text/html")
		}
		_, _ = io.WriteString(w, "page "+r.URL.Path)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *shop) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.posts...)
}

type harness struct {
	shop   *shop
	bridge *bridge.Bridge
	sync   *syncq.Manager
	stats  *Stats
	ts     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte("server:\n  origin: http://shop.local\n"))
	require.NoError(t, err)

	h := &harness{shop: newShop(t), stats: NewStats()}
	origin, err := fetch.NewOrigin(h.shop.srv.URL, h.shop.srv.Client())
	require.NoError(t, err)
	net := fetch.FetcherFunc(func(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
		if h.shop.down.Load() {
			return nil, fetch.ErrNetwork
		}
		return origin.Fetch(ctx, req)
	})

	h.bridge = bridge.New(bridge.Options{AppName: cfg.Push.AppName})
	engine := strategy.NewEngine(strategy.NewClassifier(cfg.Routing.APIMatcher), net, strategy.Options{
		NetworkTimeout: time.Second,
		OfflinePage:    cfg.Precache.OfflinePage,
		Observer:       h.bridge,
	})
	t.Cleanup(engine.Wait)
	ctrl := lifecycle.NewController(store.NewMemory(0, nil), net, engine, lifecycle.Options{
		SkipWaiting: true,
		OfflinePage: cfg.Precache.OfflinePage,
		Notifier:    h.bridge,
	})
	h.sync = syncq.NewManager(syncq.NewMemory(), net, syncq.Options{Tags: cfg.Tags(), MaxPending: cfg.Sync.MaxPending})
	h.bridge.Attach(ctrl, nil)

	require.NoError(t, ctrl.Start(context.Background(), lifecycle.Manifest{Version: cfg.Version, Paths: cfg.Precache.Paths}))

	srv := New(Options{
		Fetcher:    ctrl,
		Sync:       h.sync,
		SyncRoutes: cfg.Sync.Routes,
		Bridge:     h.bridge,
		AppName:    cfg.Push.AppName,
		ClickPaths: bridge.ClickPaths{Order: cfg.Push.OrderPath, Product: cfg.Push.ProductPath},
		Stats:      h.stats,
		Heartbeat:  50 * time.Millisecond,
	})
	h.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, hdr map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestInterceptServesThroughStrategies(t *testing.T) {
	h := newHarness(t)
	font := map[string]string{"Sec-Fetch-Dest": "font"}

	resp, body := h.do(t, http.MethodGet, "/fonts/brand.woff2", "", font)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "network", resp.Header.Get("X-Offline0"))
	assert.Equal(t, "page /fonts/brand.woff2", body)
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "X-Offline0")

	resp, _ = h.do(t, http.MethodGet, "/fonts/brand.woff2", "", font)
	assert.Equal(t, "hit", resp.Header.Get("X-Offline0"))

	snap := h.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.BySource[strategy.SourceHit])
	assert.Equal(t, uint64(1), snap.BySource[strategy.SourceNetwork])
}

func TestOfflineNavigationAndAPIFallback(t *testing.T) {
	h := newHarness(t)
	_, _ = h.do(t, http.MethodGet, "/api/orders.php", "", nil)

	h.shop.down.Store(true)
	resp, body := h.do(t, http.MethodGet, "/api/orders.php", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fallback-cache", resp.Header.Get("X-Offline0"))
	assert.Equal(t, "page /api/orders.php", body)

	resp, body = h.do(t, http.MethodGet, "/catalog.html", "", map[string]string{"Accept": "text/html"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "offline-page", resp.Header.Get("X-Offline0"))
	assert.Equal(t, "page /offline.html", body)
	assert.False(t, h.bridge.Online())

	resp, _ = h.do(t, http.MethodGet, "/api/never.php", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad-gateway", resp.Header.Get("X-Offline0"))
}

func TestOfflineMutationIsQueuedAndReplayed(t *testing.T) {
	h := newHarness(t)
	h.shop.down.Store(true)

	resp, body := h.do(t, http.MethodPost, "/api/cart.php", `{"add":1}`, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var q struct {
		Queued bool   `json:"queued"`
		Tag    string `json:"tag"`
		ID     string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &q))
	assert.True(t, q.Queued)
	assert.Equal(t, "cart-sync", q.Tag)
	assert.NotEmpty(t, q.ID)

	_, _ = h.do(t, http.MethodPost, "/api/cart.php", `{"add":2}`, nil)

	resp, body = h.do(t, http.MethodGet, "/__offline0/sync/cart-sync", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, q.ID)

	resp, _ = h.do(t, http.MethodPost, "/api/profile.php", `{}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, "unrouted mutations are not queued")

	h.shop.down.Store(false)
	resp, body = h.do(t, http.MethodPost, "/__offline0/sync/cart-sync", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res syncq.DrainResult
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, 2, res.Replayed)
	assert.Zero(t, res.Pending)
	assert.Equal(t, []string{`POST /api/cart.php {"add":1}`, `POST /api/cart.php {"add":2}`}, h.shop.received())

	resp, _ = h.do(t, http.MethodPost, "/__offline0/sync/wishlist", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectedMutationStaysQueuedUntilDiscarded(t *testing.T) {
	h := newHarness(t)
	h.shop.down.Store(true)

	resp, body := h.do(t, http.MethodPost, "/api/orders.php", `{"order":1}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var q struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &q))

	// Back online, but the order endpoint now refuses the stale order.
	h.shop.down.Store(false)
	h.shop.reject.Store(true)
	resp, body = h.do(t, http.MethodPost, "/__offline0/sync/order-sync", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res syncq.DrainResult
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Zero(t, res.Replayed)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, "status 422", res.Stopped)

	resp, _ = h.do(t, http.MethodDelete, "/__offline0/sync/order-sync/"+q.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, "/__offline0/sync/order-sync/"+q.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = h.do(t, http.MethodGet, "/__offline0/sync/order-sync", "", nil)
	assert.NotContains(t, body, q.ID)
}

func TestMessageCommands(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/__offline0/message", `{"type":"GET_VERSION"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply bridge.Reply
	require.NoError(t, json.Unmarshal([]byte(body), &reply))
	assert.Equal(t, 1, reply.Version)
	assert.Contains(t, reply.Stores, "static-v1")

	resp, _ = h.do(t, http.MethodPost, "/__offline0/message", `{"type":"SKIP_WAITING"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/__offline0/message", `{"type":"DANCE"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/__offline0/message", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/__offline0/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPushAndClick(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/__offline0/push", `{"body":"Shipped","data":{"orderId":"A12"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var n bridge.Notification
	require.NoError(t, json.Unmarshal([]byte(body), &n))
	assert.Equal(t, "FlexPack", n.Title)
	assert.Equal(t, "/track-order.html?order=A12", n.URL)

	resp, body = h.do(t, http.MethodPost, "/__offline0/notificationclick", `{"data":{"productId":"9"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"url":"/product.html?id=9"}`, body)

	resp, _ = h.do(t, http.MethodPost, "/__offline0/push", ``, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/__offline0/events", nil)
	require.NoError(t, err)
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	_, _ = h.do(t, http.MethodPost, "/__offline0/push", `{"title":"Sale"}`, nil)

	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		if line == "event: notification\n" {
			data, err := rd.ReadString('\n')
			require.NoError(t, err)
			assert.Contains(t, data, `"title":"Sale"`)
			return
		}
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","online":true,"updateWaiting":false}`, body)
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, "X-Offline0", h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag", "x-offline0"}}
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, []string{"ETag", "x-offline0"}, h.Values("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag"}}
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, "ETag, X-Offline0", h.Get("Access-Control-Expose-Headers"))
}
