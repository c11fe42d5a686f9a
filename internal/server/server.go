// Package server exposes the offline layer over HTTP: every request to the
// site goes through the strategy engine, and a small control surface under
// /__offline0/ carries commands, events, sync triggers and push delivery.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline0/internal/bridge"
	"offline0/internal/config"
	"offline0/internal/fetch"
	"offline0/internal/logging"
	"offline0/internal/strategy"
	"offline0/internal/syncq"
)

const (
	headerName  = "X-Offline0"
	maxBodySize = 10 << 20
	maxCmdSize  = 64 << 10
)

// Fetcher is the request path: the lifecycle controller in production.
type Fetcher interface {
	Fetch(ctx context.Context, req *fetch.Request) (strategy.Result, error)
}

type Options struct {
	Fetcher    Fetcher
	Sync       *syncq.Manager
	SyncRoutes []config.SyncRoute
	Bridge     *bridge.Bridge
	AppName    string
	ClickPaths bridge.ClickPaths
	Stats      *Stats
	Logger     *zap.Logger
	// Heartbeat is the SSE keep-alive period.
	Heartbeat time.Duration
}

type Server struct {
	fetcher    Fetcher
	sync       *syncq.Manager
	routes     []config.SyncRoute
	bridge     *bridge.Bridge
	appName    string
	clickPaths bridge.ClickPaths
	stats      *Stats
	log        *zap.Logger
	heartbeat  time.Duration
}

func New(opts Options) *Server {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = 25 * time.Second
	}
	return &Server{
		fetcher:    opts.Fetcher,
		sync:       opts.Sync,
		routes:     opts.SyncRoutes,
		bridge:     opts.Bridge,
		appName:    opts.AppName,
		clickPaths: opts.ClickPaths,
		stats:      opts.Stats,
		log:        logging.OrNop(opts.Logger).With(zap.String("component", "server")),
		heartbeat:  hb,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("POST /__offline0/message", s.message)
	mux.HandleFunc("GET /__offline0/events", s.events)
	mux.HandleFunc("POST /__offline0/sync/{tag}", s.drain)
	mux.HandleFunc("GET /__offline0/sync/{tag}", s.pending)
	mux.HandleFunc("DELETE /__offline0/sync/{tag}/{id}", s.discard)
	mux.HandleFunc("POST /__offline0/push", s.push)
	mux.HandleFunc("POST /__offline0/notificationclick", s.notificationClick)
	mux.HandleFunc("/__offline0/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	mux.HandleFunc("/", s.intercept)
	return mux
}

func (s *Server) intercept(w http.ResponseWriter, r *http.Request) {
	req, err := s.toRequest(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	res, err := s.fetcher.Fetch(r.Context(), req)
	if err != nil {
		if req.Method != http.MethodGet && errors.Is(err, fetch.ErrNetwork) {
			if tag := s.syncTag(req.URL.Path); tag != "" && s.sync != nil {
				s.capture(r.Context(), w, tag, req)
				return
			}
		}
		if r.Context().Err() == nil {
			s.log.Debug("no response", zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(err))
		}
		setOfflineHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, res.Response, string(res.Source))
	if s.stats != nil {
		s.stats.Observe(res.Source, len(res.Response.Body))
	}
}

func (s *Server) toRequest(w http.ResponseWriter, r *http.Request) (*fetch.Request, error) {
	req := &fetch.Request{
		Method: r.Method,
		URL:    &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery},
		Header: r.Header.Clone(),
	}
	req.Describe(r.Header)
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		req.Body = b
	}
	return req, nil
}

func (s *Server) syncTag(path string) string {
	for _, rt := range s.routes {
		if rt.Matches(path) {
			return rt.Tag
		}
	}
	return ""
}

type queuedReply struct {
	Queued bool   `json:"queued"`
	Tag    string `json:"tag"`
	ID     string `json:"id"`
}

func (s *Server) capture(ctx context.Context, w http.ResponseWriter, tag string, req *fetch.Request) {
	op, err := s.sync.Enqueue(ctx, tag, syncq.FromRequest(req))
	if err != nil {
		s.log.Error("enqueue failed", zap.String("tag", tag), zap.Error(err))
		setOfflineHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	setOfflineHeader(w.Header(), "queued")
	writeJSON(w, http.StatusAccepted, queuedReply{Queued: true, Tag: tag, ID: op.ID})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status        string `json:"status"`
		Online        bool   `json:"online"`
		UpdateWaiting bool   `json:"updateWaiting"`
	}
	h := health{Status: "ok", Online: true}
	if s.bridge != nil {
		h.Online = s.bridge.Online()
		h.UpdateWaiting = s.bridge.UpdateWaiting()
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	var cmd bridge.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCmdSize)).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid command")
		return
	}
	reply, err := s.bridge.Handle(r.Context(), cmd)
	switch {
	case errors.Is(err, bridge.ErrUnknownCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.Warn("command failed", zap.String("type", string(cmd.Type)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

// events streams bridge events as server-sent events until the client goes
// away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel := s.bridge.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	t := time.NewTicker(s.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	res, err := s.sync.Drain(r.Context(), r.PathValue("tag"))
	switch {
	case errors.Is(err, syncq.ErrUnknownTag):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.log.Warn("drain failed", zap.String("tag", res.Tag), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) pending(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	ops, err := s.sync.Pending(r.Context(), tag)
	switch {
	case errors.Is(err, syncq.ErrUnknownTag):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		if ops == nil {
			ops = []syncq.PendingOperation{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "pending": ops})
	}
}

func (s *Server) discard(w http.ResponseWriter, r *http.Request) {
	tag, id := r.PathValue("tag"), r.PathValue("id")
	ok, err := s.sync.Discard(r.Context(), tag, id)
	switch {
	case errors.Is(err, syncq.ErrUnknownTag):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case !ok:
		writeError(w, http.StatusNotFound, "no such operation")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "id": id, "discarded": true})
	}
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCmdSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	n, err := bridge.DecodePush(raw, s.appName, s.clickPaths)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.bridge.Notify(n)
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) notificationClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string         `json:"action"`
		Data   map[string]any `json:"data"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCmdSize)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid click")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": bridge.ClickURL(body.Data, s.clickPaths)})
}

func writeResponse(w http.ResponseWriter, resp *fetch.Response, source string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerName) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOfflineHeader(w.Header(), source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOfflineHeader(h http.Header, source string) {
	if source != "" {
		h.Set(headerName, source)
	}
	ensureExposedHeader(h, headerName)
}

// ensureExposedHeader lets browser scripts read name on CORS responses.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
