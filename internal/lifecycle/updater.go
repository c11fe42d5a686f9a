package lifecycle

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/logging"
)

// Installer is the part of Controller the updater drives.
type Installer interface {
	LatestVersion() int
	Install(ctx context.Context, m Manifest) (*Worker, error)
}

// Updater polls a remote manifest and installs versions newer than the
// latest one known.
type Updater struct {
	url    string
	client *http.Client
	ctrl   Installer
	log    *zap.Logger

	// mu keeps a forced check and the periodic one from overlapping.
	mu sync.Mutex
}

func NewUpdater(manifestURL string, client *http.Client, ctrl Installer, log *zap.Logger) *Updater {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Updater{
		url:    manifestURL,
		client: client,
		ctrl:   ctrl,
		log:    logging.OrNop(log).With(zap.String("component", "updater")),
	}
}

// CheckForUpdates fetches the manifest and installs it if it is newer.
func (u *Updater) CheckForUpdates(ctx context.Context) (bool, error) {
	if u.url == "" {
		return false, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	m, err := u.FetchManifest(ctx)
	if err != nil {
		return false, err
	}
	latest := u.ctrl.LatestVersion()
	if m.Version <= latest {
		u.log.Debug("manifest unchanged", zap.Int("version", m.Version), zap.Int("latest", latest))
		return false, nil
	}
	u.log.Info("new version found", zap.Int("version", m.Version), zap.Int("latest", latest))
	if _, err := u.ctrl.Install(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

// Run checks every interval until ctx is done.
func (u *Updater) Run(ctx context.Context, every time.Duration) {
	if u.url == "" || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if _, err := u.CheckForUpdates(cctx); err != nil && ctx.Err() == nil {
				u.log.Warn("update check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// FetchManifest downloads and decodes the manifest. Gzip bodies are
// accepted whether or not the server labels them.
func (u *Updater) FetchManifest(ctx context.Context) (Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return Manifest{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := u.client.Do(req)
	if err != nil {
		return Manifest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Manifest{}, fmt.Errorf("manifest: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Manifest{}, err
	}
	if strings.HasSuffix(strings.ToLower(u.url), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	if m.Version <= 0 {
		return Manifest{}, fmt.Errorf("manifest: invalid version %d", m.Version)
	}
	paths := m.Paths[:0]
	for _, p := range m.Paths {
		if p = pathFromLoc(p); p != "" {
			paths = append(paths, p)
		}
	}
	m.Paths = paths
	return m, nil
}

// pathFromLoc reduces an absolute or relative location to a path with query.
func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
