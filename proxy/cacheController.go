package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offline-map-cache/cache"
	"offline-map-cache/config"
)

// offlinePage is the synthesized response body for a navigation that can be
// served neither from cache nor from the network.
const offlinePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>The emergency services map is not available right now. Check your connection and reload.</p>
</body>
</html>`

// Controller decides, per GET request, whether to answer from cache, from
// the network, or both, and keeps the cache populated for offline use.
// Strategy selection follows the request's Class:
//
//	StaticAsset -> cache-first
//	MapData     -> stale-while-revalidate
//	Other       -> network-first
//
// Non-GET requests and foreign origins outside the external allow-list are
// proxied untouched and never cached.
type Controller struct {
	store      cache.Store
	classifier *Classifier
	client     *http.Client
	logger     zerolog.Logger
	stats      *Stats

	origin          *url.URL
	allowedExternal []string
	staticAssets    []string
	dataAssets      []string
	staticNS        string
	runtimeNS       string
	recognizedNS    []string

	background sync.WaitGroup
}

func NewController(cfg *config.Config, store cache.Store, logger zerolog.Logger) (*Controller, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin %q: %w", cfg.Origin, err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute URL", cfg.Origin)
	}

	return &Controller{
		store:           store,
		classifier:      NewClassifier(cfg.Assets),
		client:          &http.Client{Timeout: cfg.FetchTimeout},
		logger:          logger.With().Str("component", "controller").Logger(),
		stats:           NewStats(),
		origin:          origin,
		allowedExternal: cfg.Assets.AllowedExternal,
		staticAssets:    cfg.Assets.Static,
		dataAssets:      cfg.Assets.Data,
		staticNS:        cfg.Cache.StaticNamespace(),
		runtimeNS:       cfg.Cache.RuntimeNamespace(),
		recognizedNS:    cfg.Cache.Recognized(),
	}, nil
}

func (c *Controller) Stats() *Stats {
	return c.stats
}

// Wait blocks until every in-flight background refresh has settled. Used
// during shutdown and by tests.
func (c *Controller) Wait() {
	c.background.Wait()
}

// Handle answers a single request. The caller owns the returned response
// body and must close it.
func (c *Controller) Handle(req *http.Request) (*http.Response, error) {
	target, intercept := c.resolve(req)
	if !intercept {
		c.stats.Passthrough()
		return c.passthrough(req, target)
	}

	key := target.String()
	switch class := c.classifier.Classify(target); class {
	case StaticAsset:
		return c.cacheFirst(req, target, key)
	case MapData:
		return c.staleWhileRevalidate(req, target, key)
	case Other:
		return c.networkFirst(req, target, key)
	default:
		return nil, fmt.Errorf("unhandled class %v", class)
	}
}

// ServeHTTP adapts Handle to the server: strategy failures with no fallback
// surface as 502 to the caller.
func (c *Controller) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	resp, err := c.Handle(req)
	if err != nil {
		c.logger.Error().Err(err).Str("path", req.URL.Path).Msg("request failed with no fallback")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		c.logger.Warn().Err(err).Msg("writing response body")
	}
}

// resolve maps an incoming request to its upstream URL and reports whether
// the controller should intercept it. Non-GET requests and foreign origins
// outside the allow-list are never intercepted.
func (c *Controller) resolve(req *http.Request) (*url.URL, bool) {
	if req.URL.IsAbs() && req.URL.Host != c.origin.Host {
		for _, prefix := range c.allowedExternal {
			if strings.HasPrefix(req.URL.String(), prefix) {
				return req.URL, req.Method == http.MethodGet
			}
		}
		return req.URL, false
	}

	target := *c.origin
	target.Path = req.URL.Path
	target.RawQuery = req.URL.RawQuery
	return &target, req.Method == http.MethodGet
}

// cacheFirst serves static assets: the cached copy wins, the network fills
// misses. A failed navigation with nothing cached gets the offline page
// instead of an error.
func (c *Controller) cacheFirst(req *http.Request, target *url.URL, key string) (*http.Response, error) {
	entry, err := c.store.Get(c.staticNS, key)
	if err == nil {
		c.stats.Hit(StaticAsset)
		return localResponse(entry, "HIT"), nil
	}
	if err != cache.ErrCacheMiss {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	c.stats.Miss(StaticAsset)

	entry, err = c.fetch(req.Context(), target)
	if err != nil {
		if isNavigation(req) {
			c.logger.Warn().Err(err).Str("key", key).Msg("serving offline page")
			c.stats.OfflinePage()
			return offlineResponse(), nil
		}
		return nil, err
	}

	c.storeEntry(c.staticNS, entry)
	return localResponse(entry, "MISS"), nil
}

// staleWhileRevalidate serves map data: a cached copy is returned
// immediately while one background refresh overwrites the entry. The caller
// may see stale data on that call; the next one sees the refreshed entry.
func (c *Controller) staleWhileRevalidate(req *http.Request, target *url.URL, key string) (*http.Response, error) {
	entry, err := c.store.Get(c.runtimeNS, key)
	if err == nil {
		c.stats.Hit(MapData)

		refreshTarget := *target
		c.background.Add(1)
		go c.refresh(&refreshTarget, key)

		return localResponse(entry, "STALE"), nil
	}
	if err != cache.ErrCacheMiss {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	c.stats.Miss(MapData)

	entry, err = c.fetch(req.Context(), target)
	if err != nil {
		return nil, err
	}
	c.storeEntry(c.runtimeNS, entry)
	return localResponse(entry, "MISS"), nil
}

// networkFirst serves everything else: the network wins, the cache is the
// fallback. Only a failure on both paths reaches the caller.
func (c *Controller) networkFirst(req *http.Request, target *url.URL, key string) (*http.Response, error) {
	entry, fetchErr := c.fetch(req.Context(), target)
	if fetchErr == nil {
		c.storeEntry(c.runtimeNS, entry)
		c.stats.Miss(Other)
		return localResponse(entry, "MISS"), nil
	}

	entry, err := c.store.Get(c.runtimeNS, key)
	if err == nil {
		c.logger.Warn().Err(fetchErr).Str("key", key).Msg("network failed, serving cached copy")
		c.stats.Hit(Other)
		return localResponse(entry, "HIT"), nil
	}
	return nil, fetchErr
}

// refresh re-fetches one entry in the background. Its result only ever
// overwrites the cache; errors are logged here and go nowhere else.
func (c *Controller) refresh(target *url.URL, key string) {
	defer c.background.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("key", key).Msg("background refresh panicked")
		}
	}()

	entry, err := c.fetch(context.Background(), target)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("background refresh failed")
		return
	}
	if err := c.store.Put(c.runtimeNS, entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("background refresh store failed")
		return
	}
	c.stats.Refresh()
}

// fetch performs one upstream GET and snapshots the response. A transport
// error or a non-OK status are both fetch failures.
func (c *Controller) fetch(ctx context.Context, target *url.URL) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("received non-OK HTTP status for %s: %s", target, res.Status)
	}

	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(res.Body); err != nil {
		return nil, err
	}

	return &cache.Entry{
		Key:      target.String(),
		Status:   res.StatusCode,
		Header:   res.Header.Clone(),
		Body:     buffer.Bytes(),
		StoredAt: time.Now(),
	}, nil
}

// storeEntry writes an entry, treating storage failure as a no-op: the
// caller already holds a network response and must still get it.
func (c *Controller) storeEntry(namespace string, entry *cache.Entry) {
	if err := c.store.Put(namespace, entry); err != nil {
		c.logger.Warn().Err(err).Str("key", entry.Key).Msg("cache write failed")
	}
}

// passthrough forwards a request untouched, bypassing the cache entirely.
func (c *Controller) passthrough(req *http.Request, target *url.URL) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL = target
	out.Host = ""
	out.RequestURI = ""
	return c.client.Do(out)
}

// localResponse builds an http.Response from a cached entry.
func localResponse(entry *cache.Entry, verdict string) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Cache", verdict)

	return &http.Response{
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		StatusCode:    entry.Status,
		ContentLength: int64(len(entry.Body)),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
	}
}

func offlineResponse() *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("X-Cache", "OFFLINE")

	return &http.Response{
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		StatusCode:    http.StatusOK,
		ContentLength: int64(len(offlinePage)),
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(offlinePage)),
	}
}

// isNavigation reports whether a request is a top-level page load rather
// than a subresource fetch.
func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
