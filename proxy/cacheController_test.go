package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-map-cache/cache"
	"offline-map-cache/config"
)

// memStore is a minimal map-backed Store double for exercising the
// controller without a real backend.
type memStore struct {
	mu         sync.Mutex
	namespaces map[string]map[string]*cache.Entry
}

func newMemStore() *memStore {
	return &memStore{namespaces: make(map[string]map[string]*cache.Entry)}
}

func (m *memStore) Get(namespace, key string) (*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.namespaces[namespace][key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return e, nil
}

func (m *memStore) Put(namespace string, e *cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]*cache.Entry)
		m.namespaces[namespace] = ns
	}
	ns[e.Key] = e
	return nil
}

func (m *memStore) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[namespace][key]; !ok {
		return cache.ErrCacheMiss
	}
	delete(m.namespaces[namespace], key)
	return nil
}

func (m *memStore) Namespaces() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	return names, nil
}

func (m *memStore) DropNamespace(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	return nil
}

func (m *memStore) count(namespace string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.namespaces[namespace])
}

func testConfig(origin string) *config.Config {
	return &config.Config{
		Origin: origin,
		Cache: config.CacheConfig{
			Backend: "bigcache",
			AppName: "vicmap",
			Version: "1",
		},
		Assets: config.AssetsConfig{
			Static:  []string{"/", "/index.html", "/styles.css", "/app.js"},
			DataDir: "/data/",
			Data:    []string{"/data/cfa-stations.geojson", "/data/ses-units.geojson"},
		},
	}
}

func newTestController(t *testing.T, cfg *config.Config, store cache.Store) *Controller {
	t.Helper()
	c, err := NewController(cfg, store, zerolog.New(io.Discard))
	require.NoError(t, err)
	return c
}

// countingUpstream serves fixed bodies and counts requests per path.
func countingUpstream(t *testing.T, bodies map[string]string) (*httptest.Server, *sync.Map) {
	t.Helper()
	var counts sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := counts.LoadOrStore(r.URL.Path, new(atomic.Int64))
		n.(*atomic.Int64).Add(1)

		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &counts
}

func requests(counts *sync.Map, path string) int64 {
	n, ok := counts.Load(path)
	if !ok {
		return 0
	}
	return n.(*atomic.Int64).Load()
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	upstream, counts := countingUpstream(t, map[string]string{"/app.js": "console.log('fresh')"})
	store := newMemStore()
	cfg := testConfig(upstream.URL)
	c := newTestController(t, cfg, store)

	cached := &cache.Entry{
		Key:      upstream.URL + "/app.js",
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/javascript"}},
		Body:     []byte("console.log('cached')"),
		StoredAt: time.Now(),
	}
	require.NoError(t, store.Put(cfg.Cache.StaticNamespace(), cached))

	resp, err := c.Handle(httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "console.log('cached')", readBody(t, resp))
	assert.EqualValues(t, 0, requests(counts, "/app.js"), "cache hit must not touch the network")
}

func TestCacheFirstMissRoundTrip(t *testing.T) {
	upstream, counts := countingUpstream(t, map[string]string{"/styles.css": "body{}"})
	store := newMemStore()
	cfg := testConfig(upstream.URL)
	c := newTestController(t, cfg, store)

	resp, err := c.Handle(httptest.NewRequest(http.MethodGet, "/styles.css", nil))
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "body{}", readBody(t, resp))
	assert.EqualValues(t, 1, requests(counts, "/styles.css"))

	// The miss populated the cache: the identical request now hits.
	resp, err = c.Handle(httptest.NewRequest(http.MethodGet, "/styles.css", nil))
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "body{}", readBody(t, resp))
	assert.EqualValues(t, 1, requests(counts, "/styles.css"))
}

func TestCacheFirstOfflineNavigation(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstream.Close()
	store := newMemStore()
	c := newTestController(t, testConfig(upstream.URL), store)

	// A failed top-level navigation gets the synthesized offline page.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := c.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OFFLINE", resp.Header.Get("X-Cache"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, readBody(t, resp), "offline")

	// A failed subresource fetch propagates instead.
	req = httptest.NewRequest(http.MethodGet, "/app.js", nil)
	req.Header.Set("Accept", "*/*")
	_, err = c.Handle(req)
	assert.Error(t, err)
}

func TestStaleWhileRevalidateHit(t *testing.T) {
	upstream, counts := countingUpstream(t, map[string]string{
		"/data/cfa-stations.geojson": `{"features":["new"]}`,
	})
	store := newMemStore()
	cfg := testConfig(upstream.URL)
	c := newTestController(t, cfg, store)

	key := upstream.URL + "/data/cfa-stations.geojson"
	require.NoError(t, store.Put(cfg.Cache.RuntimeNamespace(), &cache.Entry{
		Key:      key,
		Status:   http.StatusOK,
		Header:   http.Header{},
		Body:     []byte(`{"features":["old"]}`),
		StoredAt: time.Now().Add(-time.Hour),
	}))

	resp, err := c.Handle(httptest.NewRequest(http.MethodGet, "/data/cfa-stations.geojson", nil))
	require.NoError(t, err)
	assert.Equal(t, "STALE", resp.Header.Get("X-Cache"))
	assert.Equal(t, `{"features":["old"]}`, readBody(t, resp), "caller sees the stale copy")

	// Exactly one background refresh per call, and it overwrites the entry.
	c.Wait()
	assert.EqualValues(t, 1, requests(counts, "/data/cfa-stations.geojson"))
	refreshed, err := store.Get(cfg.Cache.RuntimeNamespace(), key)
	require.NoError(t, err)
	assert.Equal(t, `{"features":["new"]}`, string(refreshed.Body))
}

func TestStaleWhileRevalidateMissAwaitsNetwork(t *testing.T) {
	upstream, counts := countingUpstream(t, map[string]string{
		"/data/ses-units.geojson": `{"features":[]}`,
	})
	store := newMemStore()
	cfg := testConfig(upstream.URL)
	c := newTestController(t, cfg, store)

	resp, err := c.Handle(httptest.NewRequest(http.MethodGet, "/data/ses-units.geojson", nil))
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, `{"features":[]}`, readBody(t, resp))

	c.Wait()
	assert.EqualValues(t, 1, requests(counts, "/data/ses-units.geojson"), "a miss fetches once, with no background refresh")
	assert.Equal(t, 1, store.count(cfg.Cache.RuntimeNamespace()))
}

func TestStaleWhileRevalidateMissPropagatesFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstream.Close()
	c := newTestController(t, testConfig(upstream.URL), newMemStore())

	_, err := c.Handle(httptest.NewRequest(http.MethodGet, "/data/cfa-stations.geojson", nil))
	assert.Error(t, err, "empty cache plus failed network must propagate")
}

func TestStaleRefreshFailureIsContained(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	store := newMemStore()
	cfg := testConfig(upstream.URL)
	c := newTestController(t, cfg, store)

	key := upstream.URL + "/data/cfa-stations.geojson"
	stale := &cache.Entry{Key: key, Status: http.StatusOK, Header: http.Header{}, Body: []byte("stale"), StoredAt: time.Now()}
	require.NoError(t, store.Put(cfg.Cache.RuntimeNamespace(), stale))
	upstream.Close()

	resp, err := c.Handle(httptest.NewRequest(http.MethodGet, "/data/cfa-stations.geojson", nil))
	require.NoError(t, err)
	assert.Equal(t, "stale", readBody(t, resp))

	// The failed refresh is logged and dropped; the stale entry survives.
	c.Wait()
	got, err := store.Get(cfg.Cache.RuntimeNamespace(), key)
	require.NoError(t, err)
	assert.Equal(t, "stale", string(got.Body))
}

func TestNetworkFirst(t *testing.T) {
	bodies := map[string]string{"/fire-danger-ratings": "HIGH"}
	upstream, counts := countingUpstream(t, bodies)
	store := newMemStore()
	cfg := testConfig(upstream.URL)
	c := newTestController(t, cfg, store)

	// Network up: fetch wins and a copy is stored.
	resp, err := c.Handle(httptest.NewRequest(http.MethodGet, "/fire-danger-ratings", nil))
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "HIGH", readBody(t, resp))
	assert.EqualValues(t, 1, requests(counts, "/fire-danger-ratings"))

	// Network down: the stored copy is the fallback.
	upstream.Close()
	resp, err = c.Handle(httptest.NewRequest(http.MethodGet, "/fire-danger-ratings", nil))
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "HIGH", readBody(t, resp))

	// Network down and nothing cached: the failure reaches the caller.
	_, err = c.Handle(httptest.NewRequest(http.MethodGet, "/total-fire-bans", nil))
	assert.Error(t, err)
}

func TestNonGetPassesThrough(t *testing.T) {
	var gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	t.Cleanup(upstream.Close)

	store := newMemStore()
	cfg := testConfig(upstream.URL)
	c := newTestController(t, cfg, store)

	req := httptest.NewRequest(http.MethodPost, "/api/feedback", strings.NewReader("thanks"))
	resp, err := c.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "thanks", readBody(t, resp))
	assert.Equal(t, 0, store.count(cfg.Cache.StaticNamespace()))
	assert.Equal(t, 0, store.count(cfg.Cache.RuntimeNamespace()))
}

func TestForeignOriginAllowList(t *testing.T) {
	upstream, _ := countingUpstream(t, map[string]string{"/index.html": "<html></html>"})
	external, externalCounts := countingUpstream(t, map[string]string{"/leaflet.js": "L={}"})

	store := newMemStore()
	cfg := testConfig(upstream.URL)
	cfg.Assets.AllowedExternal = []string{external.URL + "/leaflet"}
	c := newTestController(t, cfg, store)

	// Allow-listed external resource: intercepted and cached per its class.
	resp, err := c.Handle(httptest.NewRequest(http.MethodGet, external.URL+"/leaflet.js", nil))
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "L={}", readBody(t, resp))

	resp, err = c.Handle(httptest.NewRequest(http.MethodGet, external.URL+"/leaflet.js", nil))
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.EqualValues(t, 1, requests(externalCounts, "/leaflet.js"))

	// Unlisted foreign origin: proxied untouched, never cached.
	other, otherCounts := countingUpstream(t, map[string]string{"/tracker.js": "x"})
	resp, err = c.Handle(httptest.NewRequest(http.MethodGet, other.URL+"/tracker.js", nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("X-Cache"))
	readBody(t, resp)
	assert.EqualValues(t, 1, requests(otherCounts, "/tracker.js"))
	// Only the allow-listed resource made it into the cache.
	assert.Equal(t, 1, store.count(cfg.Cache.StaticNamespace()))
	assert.Equal(t, 0, store.count(cfg.Cache.RuntimeNamespace()))
}

func TestServeHTTP(t *testing.T) {
	upstream, _ := countingUpstream(t, map[string]string{"/index.html": "<html>map</html>"})
	c := newTestController(t, testConfig(upstream.URL), newMemStore())

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>map</html>", rec.Body.String())

	// No fallback anywhere surfaces as 502.
	upstream.Close()
	rec = httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStatsCounters(t *testing.T) {
	upstream, _ := countingUpstream(t, map[string]string{"/app.js": "x"})
	c := newTestController(t, testConfig(upstream.URL), newMemStore())

	for i := 0; i < 2; i++ {
		resp, err := c.Handle(httptest.NewRequest(http.MethodGet, "/app.js", nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	snap := c.Stats().Snapshot()
	assert.EqualValues(t, 1, snap[StaticAsset.String()].Misses)
	assert.EqualValues(t, 1, snap[StaticAsset.String()].Hits)
}
