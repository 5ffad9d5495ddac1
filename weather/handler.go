package weather

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"offline-map-cache/cache"
)

// Default coordinates: Melbourne CBD.
const (
	defaultLat = -37.8136
	defaultLon = 144.9631
)

// Handler serves GET /api/weather. Responses are cached in the runtime
// namespace with a TTL; when the provider fails, a stale cached forecast is
// served rather than an error, mirroring the network-first fallback the rest
// of the proxy uses.
type Handler struct {
	provider  Provider
	store     cache.Store
	namespace string
	ttl       time.Duration
	logger    zerolog.Logger
}

func NewHandler(provider Provider, store cache.Store, namespace string, ttl time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		provider:  provider,
		store:     store,
		namespace: namespace,
		ttl:       clampDuration(ttl),
		logger:    logger.With().Str("component", "weather").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lat := queryFloat(r, "lat", defaultLat)
	lon := queryFloat(r, "lon", defaultLon)
	key := fmt.Sprintf("weather|%.4f,%.4f", lat, lon)

	entry, err := h.store.Get(h.namespace, key)
	if err == nil && time.Since(entry.StoredAt) < h.ttl {
		writeJSON(w, entry.Body, "HIT")
		return
	}
	if err != nil && err != cache.ErrCacheMiss {
		h.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	forecast, perr := h.provider.Forecast(r.Context(), lat, lon)
	if perr != nil {
		// Serve the stale forecast if one exists; a dated forecast beats
		// no forecast for the popup.
		if entry != nil {
			h.logger.Warn().Err(perr).Str("key", key).Msg("provider failed, serving stale forecast")
			writeJSON(w, entry.Body, "STALE")
			return
		}
		h.logger.Error().Err(perr).Str("key", key).Msg("provider failed with empty cache")
		http.Error(w, `{"error":"weather unavailable"}`, http.StatusBadGateway)
		return
	}

	body, err := json.Marshal(forecast)
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	if err := h.store.Put(h.namespace, &cache.Entry{
		Key:      key,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     body,
		StoredAt: time.Now(),
	}); err != nil {
		h.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}

	writeJSON(w, body, "MISS")
}

func queryFloat(r *http.Request, name string, fallback float64) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, body []byte, verdict string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", verdict)
	w.Write(body)
}
