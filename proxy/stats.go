package proxy

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Counters accumulates per-strategy outcomes.
type Counters struct {
	Hits   uint64
	Misses uint64
}

// Stats tracks cache outcomes per strategy plus the cross-cutting counters.
type Stats struct {
	mu          sync.Mutex
	static      Counters
	mapData     Counters
	other       Counters
	refreshes   uint64
	offline     uint64
	passthrough uint64
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) Hit(class Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(class).Hits++
}

func (s *Stats) Miss(class Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(class).Misses++
}

func (s *Stats) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
}

func (s *Stats) OfflinePage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline++
}

func (s *Stats) Passthrough() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough++
}

func (s *Stats) counters(class Class) *Counters {
	switch class {
	case StaticAsset:
		return &s.static
	case MapData:
		return &s.mapData
	default:
		return &s.other
	}
}

// Snapshot returns a consistent copy of all counters.
func (s *Stats) Snapshot() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]Counters{
		StaticAsset.String(): s.static,
		MapData.String():     s.mapData,
		Other.String():       s.other,
	}
}

// WriteCSV dumps every counter as one timestamped CSV row per strategy.
func (s *Stats) WriteCSV(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintln(w, "time,strategy,hits,misses,refreshes,offline_pages,passthrough"); err != nil {
		return err
	}

	now := time.Now().Format(time.RFC3339)
	rows := []struct {
		name string
		c    Counters
	}{
		{StaticAsset.String(), s.static},
		{MapData.String(), s.mapData},
		{Other.String(), s.other},
	}
	for _, row := range rows {
		_, err := fmt.Fprintf(w, "%s,%s,%d,%d,%d,%d,%d\n",
			now, row.name, row.c.Hits, row.c.Misses, s.refreshes, s.offline, s.passthrough)
		if err != nil {
			return err
		}
	}
	return nil
}

// ServeHTTP exposes the counters as CSV for diagnostics.
func (s *Stats) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	if err := s.WriteCSV(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
