// Package metrics holds the latest aggregation snapshot for status reporting
// and exports process metrics over Prometheus.
package metrics

import "sync"

// TransitMetrics is one aggregation cycle's summary. Invariant:
// ArrivingCount + StoppedCount + InTransitCount == ActiveStopsCount.
type TransitMetrics struct {
	UpdatedAt        int64          `json:"updatedAt"`
	FeedTimestamp    int64          `json:"feedTimestamp"`
	ActiveStopsCount int            `json:"activeStopsCount"`
	ArrivingCount    int            `json:"arrivingCount"`
	StoppedCount     int            `json:"stoppedCount"`
	InTransitCount   int            `json:"inTransitCount"`
	LinesActive      map[string]int `json:"linesActive"`
}

// Sink is the process-wide latest-snapshot holder. Set overwrites the
// snapshot wholesale; there are no partial updates.
type Sink struct {
	collector *Collector

	mu   sync.RWMutex
	last *TransitMetrics
}

// NewSink creates a sink. collector may be nil; when present its active-stop
// gauges track every snapshot.
func NewSink(collector *Collector) *Sink {
	return &Sink{collector: collector}
}

func (s *Sink) Set(m TransitMetrics) {
	s.mu.Lock()
	s.last = &m
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.ActiveStops.WithLabelValues("arriving").Set(float64(m.ArrivingCount))
		s.collector.ActiveStops.WithLabelValues("stopped").Set(float64(m.StoppedCount))
		s.collector.ActiveStops.WithLabelValues("in_transit").Set(float64(m.InTransitCount))
	}
}

// Last returns the most recent snapshot, or nil before the first cycle.
func (s *Sink) Last() *TransitMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
