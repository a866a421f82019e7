package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transit-tools/transit-live/internal/gtfs"
	"github.com/transit-tools/transit-live/internal/metrics"
)

// Payload wraps one aggregation cycle's result. Immutable once built; shared
// read-only by every caller observing the same cache entry.
type Payload struct {
	OK            bool              `json:"ok"`
	UpdatedAt     int64             `json:"updatedAt"`
	FeedTimestamp int64             `json:"feedTimestamp,omitempty"`
	ActiveStops   []gtfs.ActiveStop `json:"activeStops"`
	Error         string            `json:"error,omitempty"`
}

// Aggregator turns configured feed URLs into a Payload plus a TransitMetrics
// snapshot.
type Aggregator struct {
	client   *http.Client
	sink     *metrics.Sink
	prom     *metrics.Collector
	opts     gtfs.NormalizeOptions
	log      *zap.Logger
	now      func() time.Time
	attempts int
	backoff  time.Duration
}

type Option func(*Aggregator)

// WithRetryPolicy overrides the fetch attempt budget and initial backoff.
func WithRetryPolicy(attempts int, backoff time.Duration) Option {
	return func(a *Aggregator) {
		a.attempts = attempts
		a.backoff = backoff
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(a *Aggregator) { a.client = client }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(sink *metrics.Sink, prom *metrics.Collector, opts gtfs.NormalizeOptions, log *zap.Logger, options ...Option) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Aggregator{
		client:   &http.Client{},
		sink:     sink,
		prom:     prom,
		opts:     opts,
		log:      log,
		now:      time.Now,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Collect fetches every configured URL, decodes, normalizes, dedupes and
// publishes metrics. The primary transit feed set is all-or-nothing: one
// failed URL or decode fails the whole cycle (contrast CollectOutages, which
// tolerates partial results). Feeds are processed in configured URL order,
// entities in decode order, so dedup's first-occurrence-wins is deterministic
// per input.
func (a *Aggregator) Collect(ctx context.Context, urls []string, dir *gtfs.Directory) (Payload, int) {
	start := a.now()
	nowMS := start.UnixMilli()

	if len(urls) == 0 {
		return Payload{OK: false, UpdatedAt: nowMS, ActiveStops: []gtfs.ActiveStop{}, Error: "no feed URLs configured"}, http.StatusInternalServerError
	}
	if dir.Len() == 0 {
		return Payload{OK: false, UpdatedAt: nowMS, ActiveStops: []gtfs.ActiveStop{}, Error: "stop directory not loaded"}, http.StatusInternalServerError
	}

	feeds := make([]*gtfsrt.FeedMessage, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		g.Go(func() error {
			fm, err := fetchFeedMessage(gctx, a.client, url, a.attempts, a.backoff)
			if err != nil {
				return err
			}
			feeds[i] = fm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.countFetch("error")
		a.log.Warn("transit feed cycle failed", zap.Error(err))
		msg := "Feed fetch failed"
		if errors.Is(err, ErrDecode) {
			msg = "Feed decode failed"
		}
		return Payload{OK: false, UpdatedAt: a.now().UnixMilli(), ActiveStops: []gtfs.ActiveStop{}, Error: msg}, http.StatusBadGateway
	}

	seen := map[string]struct{}{}
	activeStops := []gtfs.ActiveStop{}
	var latestFeedTS int64
	for _, fm := range feeds {
		if ts := int64(fm.GetHeader().GetTimestamp()) * 1000; ts > latestFeedTS {
			latestFeedTS = ts
		}
		for _, e := range fm.GetEntity() {
			stop, ok := gtfs.Normalize(e, dir, start, a.opts)
			if !ok {
				continue
			}
			if _, dup := seen[dedupKey(stop)]; dup {
				continue
			}
			seen[dedupKey(stop)] = struct{}{}
			activeStops = append(activeStops, stop)
		}
	}

	var arriving, stopped, inTransit int
	linesActive := map[string]int{}
	for _, s := range activeStops {
		switch s.Status {
		case gtfs.StatusArriving:
			arriving++
		case gtfs.StatusStopped:
			stopped++
		case gtfs.StatusInTransit:
			inTransit++
		}
		linesActive[s.LineID]++
	}

	a.sink.Set(metrics.TransitMetrics{
		UpdatedAt:        nowMS,
		FeedTimestamp:    latestFeedTS,
		ActiveStopsCount: len(activeStops),
		ArrivingCount:    arriving,
		StoppedCount:     stopped,
		InTransitCount:   inTransit,
		LinesActive:      linesActive,
	})
	a.countFetch("ok")
	if a.prom != nil {
		a.prom.FetchDuration.Observe(a.now().Sub(start).Seconds())
	}
	a.log.Info("transit feed cycle",
		zap.Int("feeds", len(feeds)),
		zap.Int("activeStops", len(activeStops)),
		zap.Int64("feedTimestamp", latestFeedTS))

	return Payload{
		OK:            true,
		UpdatedAt:     nowMS,
		FeedTimestamp: latestFeedTS,
		ActiveStops:   activeStops,
	}, http.StatusOK
}

// dedupKey identifies a vehicle: its trainId when the feed supplied one, else
// a line/stop or line/coordinate composite. Two distinct unidentified
// vehicles at identical coordinates can still collide; accepted
// approximation.
func dedupKey(s gtfs.ActiveStop) string {
	if s.TrainID != "" && s.TrainID != s.LineID+"-unknown" {
		return s.TrainID
	}
	if s.StopID != "" {
		return s.LineID + "-" + s.StopID
	}
	return fmt.Sprintf("%s-%g-%g", s.LineID, s.Coords[0], s.Coords[1])
}

func (a *Aggregator) countFetch(result string) {
	if a.prom != nil {
		a.prom.FeedFetches.WithLabelValues(result).Inc()
	}
}
