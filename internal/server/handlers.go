package server

import (
	"context"
	"net/http"
	"time"

	"github.com/transit-tools/transit-live/internal/feed"
	"github.com/transit-tools/transit-live/internal/respond"
)

func (s *Server) handleTransit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("network")
	net, ok := s.cfg.Network(name)
	if !ok {
		respond.Err(w, http.StatusInternalServerError, "unknown network: "+name)
		return
	}
	dir := s.dirs[name]

	// The producer keeps running if the requesting client disconnects, so a
	// coalesced flight still completes for the other waiters.
	ctx := context.WithoutCancel(r.Context())
	payload, status := s.transitCache.Get("transit:"+name, func() (feed.Payload, int) {
		return s.agg.Collect(ctx, net.FeedURLs, dir)
	})
	respond.JSON(w, status, payload)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	payload, status := s.alertsCache.Get("alerts", func() (feed.AlertsPayload, int) {
		return s.agg.CollectAlerts(ctx, s.cfg.Alerts.URL)
	})
	respond.JSON(w, status, payload)
}

func (s *Server) handleOutages(w http.ResponseWriter, r *http.Request) {
	src := feed.OutageSources{
		CurrentURL:   s.cfg.Outages.CurrentURL,
		UpcomingURL:  s.cfg.Outages.UpcomingURL,
		EquipmentURL: s.cfg.Outages.EquipmentURL,
		APIKey:       s.cfg.Outages.APIKey,
	}
	// Outages default to the first network's directory for stop resolution.
	var dirName string
	if len(s.cfg.Networks) > 0 {
		dirName = s.cfg.Networks[0].Name
	}
	dir := s.dirs[dirName]

	ctx := context.WithoutCancel(r.Context())
	payload, status := s.outagesCache.Get("outages", func() (feed.OutagesPayload, int) {
		return s.agg.CollectOutages(ctx, src, dir)
	})
	respond.JSON(w, status, payload)
}

type statusReport struct {
	OK             bool   `json:"ok"`
	Timestamp      string `json:"timestamp"`
	FeedConfigured bool   `json:"feedConfigured"`
	HasMetrics     bool   `json:"hasMetrics"`
	Metrics        any    `json:"metrics"`
}

// handleStatus reports readiness: feed configuration plus the latest metrics
// snapshot. Unconfigured deployments answer 503 so load balancers keep them
// out of rotation.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	configured := s.cfg.FeedConfigured()
	last := s.sink.Last()

	report := statusReport{
		OK:             configured,
		Timestamp:      s.now().UTC().Format(time.RFC3339),
		FeedConfigured: configured,
		HasMetrics:     last != nil,
	}
	if last != nil {
		report.Metrics = last
	}

	status := http.StatusOK
	if !configured {
		status = http.StatusServiceUnavailable
	}
	respond.JSON(w, status, report)
}
