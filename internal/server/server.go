// Package server wires the HTTP surface: public transit endpoints, status
// reporting, and the admin key API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/transit-tools/transit-live/internal/access"
	"github.com/transit-tools/transit-live/internal/cache"
	"github.com/transit-tools/transit-live/internal/config"
	"github.com/transit-tools/transit-live/internal/feed"
	"github.com/transit-tools/transit-live/internal/gtfs"
	"github.com/transit-tools/transit-live/internal/keystore"
	"github.com/transit-tools/transit-live/internal/metrics"
)

type Server struct {
	cfg  *config.Config
	log  *zap.Logger
	gate *access.Gate
	agg  *feed.Aggregator
	keys *keystore.Store
	sink *metrics.Sink
	dirs map[string]*gtfs.Directory
	now  func() time.Time

	transitCache *cache.Cache[feed.Payload]
	alertsCache  *cache.Cache[feed.AlertsPayload]
	outagesCache *cache.Cache[feed.OutagesPayload]

	httpSrv *http.Server
}

func New(cfg *config.Config, log *zap.Logger, gate *access.Gate, agg *feed.Aggregator, keys *keystore.Store, sink *metrics.Sink, dirs map[string]*gtfs.Directory) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:          cfg,
		log:          log,
		gate:         gate,
		agg:          agg,
		keys:         keys,
		sink:         sink,
		dirs:         dirs,
		now:          time.Now,
		transitCache: cache.New[feed.Payload](cfg.Cache.TransitTTL),
		alertsCache:  cache.New[feed.AlertsPayload](cfg.Cache.AlertsTTL),
		outagesCache: cache.New[feed.OutagesPayload](cfg.Cache.OutagesTTL),
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler builds the route table. Transit endpoints run through the full
// access gate; status stays open; health, metrics and key management are
// admin-gated.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /transit/{network}", s.gate.Transit(s.handleTransit))
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /outages", s.handleOutages)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.gate.Admin(s.handleStatus))
	mux.HandleFunc("GET /metrics", s.gate.Admin(s.handleStatus))

	mux.HandleFunc("GET /admin/keys", s.gate.Admin(s.handleListKeys))
	mux.HandleFunc("POST /admin/keys", s.gate.Admin(s.handleCreateKey))
	mux.HandleFunc("DELETE /admin/keys", s.gate.Admin(s.handleDeleteKey))

	return mux
}

func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
