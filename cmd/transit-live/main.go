package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/transit-tools/transit-live/internal/access"
	"github.com/transit-tools/transit-live/internal/config"
	"github.com/transit-tools/transit-live/internal/feed"
	"github.com/transit-tools/transit-live/internal/gtfs"
	"github.com/transit-tools/transit-live/internal/keystore"
	"github.com/transit-tools/transit-live/internal/logging"
	"github.com/transit-tools/transit-live/internal/metrics"
	"github.com/transit-tools/transit-live/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		os.Exit(1)
	}
	defer log.Sync()

	dirs := loadDirectories(cfg, log)

	collector := metrics.NewCollector()
	sink := metrics.NewSink(collector)

	keys := keystore.New(cfg.Keys.File, cfg.Access.ClientKeys, cfg.Keys.ShadowTTL, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := access.NewLimiter(cfg.Access.Window)
	limiter.StartJanitor(ctx, 5*time.Minute)

	gate := access.NewGate(access.GateConfig{
		AdminToken: cfg.Access.AdminToken,
		RequireKey: cfg.Access.RequireKey,
		PublicRPM:  cfg.Access.PublicRPM,
		KeyRPM:     cfg.Access.KeyRPM,
		AdminRPM:   cfg.Access.AdminRPM,
	}, keys, limiter, collector, log)

	agg := feed.NewAggregator(sink, collector, gtfs.NormalizeOptions{
		DwellSlack:   cfg.Normalize.DwellSlack,
		ArrivingSoon: cfg.Normalize.ArrivingSoon,
	}, log)

	srv := server.New(cfg, log, gate, agg, keys, sink, dirs)

	if cfg.MetricsAddr != "" {
		promSrv := collector.Serve(cfg.MetricsAddr, log)
		defer promSrv.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal("http server", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", zap.Error(err))
		}
	}
}

// loadDirectories builds each network's stop directory. A JSON stop map takes
// priority over a static GTFS zip. A network without either still serves, it
// just reports the directory as unloaded.
func loadDirectories(cfg *config.Config, log *zap.Logger) map[string]*gtfs.Directory {
	dirs := make(map[string]*gtfs.Directory, len(cfg.Networks))
	for _, net := range cfg.Networks {
		var (
			dir *gtfs.Directory
			err error
		)
		switch {
		case net.StopsFile != "":
			dir, err = gtfs.LoadDirectoryJSON(net.StopsFile)
		case net.StaticGTFS != "":
			dir, err = gtfs.LoadDirectoryGTFSZip(net.StaticGTFS)
		default:
			dir = gtfs.NewDirectory(nil)
		}
		if err != nil {
			log.Warn("stop directory load failed",
				zap.String("network", net.Name), zap.Error(err))
			dir = gtfs.NewDirectory(nil)
		}
		log.Info("stop directory loaded",
			zap.String("network", net.Name), zap.Int("stops", dir.Len()))
		dirs[net.Name] = dir
	}
	return dirs
}
