// Package main implements the Kahu coordinator daemon: the cluster's naming
// service and single source of truth. It registers storage nodes, plans
// capacity-aware replica placement, drives the multi-node upload protocol,
// detects node failures through heartbeats, and reconciles returning nodes.
// File bytes never pass through the coordinator; clients move them to and
// from the nodes directly.
//
// Configuration:
//   - COORDINATOR_LISTEN: listen address (default ":8080")
//   - KAHU_HEARTBEAT_TIMEOUT: silence before a node is unreachable (default "30s")
//   - KAHU_DEAD_TIMEOUT: silence before an unreachable node is dead (default "5m")
//   - KAHU_TICK_INTERVAL: failure-detection scan cadence (default "3s")
//   - KAHU_SAFETY_BUFFER: placement space margin in bytes (default 1 MiB)
//   - KAHU_UPLOAD_WINDOW: confirmation deadline per upload (default "2m")
//   - KAHU_MAX_FILE_SIZE: upload size ceiling in bytes (default 100 MiB)
//   - KAHU_NODE_CALL_TIMEOUT: per-call timeout for node requests (default "15s")
//   - KAHU_SWEEP_INTERVAL: rolled-back record sweep cadence (default "1m")
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/kahu/internal/cluster"
	"github.com/dreamware/kahu/internal/coordinator"
	"github.com/dreamware/kahu/internal/metadata"
)

// serverConfig bundles the component configs assembled from the environment.
type serverConfig struct {
	tracker      coordinator.TrackerConfig
	uploader     coordinator.UploaderConfig
	reconciler   coordinator.ReconcilerConfig
	safetyBuffer int64
}

func configFromEnv() serverConfig {
	cfg := serverConfig{
		tracker:      coordinator.DefaultTrackerConfig(),
		uploader:     coordinator.DefaultUploaderConfig(),
		reconciler:   coordinator.DefaultReconcilerConfig(),
		safetyBuffer: coordinator.DefaultSafetyBuffer,
	}
	cfg.tracker.HeartbeatTimeout = getenvDuration("KAHU_HEARTBEAT_TIMEOUT", cfg.tracker.HeartbeatTimeout)
	cfg.tracker.DeadTimeout = getenvDuration("KAHU_DEAD_TIMEOUT", cfg.tracker.DeadTimeout)
	cfg.tracker.TickInterval = getenvDuration("KAHU_TICK_INTERVAL", cfg.tracker.TickInterval)
	cfg.uploader.Window = getenvDuration("KAHU_UPLOAD_WINDOW", cfg.uploader.Window)
	cfg.uploader.MaxFileSize = getenvInt64("KAHU_MAX_FILE_SIZE", cfg.uploader.MaxFileSize)
	cfg.reconciler.NodeCallTimeout = getenvDuration("KAHU_NODE_CALL_TIMEOUT", cfg.reconciler.NodeCallTimeout)
	cfg.safetyBuffer = getenvInt64("KAHU_SAFETY_BUFFER", cfg.safetyBuffer)
	return cfg
}

func main() {
	listen := getenv("COORDINATOR_LISTEN", ":8080")
	sweepInterval := getenvDuration("KAHU_SWEEP_INTERVAL", time.Minute)

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("service", "coordinator").Logger()

	cfg := configFromEnv()
	store := metadata.NewMemoryStore()
	nodes := cluster.NewNodeClient(cfg.reconciler.NodeCallTimeout)
	srv := newServer(store, nodes, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.tracker.Start(ctx)
	go srv.sweepLoop(ctx, sweepInterval)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("listen", listen).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	srv.uploader.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info().Msg("coordinator stopped")
}

// sweepLoop periodically purges rolled-back file records whose byte cleanup
// already happened, keeping the metadata store from accumulating tombstones.
func (s *server) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.uploader.SweepRolledBack(interval)
		case <-ctx.Done():
			return
		}
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvInt64(k string, def int64) int64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
