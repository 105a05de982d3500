// Package main implements the Kahu storage node daemon: plain byte storage
// for file replicas, pushed to and read from by clients and the
// coordinator. Nodes never talk to each other; all coordination is
// hub-and-spoke through the coordinator.
//
// HTTP API:
//
//	PUT    /files/{file_id}   store bytes, confirm upload to coordinator
//	GET    /files/{file_id}   read bytes
//	DELETE /files/{file_id}   drop bytes
//	GET    /inventory         list held files with checksums
//	GET    /health            storage self-report
//
// Configuration:
//   - NODE_ID: unique node identifier (required)
//   - COORDINATOR_ADDR: coordinator URL (required)
//   - NODE_LISTEN: listen address (default ":8081")
//   - NODE_ADDR: public address registered with the coordinator
//     (default "http://127.0.0.1:8081")
//   - NODE_DATA_DIR: storage directory (default "./data/{NODE_ID}")
//   - NODE_MAX_STORAGE: capacity ceiling in bytes (default: unlimited,
//     real disk free space is reported)
//   - NODE_HEARTBEAT_INTERVAL: heartbeat cadence (default "10s")
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dreamware/kahu/internal/cluster"
	"github.com/dreamware/kahu/internal/storage"
)

func main() {
	nodeID := mustGetenv("NODE_ID")
	coord := mustGetenv("COORDINATOR_ADDR")
	listen := getenv("NODE_LISTEN", ":8081")
	public := getenv("NODE_ADDR", "http://127.0.0.1:8081")
	dataDir := getenv("NODE_DATA_DIR", "./data/"+nodeID)
	hbInterval := getenvDuration("NODE_HEARTBEAT_INTERVAL", 10*time.Second)

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("node", nodeID).Logger()

	var maxStorage *int64
	if v := os.Getenv("NODE_MAX_STORAGE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			log.Fatal().Str("value", v).Msg("NODE_MAX_STORAGE must be a positive byte count")
		}
		maxStorage = &n
	}

	store, err := storage.NewDiskStore(dataDir, maxStorage)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage")
	}

	srv := &server{
		nodeID:     nodeID,
		coord:      coord,
		store:      store,
		maxStorage: maxStorage,
		log:        log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/files/{file_id}", srv.handlePutFile).Methods(http.MethodPut)
	r.HandleFunc("/files/{file_id}", srv.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{file_id}", srv.handleDeleteFile).Methods(http.MethodDelete)
	r.HandleFunc("/inventory", srv.handleInventory).Methods(http.MethodGet)
	r.HandleFunc("/health", srv.handleHealth).Methods(http.MethodGet)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("listen", listen).Str("public", public).Msg("node listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.register(ctx, public); err != nil {
		log.Fatal().Err(err).Msg("register with coordinator")
	}
	go srv.heartbeatLoop(ctx, public, hbInterval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info().Msg("node stopped")
}

// register announces the node to the coordinator, retrying to ride out
// coordinator startup delays.
func (s *server) register(ctx context.Context, public string) error {
	req := cluster.RegisterRequest{
		NodeID:     s.nodeID,
		Address:    public,
		MaxStorage: s.maxStorage,
	}
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		err = cluster.PostJSON(ctx, s.coord+"/api/nodes/register", req, nil)
		if err == nil {
			s.log.Info().Str("coordinator", s.coord).Msg("registered")
			return nil
		}
		s.log.Warn().Int("attempt", attempt).Err(err).Msg("registration failed, retrying")
		select {
		case <-time.After(400 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// heartbeatLoop pushes storage self-reports on a fixed cadence. A rejected
// heartbeat (coordinator restarted, or this node was declared dead during a
// long outage) falls back to a fresh registration.
func (s *server) heartbeatLoop(ctx context.Context, public string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := s.store.Stats()
			err := cluster.PostJSON(ctx, s.coord+"/api/nodes/heartbeat", cluster.HeartbeatRequest{
				NodeID:         s.nodeID,
				AvailableSpace: st.AvailableSpace,
				UsedSpace:      st.UsedSpace,
				FileCount:      st.FileCount,
			}, nil)
			if err != nil {
				s.log.Warn().Err(err).Msg("heartbeat rejected, re-registering")
				if rerr := cluster.PostJSON(ctx, s.coord+"/api/nodes/register", cluster.RegisterRequest{
					NodeID:     s.nodeID,
					Address:    public,
					MaxStorage: s.maxStorage,
				}, nil); rerr != nil {
					s.log.Warn().Err(rerr).Msg("re-registration failed")
				}
			}
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

func mustGetenv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		l := zerolog.New(os.Stderr)
		l.Fatal().Str("var", k).Msg("required environment variable missing")
	}
	return v
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
