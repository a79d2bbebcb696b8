// Command substrate-relay is the process entrypoint: it wires the Node
// Session, Log Buffer, Recent-Window Cache and Subscription Fan-Out
// together behind one HTTP listener, with config load and automaxprocs run
// up front before any listener accepts a connection, and signal-driven
// graceful shutdown once the listener is serving.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/substrate-relay/internal/buffer"
	"github.com/adred-codev/substrate-relay/internal/cache"
	"github.com/adred-codev/substrate-relay/internal/cluster"
	"github.com/adred-codev/substrate-relay/internal/config"
	"github.com/adred-codev/substrate-relay/internal/httpapi"
	"github.com/adred-codev/substrate-relay/internal/limits"
	"github.com/adred-codev/substrate-relay/internal/logging"
	"github.com/adred-codev/substrate-relay/internal/metrics"
	"github.com/adred-codev/substrate-relay/internal/session"
	"github.com/adred-codev/substrate-relay/internal/store"
	"github.com/adred-codev/substrate-relay/internal/store/postgres"
	"github.com/adred-codev/substrate-relay/internal/subscriber"
)

func main() {
	baseLogger := logging.New("info")

	cfg, err := config.Load(&baseLogger)
	if err != nil {
		baseLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	baseLogger = logging.New(cfg.LogLevel)
	cfg.LogConfig(baseLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := postgres.Connect(postgres.DefaultConfig(cfg.StoreURL, cfg.DBPoolSize), logging.Component(baseLogger, "store"))
	if err != nil {
		baseLogger.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer st.Close()

	var notifier buffer.Notifier = buffer.NoopNotifier
	if cfg.KafkaBrokers != "" {
		kn, err := buffer.NewKafkaNotifier(cfg.KafkaBrokers, "substrate_relay.batch_events", logging.Component(baseLogger, "kafka_notifier"))
		if err != nil {
			baseLogger.Error().Err(err).Msg("failed to start Kafka batch-event notifier, continuing without it")
		} else {
			notifier = kn
			defer kn.Close()
		}
	}

	batchWriter := buffer.NewBatchWriter(ctx, cfg.NumThreads, st, notifier, logging.Component(baseLogger, "batch_writer"))
	defer batchWriter.Close()

	logBuffer := buffer.NewLogBuffer(10000, cfg.DBBatchSize, cfg.DBSaveLatency(), batchWriter, logging.Component(baseLogger, "log_buffer"))
	go logBuffer.Run(ctx)

	cacheAgent := cache.NewAgent(cache.Config{
		RefreshInterval: cfg.CacheUpdateInterval(),
		RefreshTimeout:  cfg.CacheUpdateTimeout(),
		IdleTimeout:     cfg.CacheTimeout(),
		CacheExpiry:     cfg.CacheExpiry(),
		PurgeInterval:   cfg.PurgeInterval(),
		FetchLimit:      1000,
	}, st, cache.NoopInvalidator, logging.Component(baseLogger, "cache"))

	if cfg.NatsURL != "" {
		inv, err := cluster.Connect(cluster.DefaultConfig(cfg.NatsURL), cacheAgent, logging.Component(baseLogger, "cluster"))
		if err != nil {
			baseLogger.Error().Err(err).Msg("failed to connect to NATS cluster-coordination broker, continuing without it")
		} else {
			cacheAgent.SetInvalidator(inv)
			defer inv.Close()
		}
	}
	go cacheAgent.Run(ctx)

	go purgeLoop(ctx, st, cfg.PurgeInterval(), cfg.LogExpiry(), logging.Component(baseLogger, "purge"))
	go metrics.StartResourceSampler(ctx, 15*time.Second, logging.Component(baseLogger, "sampler"))

	sessionMgr := session.NewManager(session.Config{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ClientTimeout:     cfg.ClientTimeout(),
		MaxPayloadBytes:   int64(cfg.WSMaxPayload),
	}, cfg.MaxConnections, st, logBuffer, logging.Component(baseLogger, "session"))

	subscriberMgr := subscriber.NewManager(cacheAgent, logging.Component(baseLogger, "subscriber"))

	connRateLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		Logger: logging.Component(baseLogger, "rate_limiter"),
	})
	defer connRateLimiter.Stop()

	var shuttingDown int32
	api := httpapi.NewServer(st, cfg.APISharedSecret, func() bool { return atomic.LoadInt32(&shuttingDown) == 1 }, logging.Component(baseLogger, "httpapi"))

	mux := api.Mux()
	mux.HandleFunc("/ws/node", func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&shuttingDown) == 1 {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		ip := remoteIP(r)
		if !connRateLimiter.CheckConnectionAllowed(ip) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		if ok, reason := sessionMgr.ShouldAccept(); !ok {
			baseLogger.Debug().Str("reason", reason).Msg("node stream rejected by resource guard")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			baseLogger.Error().Err(err).Msg("node stream upgrade failed")
			return
		}
		audit := r.URL.Query().Get("audit") == "true"
		if err := sessionMgr.Open(r.Context(), conn, ip, audit); err != nil {
			baseLogger.Error().Err(err).Msg("failed to open node session")
		}
	})
	mux.HandleFunc("/ws/subscribe", func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&shuttingDown) == 1 {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			baseLogger.Error().Err(err).Msg("subscriber stream upgrade failed")
			return
		}
		subscriberMgr.Open(conn, remoteIP(r))
	})

	ln, err := listenWithBacklog(fmt.Sprintf(":%d", cfg.Port), cfg.MaxPendingConnections)
	if err != nil {
		baseLogger.Fatal().Err(err).Msg("failed to open listener")
	}

	srv := &http.Server{
		Handler: mux,
	}

	go func() {
		baseLogger.Info().Int("port", cfg.Port).Int("backlog", cfg.MaxPendingConnections).Msg("listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			baseLogger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	baseLogger.Info().Msg("shutdown signal received")
	atomic.StoreInt32(&shuttingDown, 1)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error().Err(err).Msg("error during HTTP shutdown")
	}

	cancel()
	baseLogger.Info().Msg("shutdown complete")
}

// purgeLoop drives the Store-side retention purge on PURGE_INTERVAL_S,
// deleting rows older than LOG_EXPIRY_H (SPEC_FULL.md §4.3 Purge is the
// cache's deque trim; this is the Store-side counterpart named in §6.3's
// PurgeOlderThan and §9's retention-scope resolution).
func purgeLoop(ctx context.Context, st store.Store, interval, horizon time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeOlderThan(ctx, horizon)
			if err != nil {
				logger.Error().Err(err).Msg("retention purge failed")
				continue
			}
			logger.Info().Int("deleted", n).Msg("retention purge complete")
		}
	}
}

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}

// listenWithBacklog opens a TCP listener with an explicit accept backlog
// instead of letting net.Listen fall back to the OS default, so
// MAX_PENDING_CONNECTIONS actually bounds how many pending connections the
// kernel queues ahead of user-space accept() calls.
func listenWithBacklog(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}

	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	sa := &syscall.SockaddrInet4{Port: tcpAddr.Port}
	if ip := tcpAddr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	if err := syscall.Bind(fd, sa); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), "substrate-relay-listener")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("wrap listener fd: %w", err)
	}
	return ln, nil
}
