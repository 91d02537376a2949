package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dorm-access/internal/accessevents/application"
	accessevents "dorm-access/internal/accessevents/domain"
	"dorm-access/internal/accessevents/infrastructure/postgres"
	redisstore "dorm-access/internal/accessevents/infrastructure/redis"
	"dorm-access/internal/accessevents/infrastructure/sqlite"
	accesshttp "dorm-access/internal/accessevents/interfaces/http"
	"dorm-access/internal/acsadapter"
	"dorm-access/internal/audit"
	"dorm-access/internal/auth"
	"dorm-access/internal/broadcast"
	"dorm-access/internal/config"
	"dorm-access/internal/db"
	"dorm-access/internal/logging"
	"dorm-access/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, dialect, err := db.Open(ctx, db.Config{DatabaseURL: cfg.DatabaseURL, SQLitePath: cfg.SQLitePath})
	if err != nil {
		logger.Fatal("db open error", zap.Error(err))
	}
	defer conn.Close()
	logger.Info("database ready", zap.String("dialect", string(dialect)))

	metrics.Init(conn, "access_events", logger)

	stores, err := buildStores(ctx, cfg, conn, dialect, logger)
	if err != nil {
		logger.Fatal("store wiring error", zap.Error(err))
	}
	events, err := application.NewAuditedEventRepository(stores.events, stores.audit, logger)
	if err != nil {
		logger.Fatal("audited repository error", zap.Error(err))
	}

	broadcaster := broadcast.New(
		broadcast.WithBuffer(cfg.BroadcastBuffer),
		broadcast.WithLogger(logger),
		broadcast.WithObserver(metrics.LiveObserver{}),
	)
	live, err := broadcast.NewLiveChannel(broadcaster, cfg.StreamKeepalive, logger)
	if err != nil {
		logger.Fatal("live channel error", zap.Error(err))
	}

	source, err := acsadapter.NewClient(cfg.ACSBaseURL, cfg.ACSAppKey, cfg.ACSAppSecret,
		acsadapter.WithTimeout(cfg.ACSTimeout),
		acsadapter.WithRateLimit(cfg.ACSRateLimit, cfg.ACSBurst),
		acsadapter.WithBreaker(uint32(max(cfg.ACSBreakerFailures, 0)), cfg.ACSBreakerOpen),
		acsadapter.WithEventsPath(cfg.ACSEventsPath),
		acsadapter.WithLocation(cfg.Location()),
		acsadapter.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("acs client error", zap.Error(err))
	}

	tuning := cfg.Preset.Source
	poller, err := application.NewPoller(source, events, broadcaster,
		application.WithLogger(logger),
		application.WithCheckpointer(stores.checkpointer),
		application.WithPaging(tuning.PageSize, tuning.MaxPages),
		application.WithSourceTimeout(tuning.Timeout),
		application.WithLookback(tuning.Lookback),
		application.WithMaxCatchUp(tuning.MaxCatchUp),
	)
	if err != nil {
		logger.Fatal("poller error", zap.Error(err))
	}

	pollHandler, err := accesshttp.NewPollHandler(poller, stores.audit, logger)
	if err != nil {
		logger.Fatal("poll handler error", zap.Error(err))
	}
	eventsHandler, err := accesshttp.NewEventsHandler(stores.events, logger)
	if err != nil {
		logger.Fatal("events handler error", zap.Error(err))
	}
	streamHandler, err := accesshttp.NewStreamHandler(live, logger)
	if err != nil {
		logger.Fatal("stream handler error", zap.Error(err))
	}
	wsHandler, err := accesshttp.NewWSHandler(live, nil, logger)
	if err != nil {
		logger.Fatal("ws handler error", zap.Error(err))
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Use(auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewAccessPolicy(), logger).Wrap)
	router.Post("/poll/start", pollHandler.Start)
	router.Post("/poll/stop", pollHandler.Stop)
	router.Get("/poll/status", pollHandler.Status)
	router.Method(http.MethodGet, "/stream", streamHandler)
	router.Method(http.MethodGet, "/stream/ws", wsHandler)
	router.Get("/access-events", eventsHandler.List)
	router.Get("/access-events/export.xlsx", eventsHandler.ExportXLSX)
	router.Get("/access-events/export.pdf", eventsHandler.ExportPDF)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/healthz", healthHandler(conn))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(router, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Preset.Autostart {
		started, err := poller.Start(ctx, cfg.Preset.PollConfig())
		if err != nil {
			logger.Fatal("autostart error", zap.Error(err))
		}
		logger.Info("poller autostarted", zap.Strings("door_ids", started.DoorIDs), zap.Ints("event_types", started.EventTypes))
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := poller.Shutdown(shutdownCtx); err != nil {
		logger.Warn("poller shutdown", zap.Error(err))
	}
	broadcaster.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if stores.redis != nil {
		_ = stores.redis.Close()
	}
	logger.Info("shutdown complete")
}

type storeSet struct {
	events       accessevents.EventRepository
	checkpointer accessevents.WatermarkCheckpointer
	audit        audit.Logger
	redis        *goredis.Client
}

func buildStores(ctx context.Context, cfg config.Config, conn *sql.DB, dialect db.Dialect, logger *zap.Logger) (storeSet, error) {
	var out storeSet
	var auditRepo *audit.Repository
	switch dialect {
	case db.DialectPostgres:
		events, err := postgres.NewEventRepository(conn)
		if err != nil {
			return out, err
		}
		marks, err := postgres.NewWatermarkRepository(conn)
		if err != nil {
			return out, err
		}
		out.events, out.checkpointer = events, marks
		auditRepo = audit.NewRepository(conn)
	case db.DialectSQLite:
		events, err := sqlite.NewEventRepository(conn)
		if err != nil {
			return out, err
		}
		marks, err := sqlite.NewWatermarkRepository(conn)
		if err != nil {
			return out, err
		}
		out.events, out.checkpointer = events, marks
		auditRepo = audit.NewRepository(conn, audit.WithQuestionPlaceholders())
	default:
		return out, errors.New("unsupported dialect " + string(dialect))
	}

	if cfg.AuditMirrorLog {
		out.audit = audit.NewMultiLogger(auditRepo, audit.NewZapLogger(logger))
	} else {
		out.audit = auditRepo
	}

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return out, err
		}
		key := cfg.RedisKey
		if key == "" {
			key = redisstore.DefaultKey
		}
		checkpointer, err := redisstore.NewCheckpointer(client, key)
		if err != nil {
			_ = client.Close()
			return out, err
		}
		out.checkpointer = checkpointer
		out.redis = client
		logger.Info("watermarks checkpointed to redis", zap.String("addr", cfg.RedisAddr), zap.String("key", key))
	}
	return out, nil
}

func healthHandler(conn *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := conn.PingContext(ctx); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack unsupported")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
