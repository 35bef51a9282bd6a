package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"adgov/pkg/approval"
	"adgov/pkg/audit"
	"adgov/pkg/bulkguard"
	"adgov/pkg/changefeed"
	"adgov/pkg/httpx"
	"adgov/pkg/metrics"
	"adgov/pkg/notify"
	"adgov/pkg/ratelimit"
	"adgov/pkg/snapshot"
	"adgov/pkg/store"
	"adgov/pkg/stream"
	"adgov/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

// Server holds the wired governance engine behind the HTTP surface.
type Server struct {
	Gate      *approval.Gate
	Guard     *bulkguard.Guard
	Snapshots *snapshot.Store
	Verifier  *changefeed.Verifier
	Feed      changefeed.Feed
	Notifier  *notify.Router
	Trail     *audit.Trail
	AuditTail *audit.RingSink
	Events    *stream.Hub
	Metrics   *metrics.Registry

	// RollbackExec applies a snapshot's before-state back to the
	// provider. Nil means no apply endpoint is configured and rollback
	// over HTTP is refused.
	RollbackExec snapshot.Executor

	RetentionDays int
}

func main() {
	if err := run(context.Background()); err != nil {
		log.Fatalf("govd: %v", err)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "govd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var redisClient *redis.Client
	if addr := env("REDIS_ADDR", ""); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: env("REDIS_PASSWORD", "")})
		defer redisClient.Close()
	}

	hub := stream.NewHub()
	registry := metrics.NewRegistry()

	gate := approval.NewGate(
		store.New(ctx, redisClient, "govd:approvals"),
		envDurationSec("APPROVAL_TIMEOUT_SEC", 600),
	)
	gate.Events = hub
	gate.Metrics = registry

	guard := bulkguard.New(envInt("MAX_BULK_ITEMS", bulkguard.DefaultMaxBulkItems))
	guard.Metrics = registry

	snaps := snapshot.NewStore(store.New(ctx, redisClient, "govd:snapshots"))
	snaps.Events = hub
	snaps.Metrics = registry

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 5000)),
	})

	feed := changefeed.NewClient(env("CHANGE_FEED_URL", "http://localhost:9400"), httpClient)
	feed.AuthHeader = env("CHANGE_FEED_AUTH_HEADER", "")
	feed.AuthToken = env("CHANGE_FEED_AUTH_TOKEN", "")
	feed.Retries = envInt("CHANGE_FEED_RETRIES", 2)
	feed.RetryDelay = time.Millisecond * time.Duration(envInt("CHANGE_FEED_RETRY_DELAY_MS", 200))

	verifier := changefeed.NewVerifier(feed)
	verifier.Events = hub
	verifier.Metrics = registry

	var tailer *changefeed.Tailer
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		consumer, err := changefeed.NewKafkaConsumer(changefeed.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_CHANGE_TOPIC", "provider.changes"),
			GroupID: env("KAFKA_GROUP_ID", "govd"),
		})
		if err != nil {
			return err
		}
		tailer = changefeed.NewTailer(consumer,
			envDurationSec("CHANGE_TAIL_MAX_AGE_SEC", 3600),
			envInt("CHANGE_TAIL_MAX_EVENTS", 4096))
		tailer.Start(ctx)
		defer tailer.Stop()
		verifier.Tail = tailer
	}

	router := notify.NewRouter(
		notify.CentralAdmin{
			Email:    env("CENTRAL_ADMIN_EMAIL", ""),
			RealTime: env("CENTRAL_REALTIME", "true") == "true",
		},
		parseManagers(env("AGENCY_MANAGERS", "")),
		buildMailer(),
	)
	router.Events = hub
	router.Metrics = registry

	flusher := notify.NewFlusher(router, envDurationSec("NOTIFY_FLUSH_INTERVAL_SEC", 3600))
	flusher.Start(ctx)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		flusher.Stop(drainCtx)
	}()

	tail := audit.NewRingSink(envInt("AUDIT_TAIL_SIZE", 256))
	sinks := audit.MultiSink{tail}
	if path := env("AUDIT_LOG_PATH", ""); path != "" {
		fileSink, err := audit.NewFileSink(path)
		if err != nil {
			return err
		}
		defer fileSink.Close()
		sinks = append(sinks, fileSink)
	}
	if dsn := env("DATABASE_URL", ""); dsn != "" {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(context.Background())
		sinks = append(sinks, &audit.PostgresSink{DB: conn})
	}
	trail := &audit.Trail{
		Sink:        sinks,
		RedactUsers: env("AUDIT_REDACT", "false") == "true",
		HashSalt:    []byte(env("AUDIT_HASH_SALT", "")),
	}

	s := &Server{
		Gate:          gate,
		Guard:         guard,
		Snapshots:     snaps,
		Verifier:      verifier,
		Feed:          feed,
		Notifier:      router,
		Trail:         trail,
		AuditTail:     tail,
		Events:        hub,
		Metrics:       registry,
		RetentionDays: envInt("SNAPSHOT_RETENTION_DAYS", snapshot.DefaultRetentionDays),
	}
	if applyURL := env("PROVIDER_APPLY_URL", ""); applyURL != "" {
		s.RollbackExec = httpApplyExecutor(httpClient, applyURL,
			env("PROVIDER_AUTH_HEADER", ""), env("PROVIDER_AUTH_TOKEN", ""))
	}

	go s.sweepLoop(ctx,
		envDurationSec("APPROVAL_SWEEP_INTERVAL_SEC", 60),
		envDurationSec("SNAPSHOT_SWEEP_INTERVAL_SEC", 3600))

	var limiter ratelimit.Limiter
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, window)
		} else {
			limiter = ratelimit.NewInMemory(window)
		}
	}

	addr := env("ADDR", ":8090")
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(limiter, envInt("RATE_LIMIT_PER_WINDOW", 240)),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("govd listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) routes(limiter ratelimit.Limiter, perWindow int) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("govd"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "govd"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/v1/events", s.streamEvents)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(ratelimit.Middleware(limiter, perWindow))
		}
		r.Post("/v1/preview", s.handlePreview)
		r.Get("/v1/approvals/{id}", s.handleGetApproval)
		r.Post("/v1/approvals/{id}/approve", s.handleApprove)
		r.Post("/v1/approvals/{id}/reject", s.handleReject)
		r.Post("/v1/bulk/match", s.handleBulkMatch)
		r.Post("/v1/snapshots", s.handleCreateSnapshot)
		r.Get("/v1/snapshots/{id}", s.handleGetSnapshot)
		r.Get("/v1/snapshots/{id}/report", s.handleSnapshotReport)
		r.Post("/v1/snapshots/{id}/executed", s.handleRecordExecution)
		r.Post("/v1/snapshots/{id}/impact", s.handleAttachImpact)
		r.Post("/v1/snapshots/{id}/rollback", s.handleRollback)
		r.Post("/v1/snapshots/{id}/changes-since", s.handleChangesSince)
		r.Post("/v1/verify", s.handleVerify)
		r.Post("/v1/changes/query", s.handleChangeQuery)
		r.Post("/v1/notifications", s.handleNotify)
		r.Get("/v1/notifications/pending", s.handlePendingNotifications)
		r.Post("/v1/notifications/flush", s.handleFlush)
		r.Get("/v1/audit", s.handleAuditTail)
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker underneath,
// which the websocket upgrade on /v1/events needs.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

// sweepLoop runs the two retention sweeps: expired approval requests and
// snapshots past the retention window.
func (s *Server) sweepLoop(ctx context.Context, approvalEvery, snapshotEvery time.Duration) {
	approvalTick := time.NewTicker(approvalEvery)
	snapshotTick := time.NewTicker(snapshotEvery)
	defer approvalTick.Stop()
	defer snapshotTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-approvalTick.C:
			if n, err := s.Gate.Cleanup(ctx); err != nil {
				log.Printf("approval sweep: %v", err)
			} else if n > 0 {
				log.Printf("approval sweep: removed %d expired requests", n)
			}
		case <-snapshotTick.C:
			if n, err := s.Snapshots.CleanupOldSnapshots(ctx, s.RetentionDays); err != nil {
				log.Printf("snapshot sweep: %v", err)
			} else if n > 0 {
				log.Printf("snapshot sweep: removed %d old snapshots", n)
			}
		}
	}
}

// httpApplyExecutor posts the snapshot's before-state to the provider
// apply endpoint and returns the provider's response as the new state.
func httpApplyExecutor(client *http.Client, url, authHeader, authToken string) snapshot.Executor {
	var headers map[string]string
	if authHeader != "" && authToken != "" {
		headers = map[string]string{authHeader: authToken}
	}
	return func(ctx context.Context, beforeState json.RawMessage) (json.RawMessage, error) {
		status, body, err := httpx.RequestJSON(ctx, client, http.MethodPost, url, beforeState, headers, 1, 200*time.Millisecond)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, errors.New("provider apply returned status " + strconv.Itoa(status))
		}
		return body, nil
	}
}

func buildMailer() notify.Mailer {
	addr := env("SMTP_ADDR", "")
	from := env("SMTP_FROM", "")
	if addr == "" || from == "" {
		return notify.LogMailer{}
	}
	return &notify.SMTPMailer{Addr: addr, From: from}
}

// parseManagers reads the agency roster from a JSON env var:
// [{"user_id":"u1","email":"m@agency.test","account_ids":["a1"]}]
func parseManagers(raw string) []notify.AgencyManager {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []notify.AgencyManager
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Printf("govd: bad AGENCY_MANAGERS, ignoring: %v", err)
		return nil
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
