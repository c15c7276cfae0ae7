package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kilit.org/internal/audit"
	"kilit.org/internal/auth"
	"kilit.org/internal/httpapi"
	"kilit.org/internal/obs"
	"kilit.org/internal/store/pg"
	"kilit.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Секрет подписи проверяется до старта: без него не выдать ни одного токена.
	if err := auth.EnsureSigningSecret(); err != nil {
		log.Fatalf("signing secret: %v", err)
	}

	// Хранилище: Postgres при заданном DSN, иначе in-memory для разработки.
	var (
		store auth.Store
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("KILIT_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		obs.LogApp("warn", "running_in_memory", map[string]any{
			"detail": "KILIT_PG_DSN is empty; sessions will not survive a restart",
		})
		store = auth.NewInMemoryStore()
	}

	accessTTL := envDuration("KILIT_ACCESS_TTL", 15*time.Minute)
	refreshTTL := envDuration("KILIT_REFRESH_TTL", 14*24*time.Hour)

	sessions := auth.NewService(store,
		auth.WithAccessTTL(accessTTL),
		auth.WithRefreshTTL(refreshTTL),
	)
	events := stream.New()

	api := httpapi.New(probe, version, sessions, events,
		httpapi.WithRateLimit(envInt("KILIT_RATE_BURST", 20), envInt("KILIT_RATE_RPS", 10)),
		httpapi.WithCookieSecure(envBool("KILIT_COOKIE_SECURE", true)),
		httpapi.WithCORSOrigins(splitOrigins(os.Getenv("KILIT_CORS_ORIGINS"))),
	)

	srv := &http.Server{
		Addr:              envStr("KILIT_ADDR", ":8080"),
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting kilit-api %s on %s", version, srv.Addr)

	rootCtx, stopSweep := context.WithCancel(context.Background())
	if interval := envDuration("KILIT_SWEEP_INTERVAL", time.Hour); interval > 0 {
		go sweepLoop(rootCtx, sessions, events, interval)
	}

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// sweepLoop периодически удаляет протухшие refresh-записи.
func sweepLoop(ctx context.Context, sessions *auth.Service, events *stream.Stream, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.SweepExpired(ctx)
			if err != nil {
				obs.LogApp("error", "sweep_failed", map[string]any{"error": err.Error()})
				continue
			}
			if n == 0 {
				continue
			}
			obs.AddAuthEvents("sweep_deleted", n)
			_ = audit.LogEvent(ctx, audit.EventSweep, map[string]any{"deleted": n})
			events.Publish(stream.Event(stream.EventSweep, "", "", strconv.Itoa(n)+" expired records deleted"))
		}
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return b
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
