package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-sync/api"
	"kanban-sync/presence"
	"kanban-sync/realtime"
	"kanban-sync/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx)
	defer closeStore()

	var (
		deduper api.Deduper
		tasks   api.Storage = store
	)
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(redisOptions(redisConn))
		defer rc.Close()
		tasks = storage.NewCache(store, rc, envDuration("TASKS_CACHE_TTL", time.Minute))
		deduper = api.NewRedisDeduper(rc, envDuration("DEDUPER_TTL", 24*time.Hour))
	} else {
		log.Info("REDIS_CONNECTION_STRING not set; list cache and idempotency keys disabled")
	}

	var forward realtime.Forwarder
	if queueName := os.Getenv("TASK_EVENTS_QUEUE"); queueName != "" {
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		if connStr == "" {
			log.Fatal("TASK_EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
		}
		q, err := storage.NewEventQueue(connStr, queueName)
		if err != nil {
			log.Fatalf("event queue: %v", err)
		}
		forward = q
	}

	logger := log.StandardLogger()
	hub := realtime.NewHub(envInt("STREAM_BUFFER", 16), logger)
	broadcaster := realtime.NewBroadcaster(hub, forward, logger)
	tracker := presence.New(broadcaster)

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))

	api.Register(e, api.Deps{
		Store:     tasks,
		Auth:      newAuth(),
		Publisher: broadcaster,
		Presence:  tracker,
		Streams:   hub,
		Deduper:   deduper,
		Stream:    api.StreamOptions{Heartbeat: envDuration("STREAM_HEARTBEAT", 25*time.Second)},
	}, logger)

	listenAddr := ":4000"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

func openStore(ctx context.Context) (api.Storage, func()) {
	switch driver := os.Getenv("STORAGE_DRIVER"); driver {
	case "", "sqlite":
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "kanban.db"
		}
		store, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Error("close storage")
			}
		}
	case "tables":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		tasksTable := os.Getenv("TASKS_TABLE")
		if connStr == "" || tasksTable == "" {
			log.Fatal("missing storage config")
		}
		store, err := storage.NewTablesStore(connStr, tasksTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return store, func() {}
	default:
		log.Fatalf("unknown STORAGE_DRIVER %q", driver)
		return nil, nil
	}
}

func newAuth() *api.Auth {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return api.NewSecretAuth([]byte(secret))
	}
	jwtAudience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if jwtAudience == "" || domain == "" {
		log.Fatal("missing auth config: set JWT_SECRET or AUTH0_DOMAIN and AUTH0_AUDIENCE")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewJWKSAuth(jwks, jwtAudience, "https://"+domain+"/", envDuration("JWKS_CACHE_TTL", 15*time.Minute))
}

// redisOptions accepts either a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", key, v)
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: %q", key, v)
	}
	return n
}
