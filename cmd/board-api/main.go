package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"fieldboard/api"
	"fieldboard/storage"
)

type config struct {
	connStr     string
	tasksTable  string
	eventsQueue string
	redisConn   string
	cacheTTL    time.Duration
	dedupeTTL   time.Duration
	events      api.EventSenderConfig
	listenAddr  string
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads and validates the environment before any client is opened.
// EVENTS_QUEUE is optional; without it no events are published.
func loadConfig() (config, error) {
	cfg := config{
		connStr:     os.Getenv("STORAGE_CONNECTION_STRING"),
		tasksTable:  os.Getenv("TASKS_TABLE"),
		eventsQueue: os.Getenv("EVENTS_QUEUE"),
		redisConn:   os.Getenv("REDIS_CONNECTION_STRING"),
		listenAddr:  ":8080",
	}
	if cfg.connStr == "" || cfg.tasksTable == "" {
		return config{}, errors.New("missing storage config")
	}
	if cfg.redisConn == "" {
		return config{}, errors.New("missing redis config")
	}
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		cfg.listenAddr = ":" + val
	}

	var err error
	if cfg.cacheTTL, err = envDuration("CACHE_TTL", 5*time.Minute); err != nil {
		return config{}, err
	}
	if cfg.dedupeTTL, err = envDuration("DEDUPER_TTL", 24*time.Hour); err != nil {
		return config{}, err
	}
	if cfg.events.Workers, err = envInt("EVENT_WORKERS", 8); err != nil {
		return config{}, err
	}
	if cfg.events.Buffer, err = envInt("EVENT_BUFFER", 1024); err != nil {
		return config{}, err
	}
	if cfg.events.PublishTimeout, err = envDuration("EVENT_TIMEOUT", 30*time.Second); err != nil {
		return config{}, err
	}
	if cfg.events.HandoffTimeout, err = envDuration("EVENT_HANDOFF_TIMEOUT", 15*time.Millisecond); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	auth, err := newAuth()
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	base, err := storage.New(cfg.connStr, cfg.tasksTable, cfg.eventsQueue)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	rc := redis.NewClient(redisOptions(cfg.redisConn))
	defer rc.Close()

	store := storage.NewCache(base, rc, cfg.cacheTTL)
	deduper := api.NewRedisDeduper(rc, cfg.dedupeTTL)

	logger := log.StandardLogger()
	var events *api.EventSender
	if cfg.eventsQueue != "" {
		events = api.NewEventSender(store, logger, cfg.events)
		defer events.Close()
	} else {
		log.Warn("EVENTS_QUEUE not set, task events will not be published")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	api.Register(e, store, auth, deduper, events, logger)

	if err := e.Start(cfg.listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func newAuth() (*api.Auth, error) {
	if secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET"); secret != "" {
		log.Warn("using shared secret auth, not for production")
		return api.NewAuth(api.AuthConfig{
			SharedSecret: []byte(secret),
			Audience:     os.Getenv("AUTH0_AUDIENCE"),
		}), nil
	}

	audience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		return nil, fmt.Errorf("missing Auth0 config")
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", domain), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Errorf("jwks refresh: %v", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:     jwks,
		Audience: audience,
		Issuer:   "https://" + domain + "/",
	}), nil
}

// redisOptions accepts either a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return d, nil
}
