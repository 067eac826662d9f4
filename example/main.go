// Package main demonstrates a web push notification server.
//
// This example:
// - Loads the VAPID key pair from WEBPUSH_* settings, or from a PEM file on
//   disk (generated if not present)
// - Uses SQLite for subscription storage
// - Sends push notifications periodically and on /ping requests
// - Prunes subscriptions the push service reports as gone
// - Exports Prometheus metrics on /metrics
//
// Run "example keygen" to print a fresh key pair as WEBPUSH_* settings.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"

	webpush "github.com/imjasonh/webpush-aesgcm"
	"github.com/imjasonh/webpush-aesgcm/config"
	"github.com/imjasonh/webpush-aesgcm/keys"
	"github.com/imjasonh/webpush-aesgcm/storage"
)

type serverConfig struct {
	Addr        string        `env:"ADDR, default=:8080"`
	DBPath      string        `env:"DB_PATH, default=subscriptions.db"`
	KeyPath     string        `env:"VAPID_KEY_PATH, default=vapid-private.pem"`
	Interval    time.Duration `env:"PUSH_INTERVAL, default=1m"`
	Concurrency int           `env:"PUSH_CONCURRENCY, default=8"`
	MaxFailures int           `env:"PUSH_MAX_FAILURES, default=5"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := clog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx = clog.WithLogger(ctx, log)

	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		priv, pub, err := keys.GenerateKeyPair()
		if err != nil {
			log.Errorf("Failed to generate keys: %v", err)
			os.Exit(1)
		}
		fmt.Printf("WEBPUSH_PUBLIC_KEY=%s\nWEBPUSH_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	if err := run(ctx); err != nil {
		log.Errorf("Server failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	var sc serverConfig
	if err := envconfig.Process(ctx, &sc); err != nil {
		return fmt.Errorf("loading server config: %w", err)
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	key, err := loadKey(ctx, sc.KeyPath, &cfg)
	if err != nil {
		return err
	}
	log.With("key_id", key.KeyID()).Infof("VAPID Public Key: %s", key.PublicKeyBase64())

	store, err := storage.NewSQLite(sc.DBPath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()
	log.Infof("SQLite storage initialized at %s", sc.DBPath)

	s := &server{
		store:       store,
		client:      webpush.NewClient(cfg),
		key:         key,
		metrics:     newMetrics(prometheus.DefaultRegisterer),
		concurrency: sc.Concurrency,
		maxFailures: sc.MaxFailures,
		now:         time.Now,
	}
	if err := reportStale(ctx, store, key); err != nil {
		return err
	}
	s.refreshGauge(ctx)

	mux := s.routes()
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        sc.Addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go s.periodic(ctx, sc.Interval)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Shutdown: %v", err)
		}
	}()

	log.Infof("Server starting at %s", sc.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadKey returns the configured key pair. When none is configured it falls
// back to the PEM file at path, generating one if needed, and fills in cfg.
func loadKey(ctx context.Context, path string, cfg *config.Config) (*keys.ServerKey, error) {
	log := clog.FromContext(ctx)

	if cfg.PrivateKey != "" || cfg.PublicKey != "" {
		key, err := keys.NewServerKey(cfg.PublicKey, cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("configured VAPID keys: %w", err)
		}
		return key, nil
	}

	var (
		key *keys.ServerKey
		err error
	)
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		log.Infof("Generating new VAPID keys at %s", path)
		key, err = keys.GenerateKey(path)
	} else {
		key, err = keys.LoadPEM(path)
	}
	if err != nil {
		return nil, fmt.Errorf("VAPID key file %s: %w", path, err)
	}

	cfg.PublicKey = key.PublicKeyBase64()
	cfg.PrivateKey = key.PrivateKeyBase64()
	return key, nil
}

// reportStale logs subscriptions made with a VAPID key other than key. Push
// services reject messages to them until the browser subscribes again.
func reportStale(ctx context.Context, store storage.Storage, key *keys.ServerKey) error {
	const page = 500

	total := 0
	for offset := 0; ; offset += page {
		records, err := store.List(ctx, page, offset)
		if err != nil {
			return fmt.Errorf("listing subscriptions: %w", err)
		}
		total += len(records)
		if len(records) < page {
			break
		}
	}

	current, err := store.CountByServerKey(ctx, key.KeyID())
	if err != nil {
		return fmt.Errorf("counting subscriptions: %w", err)
	}
	if stale := total - current; stale > 0 {
		clog.FromContext(ctx).Warnf("%d of %d subscriptions were made with a different VAPID key and will not receive pushes", stale, total)
	}
	return nil
}
