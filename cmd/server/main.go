package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracker/internal/config"
	"github.com/example/ride-tracker/internal/dispatch"
	"github.com/example/ride-tracker/internal/eta"
	httpapi "github.com/example/ride-tracker/internal/http"
	"github.com/example/ride-tracker/internal/ingest"
	"github.com/example/ride-tracker/internal/lifecycle"
	"github.com/example/ride-tracker/internal/logging"
	"github.com/example/ride-tracker/internal/payments"
	"github.com/example/ride-tracker/internal/rides"
	"github.com/example/ride-tracker/internal/source"
	"github.com/example/ride-tracker/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		closers = append(closers, func() { _ = rdb.Close() })
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaViolationsTopic, logger)
		closers = append(closers, func() { _ = producer.Close() })
	}

	src, publisher, err := buildSource(ctx, cfg, rdb, producer, logger, &closers)
	if err != nil {
		return err
	}

	var archive storage.Archive = storage.NewMemoryArchive()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresArchive(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = pg.Close() })
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx, cfg.MigrationsPath); err != nil {
				return err
			}
			logger.Info("migration applied", "path", cfg.MigrationsPath)
		}
		archive = pg
	}

	ws := dispatch.NewWSRegistry(logger)
	var pusher dispatch.Pusher
	if cfg.FCMEndpoint != "" {
		pusher = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	}
	notifier := dispatch.NewNotifier(ws, pusher, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	rcfg := rides.Config{
		Source:   src,
		Tracker:  lifecycle.TrackerConfig{ReorderWindow: cfg.ReorderWindow, MaxPending: cfg.MaxPendingEvents},
		WS:       ws,
		Notifier: notifier,
		Archive:  archive,
		ETA:      estimator,
		Logger:   logger,
	}
	if producer != nil {
		rcfg.Reporter = producer
	}
	if rdb != nil {
		rcfg.Snapshots = storage.NewSnapshotCache(rdb, cfg.SnapshotTTL)
	}
	if cfg.RideServiceURL != "" {
		rcfg.RideService = rides.NewHTTPRideService(cfg.RideServiceURL)
	}
	if cfg.StripeAPIKey != "" {
		rcfg.Payments = payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeCurrency)
	}
	if cfg.PolicyFile != "" {
		pw, err := config.WatchPolicy(cfg.PolicyFile, logger)
		if err != nil {
			return err
		}
		rcfg.Policy = pw
	}

	reg := rides.NewRegistry(rcfg)
	defer func() {
		reg.CloseAll()
		notifier.Wait()
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(reg, publisher, archive, ws, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-tracker listening", "addr", cfg.HTTPAddr, "event_source", cfg.EventSource)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildSource picks the ride event source. The returned publisher backs the
// ingest endpoint: kafka when brokers are configured, the in-process source
// in memory mode, nothing otherwise.
func buildSource(ctx context.Context, cfg config.ServerConfig, rdb *redis.Client, producer *ingest.KafkaProducer, logger *slog.Logger, closers *[]func()) (source.Source, httpapi.EventPublisher, error) {
	var publisher httpapi.EventPublisher
	if producer != nil {
		publisher = producer
	}

	switch cfg.EventSource {
	case config.SourceMemory:
		mem := source.NewMemory()
		if publisher == nil {
			publisher = mem
		}
		return mem, publisher, nil
	case config.SourceKafka:
		k := source.NewKafka(source.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroupID}, logger)
		k.Start(ctx)
		*closers = append(*closers, func() { _ = k.Close() })
		return k, publisher, nil
	case config.SourceMQTT:
		m := source.NewMQTT(source.MQTTConfig{Broker: cfg.MQTTBroker, ClientID: cfg.MQTTClientID, TopicPrefix: cfg.MQTTTopicPrefix}, logger)
		if err := m.Connect(10 * time.Second); err != nil {
			// paho keeps retrying in the background and resubscribes on connect
			logger.Warn("mqtt broker unreachable at startup", "error", err)
		}
		*closers = append(*closers, m.Close)
		return m, publisher, nil
	case config.SourceWebSocket:
		return source.NewWebSocket(cfg.WebSocketURL, logger), publisher, nil
	case config.SourceRedis:
		return source.NewPoll(source.NewRedisFetcher(rdb, logger), cfg.PollInterval, cfg.PollFailureThreshold, logger), publisher, nil
	case config.SourceHTTP:
		return source.NewPoll(source.NewHTTPFetcher(cfg.RideServiceURL), cfg.PollInterval, cfg.PollFailureThreshold, logger), publisher, nil
	}
	return nil, nil, fmt.Errorf("unknown event source %q", cfg.EventSource)
}
