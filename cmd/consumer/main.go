package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracker/internal/logging"
	"github.com/example/ride-tracker/internal/source"
)

// The relay copies ride events from kafka into per-ride redis lists, which
// the tracker's redis poll source reads.

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_consumed_total",
		Help: "Total ride event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_appends_total",
		Help: "Total ride events appended to redis",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisAppends, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := getenv("KAFKA_TOPIC", "ride-events")
	group := getenv("KAFKA_GROUP", "ride-events-relay")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	ttl := 6 * time.Hour
	if v := os.Getenv("RIDE_EVENTS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("invalid RIDE_EVENTS_TTL", "error", err)
			os.Exit(1)
		}
		ttl = d
	}

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6, MaxWait: 250 * time.Millisecond})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("relay listening", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down relay")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		rideID, ev, err := source.DecodeEnvelope(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err, "offset", m.Offset)
			continue
		}

		if err := appendWithRetry(ctx, radapter, rideID, m.Value, ttl, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis append failed", "ride_id", rideID, "seq", ev.Seq, "error", err)
			continue
		}
		redisAppends.Inc()
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// RedisAppender defines the small subset of redis operations we need for tests and production.
type RedisAppender interface {
	RPush(ctx context.Context, key string, value []byte) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) RPush(ctx context.Context, key string, value []byte) error {
	return r.c.RPush(ctx, key, value).Err()
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

// appendWithRetry pushes one encoded event onto the ride's list and refreshes
// the list TTL, retrying each step with doubling delay.
func appendWithRetry(ctx context.Context, rc RedisAppender, rideID string, payload []byte, ttl time.Duration, attempts int, delay time.Duration) error {
	key := source.EventsKey(rideID)
	pushed := false
	var err error
	for i := 0; i < attempts; i++ {
		if !pushed {
			if err = rc.RPush(ctx, key, payload); err != nil {
				if !sleepCtx(ctx, delay) {
					return ctx.Err()
				}
				delay *= 2
				continue
			}
			// a retried RPUSH would duplicate the event, so only the expiry is retried from here
			pushed = true
		}
		if err = rc.Expire(ctx, key, ttl); err != nil {
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
			continue
		}
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
