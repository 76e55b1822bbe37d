package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/Kinglowther/boda-dispatch/internal/ingest"
	"github.com/Kinglowther/boda-dispatch/internal/logging"
	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/registry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total rider location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	applyOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_reports_applied_total",
		Help: "Total reports applied to the rider registry",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_apply_errors_total",
		Help: "Total registry apply errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, applyOK, applyErrors)
}

// reportApplier is the slice of the ingest pipeline the consumer needs.
type reportApplier interface {
	Apply(ctx context.Context, rep models.LocationReport) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	brokers := []string{"localhost:9092"}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(env, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "rider-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "boda-dispatch-consumer"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "riders_geo"
	}

	riders := registry.NewRedisRegistry(redisAddr, os.Getenv("REDIS_PASSWORD"), geoKey)
	pipeline := &ingest.Pipeline{Registry: riders, Log: logger}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var rep models.LocationReport
		if err := json.Unmarshal(m.Value, &rep); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		if err := applyWithRetry(ctx, pipeline, rep, 3, 200*time.Millisecond); err != nil {
			applyErrors.Inc()
			logger.Warn("apply failed", "rider_id", rep.RiderID, "error", err)
			continue
		}
		applyOK.Inc()
	}
}

// applyWithRetry pushes one report into the registry with retry/backoff.
// Unknown riders are dropped without retrying: the rider was deactivated
// after the report was produced, so redelivery cannot help.
func applyWithRetry(ctx context.Context, a reportApplier, rep models.LocationReport, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = a.Apply(ctx, rep)
		if err == nil {
			return nil
		}
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
