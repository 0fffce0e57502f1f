package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid or unroutable messages received",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Location writes that failed after all retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, storeErrors)
}

// LocationUpdater is the slice of the store the consumer writes to.
type LocationUpdater interface {
	UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		log.WithError(err).Fatal("open postgres")
	}
	defer store.Close()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.GroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: healthMux(store)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.MetricsAddr).Info("metrics/health listening")
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.WithFields(logrus.Fields{"topic": cfg.Topic, "brokers": cfg.KafkaBrokers, "group": cfg.GroupID}).Info("consumer listening")
		consume(gctx, r, store, cfg, log)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("consumer stopped")
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, store LocationUpdater, cfg config.ConsumerConfig, log logrus.FieldLogger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down consumer")
				return
			}
			log.WithError(err).WithField("backoff", backoff).Warn("kafka read error")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()
		handleMessage(ctx, m.Value, store, cfg, log)
	}
}

func handleMessage(ctx context.Context, value []byte, store LocationUpdater, cfg config.ConsumerConfig, log logrus.FieldLogger) {
	u, err := decodeLocation(value)
	if err != nil {
		msgsInvalid.Inc()
		log.WithError(err).Warn("invalid message")
		return
	}
	err = updateWithRetry(ctx, store, u, cfg.MaxRetries, cfg.RetryInterval)
	switch {
	case err == nil:
		observability.LocationUpdates.WithLabelValues("kafka").Inc()
	case errors.Is(err, storage.ErrNotFound):
		msgsInvalid.Inc()
		log.WithField("driver_id", u.DriverID).Warn("location for unknown driver")
	default:
		storeErrors.Inc()
		log.WithError(err).WithField("driver_id", u.DriverID).Error("location update failed")
	}
}

func decodeLocation(b []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, err
	}
	if u.DriverID == "" {
		return u, errors.New("missing driver_id")
	}
	if !(models.Coord{Lat: u.Lat, Lng: u.Lng}).Valid() {
		return u, fmt.Errorf("invalid coordinate %v,%v", u.Lat, u.Lng)
	}
	return u, nil
}

// updateWithRetry writes the location, doubling delay between failed
// attempts. Unknown drivers are not retried.
func updateWithRetry(ctx context.Context, store LocationUpdater, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = store.UpdateDriverLocation(ctx, u.DriverID, models.Coord{Lat: u.Lat, Lng: u.Lng})
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if i == attempts-1 || !sleepCtx(ctx, delay) {
			break
		}
		delay *= 2
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

func healthMux(store interface{ Ping(context.Context) error }) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
