package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server_exited")
	}
}

func run(ctx context.Context, cfg config.ServerConfig, log *logrus.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		schedule dispatch.Schedule
		ready    httpapi.Pinger
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		schedule = dispatch.NewRedisSchedule(rdb, cfg.ScheduleKey)
		ready = redisPinger{rdb}
	} else {
		log.Warn("REDIS_ADDR not set; offer timers will not survive a restart")
	}

	var (
		events    dispatch.EventPublisher
		locations httpapi.LocationPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaEventsTopic)
		defer kp.Close()
		events, locations = kp, kp
	}

	sender, err := newPushSender(ctx, cfg.Push, log)
	if err != nil {
		return err
	}
	ws := notify.NewWSRegistry()
	gateway := &notify.Gateway{Sender: sender, WS: ws, Log: log}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	var (
		settle dispatch.Payments
		holder httpapi.PaymentHolder
	)
	if cfg.StripeAPIKey != "" {
		sc := payments.NewStripeClient(cfg.StripeAPIKey)
		settle, holder = sc, sc
	}

	engine := dispatch.NewEngine(dispatch.Options{
		Store:             store,
		Locator:           &matcher.Locator{Source: store, MaxDistanceKm: cfg.MaxDistanceKm},
		Notifier:          gateway,
		Schedule:          schedule,
		Events:            events,
		Payments:          settle,
		ETA:               estimator,
		Log:               log,
		OfferTimeout:      cfg.OfferTimeout,
		MaxFallbackRounds: &cfg.MaxFallbackRounds,
	})
	defer engine.Close()

	n, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover dispatch state: %w", err)
	}
	log.WithField("rides", n).Info("dispatch_state_restored")

	api := httpapi.NewServer(httpapi.Options{
		Store:     store,
		Engine:    engine,
		Locations: locations,
		WS:        ws,
		Payments:  holder,
		Currency:  cfg.PaymentCurrency,
		Redis:     ready,
		Logger:    log,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("ride-dispatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, log *logrus.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		log.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ps, err := storage.NewPostgresStore(pctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		applied, err := storage.Migrate(pctx, ps.DB())
		if err != nil {
			_ = ps.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.WithField("migrations", applied).Info("migrations_applied")
	}
	return ps, func() { _ = ps.Close() }, nil
}

func newPushSender(ctx context.Context, cfg config.PushConfig, log logrus.FieldLogger) (notify.Sender, error) {
	switch cfg.Provider {
	case "", "log":
		return &notify.LogSender{Log: log}, nil
	case "fcm":
		s, err := notify.NewFCMSender(ctx, cfg.FCMCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("init fcm: %w", err)
		}
		return s, nil
	case "apns":
		s, err := notify.NewAPNSSender(cfg.APNSKeyFile, cfg.APNSKeyID, cfg.APNSTeamID, cfg.APNSTopic, cfg.APNSProduction)
		if err != nil {
			return nil, fmt.Errorf("init apns: %w", err)
		}
		return s, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, errors.New("PUSH_WEBHOOK_URL is required for the webhook provider")
		}
		return notify.NewWebhookSender(cfg.WebhookURL, cfg.WebhookToken), nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
}

type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }
