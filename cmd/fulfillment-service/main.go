package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/installdesk/internal/archive"
	"github.com/ILLUVRSE/installdesk/internal/auth"
	"github.com/ILLUVRSE/installdesk/internal/catalog"
	"github.com/ILLUVRSE/installdesk/internal/config"
	"github.com/ILLUVRSE/installdesk/internal/events"
	"github.com/ILLUVRSE/installdesk/internal/httpserver"
	"github.com/ILLUVRSE/installdesk/internal/jobrunner"
	"github.com/ILLUVRSE/installdesk/internal/logging"
	"github.com/ILLUVRSE/installdesk/internal/metrics"
	"github.com/ILLUVRSE/installdesk/internal/runner"
	"github.com/ILLUVRSE/installdesk/internal/saga"
	"github.com/ILLUVRSE/installdesk/internal/service"
	"github.com/ILLUVRSE/installdesk/internal/store"
	"github.com/ILLUVRSE/installdesk/internal/ticket"
)

func main() {
	runSweeper := flag.Bool("sweep", false, "periodically resume unfinished requests")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config load: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component(logger, "main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	tickets := ticketClient(cfg, log)
	jobs := jobClient(cfg, log)

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		publisher = kp
		log.WithField("topic", cfg.Kafka.Topic).Info("publishing status events to kafka")
	}
	defer publisher.Close()

	var archiver archive.Archiver = archive.Nop{}
	if cfg.Archive.Bucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix)
		if err != nil {
			log.Fatalf("archiver init: %v", err)
		}
		archiver = s3a
	}

	var cache catalog.Cache
	if cfg.Redis.Addr != "" {
		rc, err := catalog.NewRedisCache(catalog.RedisCacheConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			log.Fatalf("redis cache init: %v", err)
		}
		defer rc.Close()
		cache = rc
	}

	m := metrics.New()
	orch := saga.New(saga.Config{
		PollBaseInterval: cfg.Saga.PollBaseInterval,
		PollMaxInterval:  cfg.Saga.PollMaxInterval,
		PollTimeout:      cfg.Saga.PollTimeout,
		MaxPollErrors:    cfg.Saga.MaxPollErrors,
		ApprovalRequired: cfg.Saga.ApprovalRequired,
		ResolutionCode:   cfg.Saga.ResolutionCode,
		PublishTimeout:   cfg.Saga.PublishTimeout,
	}, saga.Deps{
		Store:    st,
		Tickets:  tickets,
		Jobs:     jobs,
		Events:   publisher,
		Archiver: archiver,
		Metrics:  m,
		Log:      logging.Component(logger, "saga"),
	})
	loader := catalog.NewLoader(st, cache, logging.Component(logger, "catalog"))
	svc := service.New(st, loader, orch, service.Options{
		SyncWait:      cfg.SyncWait,
		RecoverMinAge: cfg.SweepMinAge,
		Log:           logging.Component(logger, "service"),
	})

	verifier := supervisorVerifier(cfg, log)
	server := httpserver.New(svc, st, httpserver.Options{
		Verifier: verifier,
		Metrics:  m.Handler(),
		Log:      logging.Component(logger, "http"),
		Timeout:  cfg.SyncWait + 25*time.Second,
	})

	if cfg.RecoverOnBoot {
		n, err := svc.Recover(ctx)
		if err != nil {
			log.WithError(err).Warn("boot recovery failed")
		} else {
			log.WithField("resumed", n).Info("boot recovery complete")
		}
	}
	if shouldSweep(*runSweeper, cfg) {
		log.WithField("interval", cfg.SweepInterval.String()).Info("starting recovery sweeper")
		go runner.RunSweeper(ctx, svc, runner.Config{
			Interval: cfg.SweepInterval,
			Log:      logging.Component(logger, "sweeper"),
		})
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("fulfillment service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer, svc, log)
}

func openStore(ctx context.Context, cfg config.Config, log *logrus.Entry) (store.Store, func()) {
	if cfg.Store == "memory" {
		st := store.NewMemoryStore()
		for _, e := range catalog.DefaultEntries() {
			if _, err := st.UpsertCatalogEntry(ctx, e); err != nil {
				log.Fatalf("seed catalog: %v", err)
			}
		}
		log.Warn("using in-memory store; requests are lost on restart")
		return st, func() {}
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	if cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx, db); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
	}
	return store.NewPGStore(db), func() { db.Close() }
}

func ticketClient(cfg config.Config, log *logrus.Entry) ticket.Client {
	if cfg.ServiceNow.URL == "" {
		log.Warn("SERVICENOW_URL not set; tickets are kept in memory")
		return ticket.NewMemoryClient()
	}
	c, err := ticket.NewServiceNowClient(ticket.ServiceNowConfig{
		BaseURL:  cfg.ServiceNow.URL,
		User:     cfg.ServiceNow.User,
		Password: cfg.ServiceNow.Password,
		Table:    cfg.ServiceNow.Table,
		Timeout:  cfg.ServiceNow.Timeout,
	})
	if err != nil {
		log.Fatalf("servicenow client init: %v", err)
	}
	return c
}

func jobClient(cfg config.Config, log *logrus.Entry) jobrunner.Client {
	if cfg.Rundeck.URL == "" {
		log.Warn("RUNDECK_URL not set; installs are simulated")
		return jobrunner.NewMemoryClient(jobrunner.SucceedAfter(1))
	}
	c, err := jobrunner.NewRundeckClient(jobrunner.RundeckConfig{
		BaseURL:    cfg.Rundeck.URL,
		Token:      cfg.Rundeck.Token,
		JobID:      cfg.Rundeck.JobID,
		OptionName: cfg.Rundeck.OptionName,
		APIVersion: cfg.Rundeck.APIVersion,
		Timeout:    cfg.Rundeck.Timeout,
	})
	if err != nil {
		log.Fatalf("rundeck client init: %v", err)
	}
	return c
}

func supervisorVerifier(cfg config.Config, log *logrus.Entry) *auth.Verifier {
	acfg := auth.Config{
		Secret: cfg.Supervisor.JWTSecret,
		Issuer: cfg.Supervisor.Issuer,
		Role:   cfg.Supervisor.Role,
	}
	if cfg.AllowDebugToken {
		log.Warn("debug token accepted on supervisor routes")
		acfg.DebugToken = cfg.DebugToken
	}
	if acfg.Secret == "" && acfg.DebugToken == "" {
		log.Warn("SUPERVISOR_JWT_SECRET not set; supervisor routes disabled")
		return nil
	}
	v, err := auth.NewVerifier(acfg)
	if err != nil {
		log.Fatalf("supervisor auth init: %v", err)
	}
	return v
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, svc *service.Service, log *logrus.Entry) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
	if err := svc.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("sagas still running at shutdown; they resume on next boot")
	}
}

// shouldSweep is off unless -sweep or FULFILLMENT_SWEEPER asks for it; a zero
// interval disables it either way.
func shouldSweep(flagValue bool, cfg config.Config) bool {
	if cfg.SweepInterval <= 0 {
		return false
	}
	return flagValue || cfg.Sweeper
}
