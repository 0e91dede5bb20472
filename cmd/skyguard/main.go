// SkyGuard polls OpenSky state vectors, scores each record across four
// quality dimensions, detects anomalies, and quarantines records that fail
// the policy. Quarantined records land in Postgres, notifications go out over
// NATS, and alerts and batch reports are published to Kafka. A review API
// drives the quarantine lifecycle.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/skyward/skyguard/internal/api"
	"github.com/skyward/skyguard/internal/config"
	"github.com/skyward/skyguard/internal/ingestion"
	"github.com/skyward/skyguard/internal/metrics"
	"github.com/skyward/skyguard/internal/mq"
	"github.com/skyward/skyguard/internal/notify"
	"github.com/skyward/skyguard/internal/quality"
	"github.com/skyward/skyguard/internal/retention"
	"github.com/skyward/skyguard/internal/store"
	"github.com/skyward/skyguard/pkg/models"
)

// ---------------------------------------------------------------------------
// Application
// ---------------------------------------------------------------------------

// App owns the long-running components and their shutdown order.
type App struct {
	cfg config.Config

	pool         *pgxpool.Pool
	repo         *store.Repository
	notifier     *notify.Publisher
	alertWriter  *kafka.Writer
	reportWriter *kafka.Writer
	orchestrator *quality.Orchestrator
	reports      *mq.ReportPublisher
	poller       *ingestion.Poller
	sweeper      *retention.Sweeper
	server       *http.Server
}

func newApp(ctx context.Context, cfg config.Config) (*App, error) {
	app := &App{cfg: cfg}

	validatorCfg, detectorCfg, deciderCfg, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	validator, err := quality.NewValidator(validatorCfg)
	if err != nil {
		return nil, err
	}
	detector := quality.NewDetector(detectorCfg)
	decider := quality.NewDecider(deciderCfg)

	// Storage
	pool, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	app.pool = pool
	if err := store.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	app.repo = store.NewRepository(pool)

	// Notifications
	app.notifier, err = notify.NewPublisher(cfg.NATSURL, cfg.NATSSubject)
	if err != nil {
		log.Printf("NATS unavailable, quarantine notifications disabled: %v", err)
	}

	// Kafka alert and report streams
	var alerts quality.AlertSink
	if len(cfg.KafkaBrokers) > 0 {
		app.alertWriter = mq.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopicAlerts)
		app.reportWriter = mq.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopicBatch)
		alerts = mq.NewAlertPublisher(app.alertWriter)
		app.reports = mq.NewReportPublisher(app.reportWriter)
	} else {
		log.Println("No Kafka brokers configured, alerts and batch reports disabled")
	}

	var notifier quality.Notifier
	if app.notifier != nil {
		notifier = app.notifier
	}

	app.orchestrator = quality.NewOrchestrator(
		quality.DefaultOrchestratorConfig(),
		validator, detector, decider,
		app.repo, notifier, metrics.NewSink(metrics.Default()), alerts,
	)

	// Ingestion
	clientOpts := []ingestion.ClientOption{ingestion.WithBaseURL(cfg.OpenSkyBaseURL)}
	switch {
	case cfg.CredentialsFile != "":
		creds, err := ingestion.LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Printf("OpenSky auth: OAuth2 credentials from %s (client_id=%s)", cfg.CredentialsFile, creds.ClientID)
		clientOpts = append(clientOpts, ingestion.WithClientCredentials(creds.ClientID, creds.ClientSecret))
	case cfg.OpenSkyClientID != "":
		log.Printf("OpenSky auth: OAuth2 client credentials (client_id=%s)", cfg.OpenSkyClientID)
		clientOpts = append(clientOpts, ingestion.WithClientCredentials(cfg.OpenSkyClientID, cfg.OpenSkySecret))
	default:
		log.Println("OpenSky auth: anonymous (reduced rate limits)")
	}

	pollerCfg := ingestion.DefaultPollerConfig()
	pollerCfg.PollInterval = cfg.PollInterval
	pollerCfg.Filter = ingestion.Filter{
		OriginCountries:  cfg.OriginCountries,
		CallsignPrefixes: cfg.CallsignPrefixes,
	}
	app.poller = ingestion.NewPoller(ingestion.NewClient(clientOpts...), pollerCfg, app.handleBatch)

	// Retention
	sweepCfg := retention.DefaultConfig()
	sweepCfg.Interval = cfg.SweepInterval
	sweepCfg.Grace = cfg.RetentionGrace
	app.sweeper = retention.NewSweeper(sweepCfg, app.repo)

	// Review API
	srv := api.NewServer(app.repo, &api.Validator{
		Scorer:   validator,
		Detector: detector,
		Decider:  decider,
	}, metrics.Default(), app.sweeper, app.poller.Metrics())

	app.server = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return app, nil
}

// handleBatch runs one polled batch through the quality pipeline and fans the
// report out to metrics and Kafka.
func (a *App) handleBatch(ctx context.Context, states []models.StateVector) error {
	report := a.orchestrator.ProcessBatch(ctx, states)

	metrics.RecordsProcessed.Add(int64(report.Processed))
	metrics.RecordsQuarantined.Add(int64(report.Quarantined))
	metrics.RecordsFailed.Add(int64(report.Failed))
	metrics.QualityIssues.Add(int64(report.IssuesFound))
	metrics.Anomalies.Add(int64(report.AnomaliesDetected))
	metrics.BatchDuration.Observe(report.Duration.Seconds())

	if counts, err := a.repo.StatusCounts(ctx); err == nil {
		backlog := counts[quality.StatusQuarantined] + counts[quality.StatusUnderReview]
		metrics.QuarantineBacklog.Set(float64(backlog))
	}

	if a.reports != nil {
		if err := a.reports.Publish(ctx, report); err != nil {
			log.Printf("Publishing batch report: %v", err)
		}
	}

	log.Printf("Batch done: processed=%d quarantined=%d failed=%d avg_score=%.3f duration=%s",
		report.Processed, report.Quarantined, report.Failed, report.AverageScore, report.Duration.Round(time.Millisecond))
	return nil
}

// Run starts every component and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	log.Println("SkyGuard starting...")
	log.Printf("Configuration: addr=%s poll=%s sweep=%s", a.cfg.HTTPAddr, a.cfg.PollInterval, a.cfg.SweepInterval)

	a.sweeper.Start(ctx)

	go func() {
		log.Printf("HTTP server listening on %s", a.cfg.HTTPAddr)
		if err := a.server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Println("Fetching initial state vectors from OpenSky...")
	if count, err := a.poller.PollOnce(ctx); err != nil {
		log.Printf("Initial fetch failed: %v", err)
	} else {
		log.Printf("Processed %d state vectors", count)
	}

	if err := a.poller.Start(ctx); err != nil {
		log.Printf("Failed to start polling: %v", err)
	}

	<-ctx.Done()
	log.Println("Shutting down...")
	return a.Shutdown()
}

// Shutdown stops components in reverse dependency order.
func (a *App) Shutdown() error {
	if a.poller != nil {
		a.poller.Stop()
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	if a.alertWriter != nil {
		_ = a.alertWriter.Close()
	}
	if a.reportWriter != nil {
		_ = a.reportWriter.Close()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}

	log.Println("SkyGuard stopped")
	return nil
}

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Printf("Startup failed: %v", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("Run failed: %v", err)
		os.Exit(1)
	}
}
