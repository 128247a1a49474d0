package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/NikhilSetiya/cohort-sentinel/internal/api"
	"github.com/NikhilSetiya/cohort-sentinel/internal/cache"
	"github.com/NikhilSetiya/cohort-sentinel/internal/database"
	"github.com/NikhilSetiya/cohort-sentinel/internal/guardrails"
	"github.com/NikhilSetiya/cohort-sentinel/internal/investigation"
	"github.com/NikhilSetiya/cohort-sentinel/internal/scanner"
	"github.com/NikhilSetiya/cohort-sentinel/internal/tools"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/alerting"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/health"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/metrics"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/resilience"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/tracing"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

const historyDestination = "database"

// windowSource is the metric history the scanner reads
type windowSource interface {
	scanner.DataSource
	scanner.CohortLister
}

// app holds every long-lived component of the process
type app struct {
	cfg     *config.Config
	catalog *config.Catalog
	logger  *logging.Logger
	tracing *tracing.TracingService
	metrics *metrics.Metrics

	db    *database.DB
	redis *cache.RedisClient
	repo  database.Repository

	alerts    *alerting.Service
	manager   *resilience.Manager
	service   *investigation.Service
	tools     []investigation.Tool
	scheduler *scanner.Scheduler
	collector *metrics.MetricsCollector
	server    *http.Server
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	if err := a.initObservability(); err != nil {
		return nil, err
	}

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	a.catalog = catalog

	source, err := a.initStorage(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.initRedis(ctx); err != nil {
		return nil, err
	}

	a.initAlerting()

	if err := a.initInvestigations(); err != nil {
		return nil, err
	}

	if err := a.initScanner(source); err != nil {
		return nil, err
	}

	a.initServer()

	ok = true
	return a, nil
}

func (a *app) initObservability() error {
	logger, err := logging.NewLogger(&logging.Config{
		Level:       a.cfg.Logging.Level,
		Format:      a.cfg.Logging.Format,
		Output:      a.cfg.Logging.Output,
		ServiceName: "cohort-sentinel",
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	a.logger = logger

	ts, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "cohort-sentinel",
		ServiceVersion: version,
		Environment:    a.cfg.Tracing.Environment,
		JaegerEndpoint: a.cfg.Tracing.JaegerEndpoint,
		SamplingRate:   a.cfg.Tracing.SamplingRate,
		Enabled:        a.cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracing = ts

	if a.cfg.Metrics.Enabled {
		m, err := metrics.NewMetrics(metrics.DefaultConfig())
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		a.metrics = m
	}
	return nil
}

// initStorage opens the configured database, or keeps everything in memory
// when the driver is "memory"
func (a *app) initStorage(ctx context.Context) (windowSource, error) {
	if a.cfg.Database.Driver == "memory" {
		a.logger.Warn("Using in-memory storage; anomalies and investigations are lost on restart")
		a.repo = database.NewMemoryRepository()
		return database.NewMemoryDataSource(), nil
	}

	if a.cfg.Database.Migrate {
		if err := migrate(a.cfg); err != nil {
			return nil, err
		}
	}

	db, err := database.New(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	a.repo = database.NewSQLRepository(db)

	a.logger.Info("Database connected", "driver", db.Driver())
	return database.NewSQLDataSource(db), nil
}

func migrate(cfg *config.Config) error {
	m, err := database.NewMigrator(cfg.Database.Driver, cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (a *app) initRedis(ctx context.Context) error {
	if !a.cfg.Redis.Enabled {
		return nil
	}

	client, err := cache.NewRedisClient(ctx, &a.cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.redis = client
	return nil
}

func (a *app) cacheService() *cache.Service {
	if a.redis == nil {
		return nil
	}
	return cache.NewService(a.redis, cache.DefaultConfig())
}

// initAlerting registers a channel for every configured alert endpoint
func (a *app) initAlerting() {
	if !a.cfg.Alerting.Enabled {
		return
	}

	a.alerts = alerting.NewService(a.logger, &alerting.Config{
		Enabled:     true,
		MinSeverity: types.Severity(a.cfg.Alerting.MinSeverity),
		MaxActive:   a.cfg.Alerting.MaxActive,
		SendTimeout: 10 * time.Second,
	}, nil)

	channels := 0
	if url := a.cfg.Alerting.SlackWebhookURL; url != "" {
		a.alerts.AddChannel(alerting.NewSlackChannel(url, a.cfg.Alerting.SlackChannel, nil))
		channels++
	}
	if url := a.cfg.Alerting.WebhookURL; url != "" {
		a.alerts.AddChannel(alerting.NewWebhookChannel(url, nil, nil))
		channels++
	}
	if channels == 0 {
		a.logger.Warn("Alerting enabled without channels; alerts are only logged")
	}
}

// publishers fans an investigation update out to every status consumer
type publishers []investigation.StatusPublisher

func (p publishers) Publish(ctx context.Context, inv *types.Investigation) error {
	var result *multierror.Error
	for _, pub := range p {
		if err := pub.Publish(ctx, inv); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (a *app) initInvestigations() error {
	a.manager = resilience.NewManager(
		resilience.WithMetrics(a.metrics),
		resilience.WithTracer(a.tracing.Tracer()),
		resilience.WithLogger(a.logger),
	)
	if err := a.manager.RegisterCatalog(a.catalog); err != nil {
		return fmt.Errorf("failed to register destinations: %w", err)
	}

	var extra []investigation.Tool
	if a.db != nil {
		if _, err := a.manager.State(historyDestination); err != nil {
			spec := a.catalog.Defaults
			spec.Name = historyDestination
			if err := a.manager.Register(historyDestination, resilience.ConfigFromSpec(spec)); err != nil {
				return err
			}
		}
		extra = append(extra, tools.NewFindingHistoryTool(a.db, historyDestination))
	}

	toolset, err := tools.FromCatalog(a.catalog, nil, extra...)
	if err != nil {
		return fmt.Errorf("failed to build tools: %w", err)
	}
	a.tools = toolset

	entityTypes := make(map[string]string)
	for _, d := range a.catalog.Detectors {
		if d.EntityDimension != "" && d.EntityType != "" {
			entityTypes[d.EntityDimension] = d.EntityType
		}
	}

	invCfg := investigation.DefaultConfig()
	invCfg.MaxDuration = a.cfg.Investigation.MaxDuration
	invCfg.DateRangeDays = a.cfg.Investigation.DateRangeDays
	invCfg.RetryCount = a.cfg.Investigation.RetryCount
	invCfg.EntityTypes = entityTypes

	opts := []investigation.Option{
		investigation.WithMetrics(a.metrics),
		investigation.WithTracing(a.tracing),
		investigation.WithLogger(a.logger),
	}
	var pubs publishers
	if svc := a.cacheService(); svc != nil {
		pubs = append(pubs, cache.NewInvestigationCache(svc))
	}
	if a.alerts != nil {
		pubs = append(pubs, a.alerts)
	}
	if len(pubs) > 0 {
		opts = append(opts, investigation.WithPublisher(pubs))
	}

	a.service = investigation.NewService(a.repo, a.manager, invCfg, opts...)
	a.logger.Info("Investigation service ready",
		"tools", len(a.tools),
		"destinations", len(a.manager.Destinations()),
	)
	return nil
}

func (a *app) initScanner(source windowSource) error {
	var fetcher scanner.DataSource = source
	states := guardrails.StateStore(guardrails.NewMemoryStore())

	if svc := a.cacheService(); svc != nil {
		fetcher = cache.NewWindowSource(source, svc)
		states = guardrails.NewRedisStore(a.redis.Client(), "sentinel:guardrails:", a.cfg.Guardrails.StateTTL)
	}

	guard := guardrails.New(states, guardrails.Config{
		Cooldown: a.cfg.Guardrails.Cooldown,
		Shards:   a.cfg.Guardrails.Shards,
	})

	sc := scanner.New(fetcher, a.repo, guard,
		scanner.WithConcurrency(a.cfg.Scanner.Concurrency),
		scanner.WithFetchTimeout(a.cfg.Scanner.FetchTimeout),
		scanner.WithCohortLister(source),
		scanner.WithMetrics(a.metrics),
		scanner.WithTracing(a.tracing),
		scanner.WithLogger(a.logger),
	)

	jobs := make([]scanner.Job, 0, len(a.catalog.Detectors))
	for _, spec := range a.catalog.Detectors {
		cfg, cohorts, err := scanner.FromSpec(spec)
		if err != nil {
			return fmt.Errorf("detector %q: %w", spec.Name, err)
		}
		jobs = append(jobs, scanner.Job{Config: cfg, Cohorts: cohorts})
	}

	var handler scanner.AnomalyHandler
	if a.cfg.Investigation.AutoOpen || a.alerts != nil {
		handler = a.onAnomaly
	}
	a.scheduler = scanner.NewScheduler(sc, jobs, a.cfg.Scanner.Interval, handler)
	return nil
}

func (a *app) onAnomaly(ctx context.Context, anomaly *types.Anomaly) {
	if a.alerts != nil {
		if _, err := a.alerts.NotifyAnomaly(ctx, anomaly); err != nil {
			a.logger.Warn("Failed to raise alert",
				"anomaly_id", anomaly.ID.String(),
				"error", err,
			)
		}
	}
	if a.cfg.Investigation.AutoOpen {
		a.autoInvestigate(ctx, anomaly)
	}
}

// autoInvestigate opens and dispatches an investigation for each emitted anomaly
func (a *app) autoInvestigate(ctx context.Context, anomaly *types.Anomaly) {
	if len(a.tools) == 0 {
		return
	}

	inv, err := a.service.Open(ctx, anomaly.ID)
	if err != nil {
		a.logger.Warn("Failed to open investigation",
			"anomaly_id", anomaly.ID.String(),
			"error", err,
		)
		return
	}
	if inv.Status != types.InvestigationStatusPending {
		return
	}
	if err := a.service.Start(ctx, inv.ID, a.tools); err != nil {
		a.logger.Warn("Failed to start investigation",
			"investigation_id", inv.ID.String(),
			"error", err,
		)
	}
}

func (a *app) initServer() {
	checks := health.NewService(a.logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"version": version},
	})
	checks.RegisterChecker("repository", health.NewPingChecker(a.repo))
	checks.RegisterChecker("destinations", health.NewDestinationChecker(a.manager))
	if a.redis != nil {
		checks.RegisterChecker("redis", health.NewPingChecker(a.redis))
	}

	deps := api.Deps{
		Anomalies: a.repo,
		Lifecycle: a.service,
		Tools:     a.tools,
		Manager:   a.manager,
		Scans:     a.scheduler,
		Logger:    a.logger,
	}
	if a.alerts != nil {
		deps.Alerts = a.alerts
	}
	if svc := a.cacheService(); svc != nil {
		deps.Status = cache.NewInvestigationCache(svc)
	}

	router := api.NewRouter(a.cfg, api.NewHandler(deps), checks, a.metrics)
	a.server = &http.Server{
		Addr:         a.cfg.API.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.API.ReadTimeout,
		WriteTimeout: a.cfg.API.WriteTimeout,
	}

	if a.metrics != nil {
		a.collector = metrics.NewMetricsCollector(a.metrics, a.cfg.Metrics.CollectInterval, a.manager.CollectMetrics)
	}
}

// run serves until ctx is cancelled, then drains in reverse start order
func (a *app) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Operator API listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if a.collector != nil {
		go a.collector.Start(ctx)
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.logger.Error("Operator API failed", "error", err)
		return err
	}
	return nil
}

// close releases everything that was started. Errors are collected so a
// failing component does not keep the others open.
func (a *app) close(ctx context.Context) error {
	var result *multierror.Error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("api: %w", err))
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.service != nil {
		if err := a.service.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("investigations: %w", err))
		}
	}
	if a.alerts != nil {
		a.alerts.Wait()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("database: %w", err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("tracing: %w", err))
		}
	}

	return result.ErrorOrNil()
}
