package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chaoss/grimoirelab-core/config"
	"github.com/chaoss/grimoirelab-core/internal/archivist"
	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/data"
	"github.com/chaoss/grimoirelab-core/internal/eventizer"
	"github.com/chaoss/grimoirelab-core/internal/identities"
	"github.com/chaoss/grimoirelab-core/internal/maintenance"
	"github.com/chaoss/grimoirelab-core/internal/observability/statsd"
	"github.com/chaoss/grimoirelab-core/internal/scheduler"
	"github.com/chaoss/grimoirelab-core/internal/service"
	"github.com/chaoss/grimoirelab-core/internal/worker"
)

// ServiceContainer holds the wired application services, ready to hand
// to the HTTP router and the background runners.
type ServiceContainer struct {
	Tasks     *service.TaskService
	Scheduler *service.SchedulerService
	Registry  *scheduler.Registry

	TaskRepo *data.TaskRepo
	JobRepo  *data.JobRepo

	// Identities is the identity service client; nil unless a service
	// URL is configured. Identity jobs fail until one is set.
	Identities *identities.Client

	// Storage is the OpenSearch client; nil unless a storage URL is
	// configured.
	Storage *opensearch.Client

	// Events serves the indexed-events query endpoint; nil when Storage is.
	Events core.EventQuerier

	Observability ObservabilityContainer
}

// ObservabilityContainer carries the metrics sink and its settings so
// services can tag what they emit.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// Sink returns the metrics sink as an interface, keeping it nil when the
// client never initialised so callers can test against nil.
//
//nolint:ireturn // statsd.Sink is the injection point of every service.
func (o ObservabilityContainer) Sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// ServiceDeps is the infrastructure NewServices builds on.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories bundles the data adapters behind the service ports.
type serviceRepositories struct {
	DB       *sql.DB
	TaskRepo *data.TaskRepo
	JobRepo  *data.JobRepo
}

// buildObservability configures the metrics sink. A statsd setup error
// disables metrics rather than failing the boot.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	if logger == nil {
		logger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("statsd client disabled", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

func buildRepositories(db *sql.DB, logger *slog.Logger) *serviceRepositories {
	repoCfg := data.RepoConfig{Logger: logger}
	return &serviceRepositories{
		DB:       db,
		TaskRepo: data.NewTaskRepo(db, repoCfg),
		JobRepo:  data.NewJobRepo(db, repoCfg),
	}
}

// buildIdentitiesClient creates the identity service client, or nil when no
// service URL is configured.
func buildIdentitiesClient(cfg config.IdentitiesConfig) (*identities.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	return identities.NewClient(identities.Config{
		BaseURL:      cfg.URL,
		Token:        cfg.Token,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Timeout:      cfg.Timeout,
		RetryLimit:   cfg.RetryLimit,
	})
}

// buildStorage creates the OpenSearch client and the events reader backing
// the query endpoint. Both are nil when no storage URL is configured.
func buildStorage(cfg config.AppConfig, logger *slog.Logger) (*opensearch.Client, core.EventQuerier, error) {
	if cfg.OpenSearch.URL == "" {
		logger.Warn("opensearch storage not configured; events endpoint and archivist disabled")
		return nil, nil, nil
	}

	client, err := archivist.NewStorageClient(archivist.StorageOptions{
		URL:         cfg.OpenSearch.URL,
		Username:    cfg.OpenSearch.Username,
		Password:    cfg.OpenSearch.Password,
		VerifyCerts: cfg.OpenSearch.VerifyCerts,
		MaxRetries:  cfg.OpenSearch.MaxRetries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("storage client: %w", err)
	}

	events, err := archivist.NewEventsReader(client, cfg.Archivist.Index)
	if err != nil {
		return nil, nil, fmt.Errorf("events reader: %w", err)
	}

	return client, events, nil
}

// NewServices wires the application services from shared infrastructure.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	if deps.Config == nil {
		return ServiceContainer{}, errors.New("app config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	observability := buildObservability(logger, cfg.Observability)
	repos := buildRepositories(deps.DB, logger)

	identClient, err := buildIdentitiesClient(cfg.Identities)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("identity service client: %w", err)
	}

	registry := scheduler.NewRegistry()
	defaults := scheduler.DefaultsOptions{
		EventizerQueue:  cfg.Eventizer.Queue,
		IdentitiesQueue: cfg.Identities.Queue,
		EventsStream:    cfg.Events.Stream,
		StreamMaxLength: cfg.Events.StreamMaxLength,
		SystemBotUser:   cfg.Identities.BotUser,
	}
	if identClient != nil {
		defaults.Backends = identities.NewCatalog(identClient)
	}
	if err := scheduler.RegisterDefaults(registry, defaults); err != nil {
		return ServiceContainer{}, fmt.Errorf("register task types: %w", err)
	}

	schedulerSvc, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Tasks:    repos.TaskRepo,
		Jobs:     repos.JobRepo,
		Registry: registry,
		Metrics:  observability.Sink(),
		Logger:   logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("scheduler service: %w", err)
	}

	taskSvc, err := service.NewTaskService(service.TaskServiceOptions{
		Tasks:    repos.TaskRepo,
		Jobs:     repos.JobRepo,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("task service: %w", err)
	}

	storage, events, err := buildStorage(*cfg, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	return ServiceContainer{
		Tasks:         taskSvc,
		Scheduler:     schedulerSvc,
		Registry:      registry,
		TaskRepo:      repos.TaskRepo,
		JobRepo:       repos.JobRepo,
		Identities:    identClient,
		Storage:       storage,
		Events:        events,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig carries everything RunServicesWithShutdown
// needs to start and stop the enabled services.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// shutdownWaitTimeout bounds the HTTP drain and each background stop.
const shutdownWaitTimeout = 15 * time.Second

// serviceSpec describes one startable background component.
type serviceSpec struct {
	mode config.ServiceMode
	name string
	run  func(context.Context) error
}

// runningService tracks a launched component until its goroutine exits.
type runningService struct {
	name string
	done <-chan struct{}
}

// orchestrator owns the lifecycle of every enabled service.
type orchestrator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     *ServiceOrchestrationConfig
	logger  *slog.Logger
	enabled map[config.ServiceMode]bool
	errCh   chan error

	httpServer *http.Server
	running    []runningService
}

// RunServicesWithShutdown starts every enabled service and blocks until
// a termination signal arrives or one of them fails. The HTTP server
// starts first so a bad listener or auth setup fails the boot before
// any background work begins.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("orchestration requires an app config")
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	specs := backgroundSpecs(cfg, logger)
	o := &orchestrator{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		logger:  logger,
		enabled: enabled,
		// Each component reports at most one failure, so the buffer
		// guarantees no exiting goroutine ever blocks.
		errCh: make(chan error, len(specs)),
	}

	if err := o.startHTTP(); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	for _, spec := range specs {
		o.launch(spec)
	}

	return o.waitForShutdown()
}

func (o *orchestrator) startHTTP() error {
	if !o.enabled[config.ServiceModeHTTP] {
		return nil
	}
	server, err := StartHTTPServer(o.ctx, &HTTPServerConfig{
		Config:   o.cfg.Config,
		Services: o.cfg.Services,
		Logger:   o.logger,
	})
	if err != nil {
		return err
	}
	o.httpServer = server
	return nil
}

// launch starts one background component when its mode is enabled.
func (o *orchestrator) launch(spec serviceSpec) {
	if !o.enabled[spec.mode] {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := spec.run(o.ctx)
		if err == nil {
			return
		}
		select {
		case o.errCh <- fmt.Errorf("%s failed: %w", spec.name, err):
		case <-o.ctx.Done():
		}
	}()

	o.logger.InfoContext(o.ctx, "background service started", "service", spec.name, "mode", spec.mode)
	o.running = append(o.running, runningService{name: spec.name, done: done})
}

// waitForShutdown blocks until SIGINT/SIGTERM or the first service
// failure, then stops whatever is still running.
func (o *orchestrator) waitForShutdown() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		o.logger.Info("shutdown signal received", "signal", sig.String())
		o.cancel()
		return o.stopAll()
	case err := <-o.errCh:
		o.logger.Error("service failed, shutting down", "error", err)
		o.cancel()
		if stopErr := o.stopAll(); stopErr != nil {
			o.logger.Error("stop after failure", "error", stopErr)
		}
		return err
	}
}

// stopAll drains the HTTP server first so clients stop producing work,
// then waits for each background component to wind down. The drain gets
// a fresh context: the service context is already canceled by now.
func (o *orchestrator) stopAll() error {
	if o.httpServer != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()
		if err := ShutdownHTTPServer(drainCtx, o.httpServer, o.logger); err != nil {
			return err
		}
	}

	for _, svc := range o.running {
		select {
		case <-svc.done:
			o.logger.Info("service stopped", "service", svc.name)
		case <-time.After(shutdownWaitTimeout):
			o.logger.Warn("service did not stop in time", "service", svc.name)
		}
	}
	return nil
}

// ignoreCanceled maps a context cancellation to a clean stop.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newStreamPublisherFactory opens one event stream publisher per run; runs
// name their stream through job arguments.
func newStreamPublisherFactory(client redis.UniversalClient) eventizer.PublisherFactory {
	return func(stream string, maxLength int64) (core.EventPublisher, error) {
		return data.NewEventStream(data.EventStreamOptions{
			Client:    client,
			Stream:    stream,
			MaxLength: maxLength,
		})
	}
}

// backgroundSpecs lists every background component this process can run.
// The orchestrator filters them by enabled mode at launch time.
func backgroundSpecs(cfg *ServiceOrchestrationConfig, logger *slog.Logger) []serviceSpec {
	return []serviceSpec{
		maintenanceSpec(cfg, logger),
		eventizerWorkersSpec(cfg, logger),
		identitiesWorkersSpec(cfg, logger),
		archivistSpec(cfg, logger),
	}
}

func maintenanceSpec(cfg *ServiceOrchestrationConfig, logger *slog.Logger) serviceSpec {
	return serviceSpec{
		mode: config.ServiceModeScheduler,
		name: "scheduler maintenance",
		run: func(ctx context.Context) error {
			app := cfg.Config
			runner, err := maintenance.NewRunner(maintenance.RunnerOptions{
				Jobs:      cfg.Services.JobRepo,
				Scheduler: cfg.Services.Scheduler,
				Config: core.MaintenanceConfig{
					Interval:        app.Scheduler.MaintenanceInterval,
					Queues:          []string{app.Eventizer.Queue, app.Identities.Queue},
					RetentionMaxAge: app.Retention.MaxAge,
					RetentionKeep:   app.Retention.KeepNewest,
				},
				Logger:  logger,
				Metrics: cfg.Services.Observability.Sink(),
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func eventizerWorkersSpec(cfg *ServiceOrchestrationConfig, logger *slog.Logger) serviceSpec {
	return serviceSpec{
		mode: config.ServiceModeEventizer,
		name: "eventizer workers",
		run: func(ctx context.Context) error {
			app := cfg.Config
			chronicler, err := eventizer.NewChronicler(eventizer.ChroniclerOptions{
				NewPublisher:    newStreamPublisherFactory(cfg.RedisClient),
				CheckpointEvery: app.Eventizer.CheckpointEvery,
				Metrics:         cfg.Services.Observability.Sink(),
				Logger:          logger,
			})
			if err != nil {
				return err
			}
			runner, err := worker.NewRunner(worker.RunnerOptions{
				Jobs:         cfg.Services.JobRepo,
				Scheduler:    cfg.Services.Scheduler,
				Registry:     cfg.Services.Registry,
				Chronicler:   chronicler,
				Logger:       logger,
				Metrics:      cfg.Services.Observability.Sink(),
				Queue:        app.Eventizer.Queue,
				Lease:        app.Eventizer.JobLease,
				Concurrency:  app.Eventizer.Workers,
				PollInterval: app.Eventizer.PollInterval,
			})
			if err != nil {
				return err
			}
			return ignoreCanceled(runner.Run(ctx))
		},
	}
}

// identitiesWorkersSpec shares the eventizer mode: one worker process
// serves both queues.
func identitiesWorkersSpec(cfg *ServiceOrchestrationConfig, logger *slog.Logger) serviceSpec {
	return serviceSpec{
		mode: config.ServiceModeEventizer,
		name: "identities workers",
		run: func(ctx context.Context) error {
			client := cfg.Services.Identities
			if client == nil {
				logger.WarnContext(ctx, "identity service not configured; identity jobs will not run")
				return nil
			}
			app := cfg.Config
			runner, err := worker.NewRunner(worker.RunnerOptions{
				Jobs:         cfg.Services.JobRepo,
				Scheduler:    cfg.Services.Scheduler,
				Registry:     cfg.Services.Registry,
				Handlers:     identities.Handlers(client),
				Logger:       logger,
				Metrics:      cfg.Services.Observability.Sink(),
				Queue:        app.Identities.Queue,
				Lease:        app.Identities.JobLease,
				Concurrency:  app.Identities.Workers,
				PollInterval: app.Eventizer.PollInterval,
			})
			if err != nil {
				return err
			}
			return ignoreCanceled(runner.Run(ctx))
		},
	}
}

func archivistSpec(cfg *ServiceOrchestrationConfig, logger *slog.Logger) serviceSpec {
	return serviceSpec{
		mode: config.ServiceModeArchivist,
		name: "archivist",
		run: func(ctx context.Context) error {
			app := cfg.Config
			storage := cfg.Services.Storage
			if storage == nil {
				return errors.New("archivist requires opensearch storage; set OPENSEARCH_URL")
			}
			indexer, err := archivist.NewIndexer(archivist.IndexerOptions{
				Client:  storage,
				Index:   app.Archivist.Index,
				Logger:  logger,
				Metrics: cfg.Services.Observability.Sink(),
			})
			if err != nil {
				return err
			}
			source, err := data.NewEventStream(data.EventStreamOptions{
				Client:    cfg.RedisClient,
				Stream:    app.Events.Stream,
				MaxLength: app.Events.StreamMaxLength,
			})
			if err != nil {
				return err
			}
			pool, err := archivist.NewPool(archivist.PoolOptions{
				Source:       source,
				Indexer:      indexer,
				Logger:       logger,
				Metrics:      cfg.Services.Observability.Sink(),
				Group:        app.Archivist.Group,
				Consumers:    app.Archivist.Workers,
				BulkSize:     app.Archivist.BulkSize,
				Block:        app.Archivist.Block,
				ClaimIdle:    app.Archivist.ClaimIdle,
				EventsFilter: app.Archivist.EventsFilter,
			})
			if err != nil {
				return err
			}
			return ignoreCanceled(pool.Run(ctx))
		},
	}
}
