package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/api"
	"github.com/ahrav/execution-service/internal/api/health"
	"github.com/ahrav/execution-service/internal/app/cluster"
	app "github.com/ahrav/execution-service/internal/app/execution"
	"github.com/ahrav/execution-service/internal/config"
	"github.com/ahrav/execution-service/internal/domain/events"
	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/cluster/kubernetes"
	"github.com/ahrav/execution-service/internal/infra/cluster/standalone"
	"github.com/ahrav/execution-service/internal/infra/eventbus"
	"github.com/ahrav/execution-service/internal/infra/eventbus/kafka"
	membus "github.com/ahrav/execution-service/internal/infra/eventbus/memory"
	"github.com/ahrav/execution-service/internal/infra/redact"
	"github.com/ahrav/execution-service/internal/infra/retry"
	"github.com/ahrav/execution-service/internal/infra/runner"
	"github.com/ahrav/execution-service/internal/infra/runner/awsbatch"
	"github.com/ahrav/execution-service/internal/infra/runner/gcpbatch"
	"github.com/ahrav/execution-service/internal/infra/runner/github"
	"github.com/ahrav/execution-service/internal/infra/runner/gitlab"
	"github.com/ahrav/execution-service/internal/infra/sealing"
	"github.com/ahrav/execution-service/internal/infra/services"
	"github.com/ahrav/execution-service/internal/infra/storage"
	memstore "github.com/ahrav/execution-service/internal/infra/storage/execution/memory"
	pgstore "github.com/ahrav/execution-service/internal/infra/storage/execution/postgres"
	"github.com/ahrav/execution-service/internal/infra/workflow"
	"github.com/ahrav/execution-service/pkg/common"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// wiring is everything run needs once the ports are resolved.
type wiring struct {
	svc         *app.Service
	bus         events.EventBus
	leader      cluster.Coordinator
	authorizer  *api.JWTAuthorizer
	checks      map[string]health.Checker
	runnerTypes []string

	closers []func() error
}

func (w *wiring) close(log *logger.Logger) {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			log.Error(context.Background(), "failed to release resource", "error", err)
		}
	}
}

// stores are the persistence ports, Postgres-backed or in memory.
type stores struct {
	executions   domain.Repository
	pool         domain.ResourcePool
	data         domain.DataRepository
	idempotency  domain.IdempotencyStore
	failedToFree domain.FailedToFreeBucket
	feed         domain.ChangeFeed
	expirers     []app.Expirer
}

func wire(
	ctx context.Context,
	cfg *config.Config,
	hostname string,
	mp metric.MeterProvider,
	tracer trace.Tracer,
	log *logger.Logger,
) (*wiring, error) {
	w := &wiring{checks: make(map[string]health.Checker)}
	ok := false
	defer func() {
		if !ok {
			w.close(log)
		}
	}()

	metrics, err := app.NewExecutionMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating execution metrics: %w", err)
	}

	st, err := w.openStores(ctx, cfg, tracer, log)
	if err != nil {
		return nil, err
	}

	if cfg.LocalMode() {
		broker := membus.NewBroker()
		w.bus = broker
		w.closers = append(w.closers, broker.Close)
	} else {
		bus, err := connectKafka(cfg, hostname, metrics, tracer, log, w)
		if err != nil {
			return nil, err
		}
		w.bus = bus
	}
	publisher := eventbus.NewDomainEventPublisher(w.bus, tracer)

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry, err := buildRunners(ctx, cfg, awsCfg, tracer, log)
	if err != nil {
		return nil, err
	}
	for _, t := range registry.types {
		w.runnerTypes = append(w.runnerTypes, string(t))
	}

	w.authorizer, err = api.NewJWTAuthorizer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.ClockSkew)
	if err != nil {
		return nil, fmt.Errorf("creating authorizer: %w", err)
	}

	redactor, err := redact.New()
	if err != nil {
		return nil, fmt.Errorf("creating redactor: %w", err)
	}

	if w.leader, err = newLeader(cfg, hostname, tracer, log); err != nil {
		return nil, err
	}
	w.leader.OnLeadershipChange(func(isLeader bool) {
		metrics.SetLeaderStatus(context.Background(), isLeader)
	})

	deps := &app.Dependencies{
		Executions:   st.executions,
		Pool:         st.pool,
		Data:         st.data,
		Idempotency:  st.idempotency,
		FailedToFree: st.failedToFree,
		Runners:      registry.Registry,
		Workflow:     workflow.NewStepFunctions(sfn.NewFromConfig(awsCfg), tracer),
		Publisher:    publisher,
		Redactor:     redactor,
		Metrics:      metrics,
		Leader:       w.leader,
	}

	svcClient := services.NewServiceHTTPClient(ctx, cfg.Services.Credentials, cfg.Services.Timeout)
	if cfg.Services.AssetURL != "" {
		deps.Assets = services.NewAssetClient(cfg.Services.AssetURL, svcClient, tracer)
	}
	if cfg.Services.AuthURL != "" {
		deps.Auth = services.NewAuthClient(cfg.Services.AuthURL, svcClient, tracer)
	} else {
		deps.Auth = w.authorizer
	}

	if cfg.Retry.ExecutionLambdaARN != "" {
		deps.Retry = retry.NewLambdaInvoker(lambda.NewFromConfig(awsCfg), cfg.Retry.ExecutionLambdaARN, tracer)
	} else {
		deps.Retry = retry.NewBusInvoker(publisher)
	}

	if cfg.Sealing.Key != "" {
		box, err := sealing.NewSecretBox(cfg.Sealing.Key)
		if err != nil {
			return nil, fmt.Errorf("creating sealer: %w", err)
		}
		deps.Sealer = box
	} else {
		log.Warn(ctx, "sealing key not configured; dispatch secrets are stored unsealed")
	}

	w.svc = app.NewService(appConfig(cfg), deps, st.feed, log, tracer, st.expirers...)
	ok = true
	return w, nil
}

func appConfig(cfg *config.Config) app.Config {
	return app.Config{
		RetryLimit:                  cfg.Retry.Limit,
		AdmissionRetries:            cfg.Execution.AdmissionRetries,
		FreeRetries:                 cfg.Execution.FreeRetries,
		FreeInterval:                cfg.Execution.FreeInterval,
		DefaultMaxResourcesInUse:    cfg.Execution.DefaultMaxResourcesInUse,
		DispatchConcurrency:         cfg.Execution.DispatchConcurrency,
		ExecutionTTL:                cfg.Execution.TTL,
		IdempotencyTTL:              cfg.Idempotency.TTL,
		FailOnMissingIdempotencyKey: cfg.Idempotency.FailOnMissingKey,
		APIHost:                     cfg.APIHost,
	}
}

func (w *wiring) openStores(ctx context.Context, cfg *config.Config, tracer trace.Tracer, log *logger.Logger) (*stores, error) {
	if cfg.LocalMode() {
		log.Warn(ctx, "database.url not set; running on in-memory stores")
		mem := memstore.NewStore()
		return &stores{
			executions:   mem,
			pool:         mem,
			data:         mem,
			idempotency:  mem,
			failedToFree: mem,
			feed:         mem,
			expirers:     []app.Expirer{mem},
		}, nil
	}

	pool, err := storage.NewPool(ctx, storage.PoolConfig{
		DSN:      cfg.Database.URL,
		MinConns: cfg.Database.MinConns,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, func() error { pool.Close(); return nil })

	if err := storage.RunMigrations(pool, cfg.Database.MigrationsDir); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info(ctx, "Migrations applied successfully")
	w.checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

	executions := pgstore.NewExecutionStore(pool, tracer)
	idempotency := pgstore.NewIdempotencyStore(pool, tracer)
	return &stores{
		executions:   executions,
		pool:         pgstore.NewResourcePool(pool, tracer),
		data:         executions,
		idempotency:  idempotency,
		failedToFree: executions,
		feed:         pgstore.NewChangeFeed(pool, tracer, log),
		expirers:     []app.Expirer{executions, idempotency},
	}, nil
}

func connectKafka(
	cfg *config.Config,
	hostname string,
	metrics kafka.EventBusMetrics,
	tracer trace.Tracer,
	log *logger.Logger,
	w *wiring,
) (*kafka.EventBus, error) {
	kafkaCfg := &kafka.EventBusConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.GroupID,
		ClientID: fmt.Sprintf("%s-%s", serviceType, hostname),
		Topics:   cfg.Kafka.Topics,
	}
	client, err := kafka.NewClient(kafkaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	w.closers = append(w.closers, client.Close)

	bus, err := kafka.ConnectEventBus(kafkaCfg, client, log, metrics, tracer)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, bus.Close)
	w.checks["kafka"] = func(context.Context) error {
		if len(client.Brokers()) == 0 {
			return fmt.Errorf("no kafka brokers reachable")
		}
		return nil
	}
	return bus, nil
}

func loadAWS(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.RegionName != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.RegionName))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	return awsCfg, nil
}

type runnerSet struct {
	*runner.Registry
	types []domain.RunnerType
}

// buildRunners registers an adapter for every configured backend.
func buildRunners(
	ctx context.Context,
	cfg *config.Config,
	awsCfg aws.Config,
	tracer trace.Tracer,
	log *logger.Logger,
) (*runnerSet, error) {
	var adapters []domain.RunnerAdapter
	httpClient := common.NewHTTPClient(cfg.Services.Timeout)

	if gh := cfg.Runners.GitHub; gh != nil {
		actions, err := github.NewActionsAdapter(*gh, httpClient, log, tracer)
		if err != nil {
			return nil, fmt.Errorf("creating github actions adapter: %w", err)
		}
		dispatch, err := github.NewDispatchAdapter(*gh, httpClient, log, tracer)
		if err != nil {
			return nil, fmt.Errorf("creating github dispatch adapter: %w", err)
		}
		adapters = append(adapters, actions, dispatch)
	}
	if gl := cfg.Runners.GitLab; gl != nil {
		adapters = append(adapters, gitlab.NewAdapter(*gl, httpClient, log, tracer))
	}
	if ab := cfg.Runners.AWSBatch; ab != nil {
		batchCfg := awsCfg.Copy()
		batchCfg.Region = ab.Region
		adapters = append(adapters, awsbatch.NewAdapter(*ab, batch.NewFromConfig(batchCfg), log, tracer))
	}
	if gb := cfg.Runners.GCPBatch; gb != nil {
		client, err := gcpbatch.NewTokenClient(ctx)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, gcpbatch.NewAdapter(*gb, client, log, tracer))
	}
	if len(adapters) == 0 {
		log.Warn(ctx, "no runners configured; every dispatch will fail")
	}

	registry, err := runner.NewRegistry(adapters...)
	if err != nil {
		return nil, err
	}
	set := &runnerSet{Registry: registry}
	for _, a := range adapters {
		set.types = append(set.types, a.RunnerType())
	}
	return set, nil
}

func newLeader(cfg *config.Config, hostname string, tracer trace.Tracer, log *logger.Logger) (cluster.Coordinator, error) {
	if !cfg.Leader.Enabled {
		return standalone.NewCoordinator(log), nil
	}
	k8sCfg := cfg.Leader.Kubernetes
	coord, err := kubernetes.NewCoordinator(hostname, &k8sCfg, log, tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	return coord, nil
}
