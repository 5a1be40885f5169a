package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/execution-service/internal/api"
	"github.com/ahrav/execution-service/internal/config"
	eventdispatcher "github.com/ahrav/execution-service/internal/infra/event_dispatcher"
	"github.com/ahrav/execution-service/pkg/common"
	"github.com/ahrav/execution-service/pkg/common/logger"
	"github.com/ahrav/execution-service/pkg/common/otel"
)

const serviceType = "executions"

var build = "develop"

func main() {
	_, _ = maxprocs.Set()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	hostname, err := os.Hostname()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get hostname: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg, hostname)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, hostname, log); err != nil {
		log.Error(ctx, "execution service stopped", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "execution service stopped")
}

func newLogger(cfg *config.Config, hostname string) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("EXECUTIONS-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}
	return logger.NewWithMetadata(os.Stdout, parseLevel(cfg.Log.Level), svcName, otel.GetTraceID, logEvents, metadata)
}

func parseLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, hostname string, log *logger.Logger) error {
	providers, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Metrics.OTLPEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Metrics.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true, // TODO: Come back to setup TLS.
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())

	tracer := providers.Tracer.Tracer(serviceType)

	w, err := wire(ctx, cfg, hostname, providers.Meter, tracer, log)
	if err != nil {
		return err
	}
	defer w.close(log)

	apiMetrics, err := api.NewAPIMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}
	server := api.NewServer(api.Config{
		Build:        build,
		Queries:      w.svc.Query,
		Updates:      w.svc.Updater,
		Data:         w.svc.Data,
		Auth:         w.authorizer,
		Metrics:      apiMetrics,
		Checks:       w.checks,
		MaxBodyBytes: cfg.API.MaxBodyBytes,
	}, log)

	dispatcher := eventdispatcher.New(tracer, log)
	dispatcher.RegisterEventHandler(ctx, w.svc.Pipeline)

	g, gctx := errgroup.WithContext(ctx)
	if err := w.bus.Subscribe(gctx, dispatcher.EventTypes(), dispatcher.Dispatch); err != nil {
		return fmt.Errorf("subscribing to lifecycle events: %w", err)
	}

	g.Go(func() error { return w.leader.Start(gctx) })
	g.Go(func() error { return w.svc.Watchdog.Run(gctx, cfg.Watchdog.Interval) })
	g.Go(func() error {
		if err := w.svc.Changes.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("change feed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := net.JoinHostPort(cfg.API.BindHost, strconv.Itoa(cfg.API.Port))
		return server.Run(gctx, addr, cfg.API.ShutdownTimeout)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return common.RunMetricsServer(gctx, cfg.Metrics.Addr) })
	}

	log.Info(ctx, "execution service started",
		"local_mode", cfg.LocalMode(),
		"runners", w.runnerTypes,
	)
	return g.Wait()
}
