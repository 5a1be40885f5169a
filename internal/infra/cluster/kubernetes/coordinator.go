// Package kubernetes elects the replica that runs singleton work using a
// coordination.k8s.io Lease.
package kubernetes

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/execution-service/internal/app/cluster"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator campaigns for a Lease and reports leadership transitions. A
// replica that loses the lease campaigns again until its context ends.
type Coordinator struct {
	instanceID string

	client kubernetes.Interface
	config K8sConfig

	leaderElector *leaderelection.LeaderElector
	leader        atomic.Bool

	cbMu               sync.Mutex
	leadershipChangeCB func(isLeader bool)

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator builds a coordinator from the in-cluster or kubeconfig
// credentials.
func NewCoordinator(instanceID string, cfg *K8sConfig, logger *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	client, err := getKubernetesClient(cfg.KubeConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client for coordinator: %w", err)
	}
	return newCoordinator(instanceID, client, cfg, logger, tracer)
}

func newCoordinator(
	instanceID string,
	client kubernetes.Interface,
	cfg *K8sConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(attribute.String("instance_id", instanceID)))
	defer span.End()

	conf := cfg.withDefaults()
	c := &Coordinator{
		instanceID: instanceID,
		client:     client,
		config:     conf,
		logger: logger.With(
			"component", "kubernetes_coordinator",
			"namespace", conf.Namespace,
			"leader_lock_id", conf.LeaderLockID,
			"identity", conf.Identity,
		),
		tracer: tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      conf.LeaderLockID,
			Namespace: conf.Namespace,
		},
		Client:     client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: conf.Identity},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   conf.LeaseDuration,
		RenewDeadline:   conf.RenewDeadline,
		RetryPeriod:     conf.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            instanceID,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: c.onStartedLeading,
			OnStoppedLeading: c.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	c.leaderElector = elector
	span.AddEvent("leader_elector_created")

	return c, nil
}

// Start campaigns for leadership and blocks until ctx is canceled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info(ctx, "starting leader elector")
	for ctx.Err() == nil {
		// Run returns once leadership is lost or ctx ends.
		c.leaderElector.Run(ctx)
	}
	return nil
}

// Stop is a no-op; the lease is released when Start's context is canceled.
func (c *Coordinator) Stop() error {
	c.logger.Info(context.Background(), "stopping leader elector")
	return nil
}

// OnLeadershipChange registers the callback invoked on every transition.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.cbMu.Lock()
	c.leadershipChangeCB = cb
	c.cbMu.Unlock()
}

func (c *Coordinator) IsLeader() bool { return c.leader.Load() }

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading",
		trace.WithAttributes(attribute.String("instance_id", c.instanceID)))
	defer span.End()

	c.leader.Store(true)
	c.logger.Info(ctx, "became leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading",
		trace.WithAttributes(attribute.String("instance_id", c.instanceID)))
	defer span.End()

	c.leader.Store(false)
	c.logger.Info(ctx, "lost leadership")
	span.AddEvent("leadership_lost")
	c.notify(false)
}

func (c *Coordinator) notify(isLeader bool) {
	c.cbMu.Lock()
	cb := c.leadershipChangeCB
	c.cbMu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}
