package kubernetes

import "time"

// K8sConfig configures lease-based leader election.
type K8sConfig struct {
	Namespace    string `mapstructure:"namespace" validate:"required"`
	LeaderLockID string `mapstructure:"leader_lock_id" validate:"required"`
	Identity     string `mapstructure:"identity" validate:"required"`
	// KubeConfig is only consulted outside a cluster. Empty means the default
	// home-directory kubeconfig.
	KubeConfig string `mapstructure:"kubeconfig"`

	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline"`
	RetryPeriod   time.Duration `mapstructure:"retry_period"`
}

func (c *K8sConfig) withDefaults() K8sConfig {
	out := *c
	if out.LeaseDuration == 0 {
		out.LeaseDuration = 15 * time.Second
	}
	if out.RenewDeadline == 0 {
		out.RenewDeadline = 10 * time.Second
	}
	if out.RetryPeriod == 0 {
		out.RetryPeriod = 2 * time.Second
	}
	return out
}
