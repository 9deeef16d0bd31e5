package config

import "time"

// QueueConfig contains worker pool configuration shared by the delivery and
// notification pools. These values control how rows are claimed, heartbeated,
// and recovered after a pod dies.
type QueueConfig struct {
	// DeliveryWorkerCount is the number of message delivery workers per pod.
	DeliveryWorkerCount int `yaml:"delivery_worker_count"`

	// NotifyWorkerCount is the number of notification fan-out workers per pod.
	NotifyWorkerCount int `yaml:"notify_worker_count"`

	// MaxInflight is the global limit of messages in `sending` across ALL
	// pods. Enforced by database COUNT(*) check at claim time.
	MaxInflight int `yaml:"max_inflight"`

	// PollInterval is the base interval for checking pending work.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// HeartbeatInterval is how often a worker refreshes the claim on the
	// row it is processing.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// GracefulShutdownTimeout is the max time to wait for in-flight sends
	// to complete during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// OrphanDetectionInterval is how often to scan for orphaned claims.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a claim can go without a heartbeat
	// before it is considered orphaned and requeued.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		DeliveryWorkerCount:     5,
		NotifyWorkerCount:       2,
		MaxInflight:             50,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		HeartbeatInterval:       30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
		OrphanDetectionInterval: 1 * time.Minute,
		OrphanThreshold:         2 * time.Minute,
	}
}
