package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// PoolOptions wires the delivery worker pool. Senders must be non-nil; an
// unconfigured channel is simply left out of the slice.
type PoolOptions struct {
	PodID        string
	Store        MessageStore
	Suppressions SuppressionChecker
	Metrics      Metrics
	Senders      []Sender
	Delivery     *config.DeliveryConfig
	Queue        *config.QueueConfig
	Logger       *slog.Logger
}

// PoolHealth is a point-in-time snapshot of the pool.
type PoolHealth struct {
	PodID            string         `json:"pod_id"`
	Channels         []string       `json:"channels"`
	Workers          []WorkerHealth `json:"workers"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// Pool runs the delivery workers plus the orphan scanner that requeues
// messages whose claim heartbeat went stale after a pod died mid-send.
type Pool struct {
	podID    string
	store    MessageStore
	queue    *config.QueueConfig
	channels []string
	workers  []*worker
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	orphanMu         sync.RWMutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// NewPool builds the pool and its workers. Workers are started by Start.
func NewPool(opts PoolOptions) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "delivery.pool")

	senders := make(map[models.MessageChannel]Sender, len(opts.Senders))
	channels := make([]string, 0, len(opts.Senders))
	for _, s := range opts.Senders {
		senders[s.Channel()] = s
		channels = append(channels, string(s.Channel()))
	}

	count := opts.Queue.DeliveryWorkerCount
	if count < 1 {
		count = 1
	}
	policy := opts.Delivery.Policy()

	// One limiter for the whole pool; per-worker buckets would multiply
	// every rate by the worker count.
	limiter := NewLimiter(opts.Delivery.RateLimit)

	p := &Pool{
		podID:    opts.PodID,
		store:    opts.Store,
		queue:    opts.Queue,
		channels: channels,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for i := range count {
		id := fmt.Sprintf("delivery-%d", i)
		p.workers = append(p.workers, &worker{
			id:           id,
			podID:        opts.PodID,
			store:        opts.Store,
			suppressions: opts.Suppressions,
			limiter:      limiter,
			senders:      senders,
			metrics:      opts.Metrics,
			cfg:          opts.Delivery,
			queue:        opts.Queue,
			policy:       policy,
			logger:       logger.With("worker_id", id),
			stopCh:       make(chan struct{}),
			status:       StatusIdle,
		})
	}
	return p
}

// Start launches the workers and the orphan scanner. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for _, w := range p.workers {
		w.start(ctx)
	}
	p.wg.Add(1)
	go p.runOrphanScan(ctx)

	p.logger.Info("Delivery worker pool started",
		"workers", len(p.workers), "channels", p.channels, "pod_id", p.podID)
}

// Stop drains the workers and waits for the scanner to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.stop()
		}()
	}
	wg.Wait()
	p.wg.Wait()
	p.logger.Info("Delivery worker pool stopped")
}

func (p *Pool) runOrphanScan(ctx context.Context) {
	defer p.wg.Done()
	interval := p.queue.OrphanDetectionInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RequeueOrphans(ctx, p.queue.OrphanThreshold)
			p.orphanMu.Lock()
			p.lastOrphanScan = time.Now().UTC()
			if err == nil {
				p.orphansRecovered += n
			}
			p.orphanMu.Unlock()
			if err != nil {
				p.logger.Error("Orphan scan failed", "error", err)
			} else if n > 0 {
				p.logger.Warn("Requeued orphaned messages", "count", n)
			}
		}
	}
}

// Health snapshots the pool and every worker.
func (p *Pool) Health() PoolHealth {
	stats := make([]WorkerHealth, 0, len(p.workers))
	for _, w := range p.workers {
		stats = append(stats, w.health())
	}
	p.orphanMu.RLock()
	defer p.orphanMu.RUnlock()
	return PoolHealth{
		PodID:            p.podID,
		Channels:         p.channels,
		Workers:          stats,
		LastOrphanScan:   p.lastOrphanScan,
		OrphansRecovered: p.orphansRecovered,
	}
}
