package history

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fentz26/contextmem/internal/config"
	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/metrics"
	"github.com/fentz26/contextmem/internal/models"
)

// Detector runs pattern detection for completed executions on a bounded queue.
// Failures are retried with backoff, then counted and logged; they never reach
// the caller that enqueued the job.
type Detector struct {
	repo       Repository
	log        *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	workers    int
	maxRetries int

	queue chan models.WorkflowExecutionRecord

	// mu guards closed against concurrent sends on queue.
	mu     sync.RWMutex
	closed bool

	// inflight counts jobs accepted but not yet finished.
	inflightMu sync.Mutex
	inflight   int
	idle       *sync.Cond

	processed int
	failed    int
	dropped   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// retry policy, overridable in tests
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewDetector creates a detector. Start must be called before jobs are processed.
func NewDetector(repo Repository, cfg config.DetectorConfig, log *logger.Logger, m *metrics.Metrics, now func() time.Time) *Detector {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Detector{
		repo:            repo,
		log:             log.With("service", "PatternDetector"),
		metrics:         m,
		now:             now,
		workers:         cfg.Workers,
		maxRetries:      cfg.MaxRetries,
		queue:           make(chan models.WorkflowExecutionRecord, cfg.QueueSize),
		ctx:             ctx,
		cancel:          cancel,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     2 * time.Second,
	}
	d.idle = sync.NewCond(&d.inflightMu)
	return d
}

// Start launches the worker goroutines.
func (d *Detector) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.log.Info("pattern detector started", "workers", d.workers, "queue_size", cap(d.queue))
}

// Enqueue schedules detection for a completed record without blocking.
// It reports false when the job was dropped.
func (d *Detector) Enqueue(rec models.WorkflowExecutionRecord) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(rec, "detector closed")
		return false
	}

	d.inflightMu.Lock()
	d.inflight++
	d.inflightMu.Unlock()

	select {
	case d.queue <- rec:
		d.metrics.DetectionQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		d.finish()
		d.drop(rec, "queue full")
		return false
	}
}

// Wait blocks until every accepted job has finished.
func (d *Detector) Wait() {
	d.inflightMu.Lock()
	for d.inflight > 0 {
		d.idle.Wait()
	}
	d.inflightMu.Unlock()
}

// Close stops accepting jobs, drains the queue and stops the workers.
func (d *Detector) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
	d.log.Info("pattern detector stopped")
}

// GetStats returns current detector statistics.
func (d *Detector) GetStats() map[string]interface{} {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	return map[string]interface{}{
		"workers":    d.workers,
		"queue_len":  len(d.queue),
		"queue_size": cap(d.queue),
		"inflight":   d.inflight,
		"processed":  d.processed,
		"failed":     d.failed,
		"dropped":    d.dropped,
	}
}

func (d *Detector) worker() {
	defer d.wg.Done()
	for rec := range d.queue {
		d.metrics.DetectionQueueDepth.Set(float64(len(d.queue)))
		d.process(rec)
	}
}

func (d *Detector) process(rec models.WorkflowExecutionRecord) {
	defer d.finish()
	defer func() {
		if r := recover(); r != nil {
			d.recordFailure()
			d.log.Error("pattern detection panicked", "record_id", rec.ID, "workflow_id", rec.WorkflowID, "panic", r)
		}
	}()

	start := time.Now()
	defer func() { d.metrics.PatternDetectionDuration.Observe(time.Since(start).Seconds()) }()

	failed := false
	for _, step := range d.steps(rec) {
		step := step
		p, err := backoff.RetryWithData(func() (*models.WorkflowPattern, error) {
			return step.evaluate(d.ctx, rec)
		}, d.retryPolicy())
		if err == nil && p != nil {
			err = d.upsert(d.ctx, p)
		}
		if err != nil {
			failed = true
			d.log.Error("pattern detection failed", "detector", step.name, "record_id", rec.ID, "workflow_id", rec.WorkflowID, "error", err)
		}
	}

	d.inflightMu.Lock()
	d.processed++
	d.inflightMu.Unlock()
	if failed {
		d.recordFailure()
	}
}

func (d *Detector) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval
	b.MaxInterval = d.maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.maxRetries)), d.ctx)
}

func (d *Detector) finish() {
	d.inflightMu.Lock()
	d.inflight--
	if d.inflight == 0 {
		d.idle.Broadcast()
	}
	d.inflightMu.Unlock()
}

func (d *Detector) drop(rec models.WorkflowExecutionRecord, reason string) {
	d.metrics.PatternDetectionDropped.Inc()
	d.inflightMu.Lock()
	d.dropped++
	d.inflightMu.Unlock()
	d.log.Warn("pattern detection dropped", "record_id", rec.ID, "workflow_id", rec.WorkflowID, "reason", reason)
}

func (d *Detector) recordFailure() {
	d.metrics.PatternDetectionFailures.Inc()
	d.inflightMu.Lock()
	d.failed++
	d.inflightMu.Unlock()
}
