package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/contextmem/internal/config"
	"github.com/fentz26/contextmem/internal/learning"
	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/models"
	"github.com/robfig/cron/v3"
)

// ErrJobRunning is returned when a job is triggered while its previous run is active.
var ErrJobRunning = errors.New("job already running")

// Jobs is the maintenance surface the scheduler drives. The control plane
// implements it so every run leaves decision records.
type Jobs interface {
	TrainModel(ctx context.Context, cfg models.TrainingConfig) (*models.LearningModel, error)
	GenerateSuggestions(ctx context.Context, modelID, workflowID string) ([]models.Suggestion, error)
	Cleanup(ctx context.Context, retentionDays int) (*models.CleanupReport, error)
}

// TrainReport summarizes one training pass.
type TrainReport struct {
	Trained     []models.ModelType `json:"trained"`
	Skipped     []models.ModelType `json:"skipped"`
	Failed      []models.ModelType `json:"failed"`
	Suggestions int                `json:"suggestions"`
}

type jobStats struct {
	runs     int
	failures int
	lastRun  time.Time
	running  bool
}

// Scheduler owns the cron runner for the train and cleanup jobs.
type Scheduler struct {
	jobs     Jobs
	cfg      config.SchedulerConfig
	learning config.LearningConfig
	log      *logger.Logger
	cron     *cron.Cron

	mu    sync.Mutex
	stats map[string]*jobStats

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler and registers its jobs. Invalid schedules are rejected.
func New(jobs Jobs, cfg config.SchedulerConfig, lc config.LearningConfig, log *logger.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{
		jobs:     jobs,
		cfg:      cfg,
		learning: lc,
		log:      log.With("component", "scheduler"),
		stats: map[string]*jobStats{
			JobTrain:   {},
			JobCleanup: {},
		},
		ctx:    ctx,
		cancel: cancel,
	}
	sch.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{sch.log})))

	entries := []struct {
		name, spec string
		run        func(context.Context) error
	}{
		{JobTrain, cfg.TrainSchedule, func(ctx context.Context) error { _, err := sch.RunTrain(ctx); return err }},
		{JobCleanup, cfg.CleanupSchedule, func(ctx context.Context) error { _, err := sch.RunCleanup(ctx); return err }},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		e := e
		if _, err := sch.cron.AddFunc(e.spec, func() {
			if err := e.run(sch.ctx); err != nil && !errors.Is(err, ErrJobRunning) {
				sch.log.Error("Scheduled job failed", "job", e.name, "error", err)
			}
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s job %q: %w", e.name, e.spec, err)
		}
	}
	return sch, nil
}

// Start begins running scheduled jobs.
func (sch *Scheduler) Start() {
	sch.cron.Start()
	sch.log.Info("Scheduler started",
		"train_schedule", sch.cfg.TrainSchedule,
		"cleanup_schedule", sch.cfg.CleanupSchedule,
	)
}

// Stop cancels in-flight jobs and waits for them to return.
func (sch *Scheduler) Stop() {
	sch.cancel()
	<-sch.cron.Stop().Done()
	sch.log.Info("Scheduler stopped")
}

// RunTrain trains every model type and generates suggestions for each model
// that trained. Types without enough samples are skipped.
func (sch *Scheduler) RunTrain(ctx context.Context) (*TrainReport, error) {
	if err := sch.begin(JobTrain); err != nil {
		return nil, err
	}
	report := &TrainReport{}
	var errs []error
	defer func() { sch.finish(JobTrain, len(errs) > 0) }()

	for _, tc := range TrainingConfigs(sch.learning) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		m, err := sch.jobs.TrainModel(ctx, tc)
		if errors.Is(err, learning.ErrInsufficientData) {
			sch.log.Debug("Skipping model without enough samples", "model_type", tc.ModelType, "error", err)
			report.Skipped = append(report.Skipped, tc.ModelType)
			continue
		}
		if err != nil {
			report.Failed = append(report.Failed, tc.ModelType)
			errs = append(errs, fmt.Errorf("train %s: %w", tc.ModelType, err))
			continue
		}
		report.Trained = append(report.Trained, m.Type)

		list, err := sch.jobs.GenerateSuggestions(ctx, m.ID, tc.WorkflowID)
		if err != nil {
			errs = append(errs, fmt.Errorf("suggest %s: %w", tc.ModelType, err))
			continue
		}
		report.Suggestions += len(list)
	}

	sch.log.Info("Training pass finished",
		"trained", len(report.Trained),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
		"suggestions", report.Suggestions,
	)
	return report, errors.Join(errs...)
}

// RunCleanup removes rows older than the configured retention.
func (sch *Scheduler) RunCleanup(ctx context.Context) (*models.CleanupReport, error) {
	if err := sch.begin(JobCleanup); err != nil {
		return nil, err
	}
	report, err := sch.jobs.Cleanup(ctx, sch.cfg.RetentionDays)
	sch.finish(JobCleanup, err != nil)
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	sch.log.Info("Cleanup pass finished",
		"entities", report.Entities,
		"executions", report.Executions,
		"patterns", report.Patterns,
	)
	return report, nil
}

func (sch *Scheduler) begin(job string) error {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	st := sch.stats[job]
	if st.running {
		return fmt.Errorf("%w: %s", ErrJobRunning, job)
	}
	st.running = true
	return nil
}

func (sch *Scheduler) finish(job string, failed bool) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	st := sch.stats[job]
	st.running = false
	st.runs++
	st.lastRun = time.Now().UTC()
	if failed {
		st.failures++
	}
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	jobs := make(map[string]interface{}, len(sch.stats))
	for name, st := range sch.stats {
		entry := map[string]interface{}{
			"runs":     st.runs,
			"failures": st.failures,
			"running":  st.running,
		}
		if !st.lastRun.IsZero() {
			entry["last_run"] = st.lastRun
		}
		jobs[name] = entry
	}

	return map[string]interface{}{
		"enabled": sch.cfg.Enabled,
		"entries": len(sch.cron.Entries()),
		"jobs":    jobs,
	}
}

// cronLogger routes cron's internal logging through the structured logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
