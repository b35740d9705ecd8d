// Package engine drains a session's strategy queue through a bounded
// worker pool, delegating each strategy to the evaluation pipeline and
// recording outcomes through the progress manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chiehlin/factortuner/internal/events"
	"github.com/chiehlin/factortuner/internal/modules/paramspace"
	"github.com/chiehlin/factortuner/internal/modules/pipeline"
	"github.com/chiehlin/factortuner/internal/modules/progress"
	"github.com/chiehlin/factortuner/internal/modules/session"
)

// Defaults applied when RunOptions leave fields zero
const (
	DefaultParallelism = 4
	DefaultTaskTimeout = 30 * time.Minute
)

// RunOptions configures one batch execution
type RunOptions struct {
	SessionID   string
	Parallelism int
	TaskTimeout time.Duration
	// Resume returns failed and stale-running items to pending before
	// the queue is drained.
	Resume bool
}

// ExecutionSummary is the outcome of one Run
type ExecutionSummary struct {
	SessionID   string        `json:"session_id"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	Elapsed     time.Duration `json:"elapsed"`
	Stopped     bool          `json:"stopped"`
}

// batchOutcome aggregates one dispatch batch
type batchOutcome struct {
	succeeded int
	failed    int
	fatal     error
}

// Engine executes queued strategies with bounded parallelism
type Engine struct {
	repo     *session.Repository
	progress *progress.Manager
	runner   pipeline.Runner
	events   *events.Manager
	log      zerolog.Logger

	running atomic.Bool
	stop    atomic.Bool
}

// NewEngine creates a batch execution engine
func NewEngine(repo *session.Repository, pm *progress.Manager, runner pipeline.Runner, em *events.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		repo:     repo,
		progress: pm,
		runner:   runner,
		events:   em,
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// IsRunning reports whether a batch execution is in flight
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Stop requests a cooperative stop. In-flight strategies finish (bounded
// by the task timeout); no new batch is dispatched afterwards.
func (e *Engine) Stop() {
	if e.running.Load() {
		e.stop.Store(true)
		e.log.Info().Msg("Stop requested")
	}
}

// Run drains the session's pending queue. Only one Run may be active
// per Engine at a time.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*ExecutionSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("an execution is already running")
	}
	defer e.running.Store(false)
	e.stop.Store(false)

	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}

	s, err := e.repo.Session(opts.SessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("session %s not found", opts.SessionID)
	}

	// Resume retries failed items only. Items stuck in running from a
	// crashed run have an unknown completion state and need an explicit
	// ResetStale from the operator.
	if opts.Resume {
		reset, err := e.progress.ResetFailed(opts.SessionID)
		if err != nil {
			return nil, err
		}
		if reset > 0 {
			e.log.Info().
				Str("session_id", opts.SessionID).
				Int("failed_reset", reset).
				Msg("Resume returned failed items to pending")
		}
	}

	if err := e.startSession(s); err != nil {
		return nil, err
	}

	start := time.Now()
	summary := &ExecutionSummary{SessionID: opts.SessionID}
	reporter := events.NewProgressReporter(e.events, opts.SessionID)

	var fatal error
	for !e.stop.Load() && ctx.Err() == nil {
		items, err := e.repo.PendingItems(opts.SessionID, opts.Parallelism)
		if err != nil {
			fatal = err
			break
		}
		if len(items) == 0 {
			break
		}

		outcome := e.runBatch(ctx, items, opts.TaskTimeout)
		summary.Succeeded += outcome.succeeded
		summary.Failed += outcome.failed
		summary.Total += outcome.succeeded + outcome.failed
		if outcome.fatal != nil {
			fatal = outcome.fatal
			break
		}

		if stats, err := e.progress.Stats(opts.SessionID); err == nil {
			reporter.Report(stats.Completed+stats.Failed, stats.Total,
				fmt.Sprintf("%d succeeded, %d failed this run", summary.Succeeded, summary.Failed))
		}
	}

	summary.Elapsed = time.Since(start)
	summary.Stopped = e.stop.Load()
	if summary.Total > 0 {
		summary.SuccessRate = float64(summary.Succeeded) / float64(summary.Total)
	}

	final := e.finishSession(opts.SessionID, summary, fatal, ctx.Err())

	e.events.EmitTyped(events.BatchFinished, "engine", &events.SessionEventData{
		SessionID: opts.SessionID,
		Mode:      s.Mode,
		Status:    final,
		Total:     summary.Total,
		Timestamp: time.Now(),
	})

	e.log.Info().
		Str("session_id", opts.SessionID).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Dur("elapsed", summary.Elapsed).
		Str("final_status", final).
		Msg("Batch execution finished")

	if fatal != nil {
		return summary, fmt.Errorf("execution aborted: %w", fatal)
	}
	return summary, nil
}

// startSession moves the session to running. A session already running
// (a previous process crashed mid-run) is tolerated so Resume works.
func (e *Engine) startSession(s *session.Session) error {
	err := e.progress.TransitionSession(s.SessionID, session.SessionRunning)
	if err != nil && errors.Is(err, progress.ErrIllegalTransition) && s.Status == session.SessionRunning {
		return nil
	}
	return err
}

// runBatch executes one dispatch batch through the worker pool
func (e *Engine) runBatch(ctx context.Context, items []session.QueueItem, taskTimeout time.Duration) batchOutcome {
	numWorkers := len(items)

	jobs := make(chan session.QueueItem, numWorkers)
	results := make(chan error, numWorkers)
	var succeeded, failed atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				storeErr := e.executeItem(ctx, item, taskTimeout, &succeeded, &failed)
				results <- storeErr
			}
		}()
	}

	for _, item := range items {
		jobs <- item
	}
	close(jobs)
	wg.Wait()
	close(results)

	outcome := batchOutcome{
		succeeded: int(succeeded.Load()),
		failed:    int(failed.Load()),
	}
	for err := range results {
		if err != nil && outcome.fatal == nil {
			outcome.fatal = err
		}
	}
	return outcome
}

// executeItem runs one strategy. The returned error is a store failure
// (fatal for the whole run); task-level failures are recorded and
// counted but never propagate.
func (e *Engine) executeItem(ctx context.Context, item session.QueueItem, taskTimeout time.Duration, succeeded, failed *atomic.Int64) error {
	if err := e.progress.MarkRunning(item.ID); err != nil {
		return fmt.Errorf("mark running %s: %w", item.StrategyID, err)
	}

	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	start := time.Now()
	metrics, evalErr := e.runner.Evaluate(taskCtx, item.Config)
	cancel()
	elapsed := time.Since(start).Seconds()

	if evalErr != nil {
		failed.Add(1)
		msg := classifyError(evalErr)
		if err := e.progress.MarkFailed(item.ID, msg); err != nil {
			return fmt.Errorf("mark failed %s: %w", item.StrategyID, err)
		}
		_ = e.repo.LogExecution(item.SessionID, item.StrategyID, "ERROR", msg, nil)

		e.events.EmitTyped(events.StrategyFailed, "engine", &events.StrategyEventData{
			SessionID:     item.SessionID,
			StrategyID:    item.StrategyID,
			Status:        session.ItemFailed,
			ExecutionSecs: elapsed,
			Error:         msg,
			Timestamp:     time.Now(),
		})
		return nil
	}

	if err := e.repo.SaveResult(toRecord(item.SessionID, item.Config, metrics)); err != nil {
		return fmt.Errorf("save result %s: %w", item.StrategyID, err)
	}
	if err := e.progress.MarkCompleted(item.ID, elapsed); err != nil {
		return fmt.Errorf("mark completed %s: %w", item.StrategyID, err)
	}
	succeeded.Add(1)

	e.events.EmitTyped(events.StrategyCompleted, "engine", &events.StrategyEventData{
		SessionID:     item.SessionID,
		StrategyID:    item.StrategyID,
		Status:        session.ItemCompleted,
		ExecutionSecs: elapsed,
		Timestamp:     time.Now(),
	})
	return nil
}

// finishSession settles the session's final status and returns it
func (e *Engine) finishSession(sessionID string, summary *ExecutionSummary, fatal, ctxErr error) string {
	var final string
	switch {
	case fatal != nil:
		final = session.SessionFailed
	case summary.Stopped || ctxErr != nil:
		final = session.SessionPaused
	case summary.Total > 0 && summary.Succeeded == 0:
		final = session.SessionFailed
	default:
		final = session.SessionCompleted
	}

	if err := e.progress.TransitionSession(sessionID, final); err != nil {
		e.log.Error().Err(err).
			Str("session_id", sessionID).
			Str("to", final).
			Msg("Failed to settle session status")
	}
	return final
}

// classifyError prefixes the message so failures can be triaged without
// reading logs: data shortages are expected for large windows, anything
// else is a computation or process error.
func classifyError(err error) string {
	if errors.Is(err, pipeline.ErrInsufficientData) {
		return "insufficient data: " + err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error()
	}
	return "execution error: " + err.Error()
}

// toRecord flattens pipeline metrics into a stored result row
func toRecord(sessionID string, cfg paramspace.StrategyConfig, m pipeline.Metrics) session.ResultRecord {
	return session.ResultRecord{
		SessionID:          sessionID,
		StrategyID:         cfg.StrategyID,
		Factors:            cfg.Factors,
		WindowSize:         cfg.WindowSize,
		RebalanceFrequency: cfg.RebalanceFrequency,
		DataPeriod:         cfg.DataPeriod,
		SelectionCount:     cfg.SelectionCount,
		WeightMethod:       cfg.WeightMethod,
		TotalReturn:        m.TotalReturn,
		AnnualReturn:       m.AnnualReturn,
		SharpeRatio:        m.SharpeRatio,
		MaxDrawdown:        m.MaxDrawdown,
		WinRate:            m.WinRate,
		TradeCount:         m.TradeCount,
		StartDate:          m.StartDate,
		EndDate:            m.EndDate,
	}
}
