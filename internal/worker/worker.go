package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/chispa/internal/artifacts"
	"github.com/rendis/chispa/internal/broker"
	"github.com/rendis/chispa/internal/engine"
	"github.com/rendis/chispa/internal/logging"
	"github.com/rendis/chispa/internal/metrics"
	"github.com/rendis/chispa/internal/sandbox"
	"github.com/rendis/chispa/internal/store"
	"github.com/rendis/chispa/internal/streaming"
	"github.com/rendis/chispa/pkg/schema"
)

// RunnerFactory builds the command runner for one run's workspace. The
// production factory returns a sandbox runtime; tests substitute scripts.
type RunnerFactory func(ws *sandbox.Workspace) engine.CommandRunner

// Config sizes the worker pools.
type Config struct {
	Queues        []string
	PoolSize      int
	WorkspaceBase string
}

// Worker consumes work items from its queues and drives them end to end:
// claim, workspace, execution, final status, artifacts, metrics, cleanup.
type Worker struct {
	cfg       Config
	broker    broker.Broker
	store     store.Store
	counters  metrics.Counters
	hub       streaming.EventHub
	uploader  artifacts.Uploader
	executor  *engine.Executor
	newRunner RunnerFactory
	logger    *slog.Logger
}

// New assembles a worker.
func New(cfg Config, br broker.Broker, st store.Store, counters metrics.Counters, hub streaming.EventHub, uploader artifacts.Uploader, executor *engine.Executor, newRunner RunnerFactory, logger *slog.Logger) *Worker {
	if len(cfg.Queues) == 0 {
		cfg.Queues = broker.DefaultQueues
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	return &Worker{
		cfg:       cfg,
		broker:    br,
		store:     st,
		counters:  counters,
		hub:       hub,
		uploader:  uploader,
		executor:  executor,
		newRunner: newRunner,
		logger:    logger,
	}
}

// Run starts PoolSize consumers per queue and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, queue := range w.cfg.Queues {
		for i := 0; i < w.cfg.PoolSize; i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				w.consume(ctx, queue)
			}(queue)
		}
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context, queue string) {
	ctx = logging.WithQueue(ctx, queue)
	for {
		item, err := w.broker.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WarnContext(ctx, "dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		w.Handle(ctx, queue, item)
	}
}

// Handle processes one dequeued work item. Exported so tests and the
// scheduler-free single-shot paths can drive it directly.
func (w *Worker) Handle(ctx context.Context, queue string, item *broker.WorkItem) {
	ctx = logging.WithRunID(logging.WithQueue(ctx, queue), item.RunID)

	claimed, err := w.store.ClaimRun(ctx, item.RunID)
	if err != nil {
		w.logger.ErrorContext(ctx, "claim failed", "error", err)
		return
	}
	if !claimed {
		// Broker redelivery: the run already left queued state.
		w.logger.InfoContext(ctx, "run already claimed, skipping")
		return
	}

	ws, err := sandbox.NewWorkspace(w.cfg.WorkspaceBase)
	if err != nil {
		w.failWithoutMetrics(ctx, item.RunID, err)
		return
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			w.logger.WarnContext(ctx, "workspace cleanup failed", "error", err)
		}
	}()

	def, parseErr := w.definition(item)
	if parseErr != nil {
		// Same surface as a graph defect: the run fails with a
		// descriptive log and counts as processed.
		w.publishDefect(ctx, item.RunID, parseErr)
		w.finish(ctx, queue, item.RunID, engine.Result{Status: schema.RunStatusFailed}, ws)
		return
	}

	result, err := w.executor.Run(ctx, item.RunID, def, w.newRunner(ws))
	if err != nil {
		w.failWithoutMetrics(ctx, item.RunID, err)
		return
	}

	w.finish(ctx, queue, item.RunID, result, ws)
}

func (w *Worker) definition(item *broker.WorkItem) (*schema.WorkflowDefinition, error) {
	switch item.Kind {
	case broker.KindCommand:
		return schema.SingleCommand(item.Command), nil
	case broker.KindWorkflow:
		return schema.ParseWorkflow(item.WorkflowYAML)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown work item kind: %s", item.Kind)
	}
}

// finish writes the terminal run state, uploads artifacts and bumps the
// completion counters.
func (w *Worker) finish(ctx context.Context, queue string, runID int64, result engine.Result, ws *sandbox.Workspace) {
	if err := w.store.FinishRun(ctx, runID, result.Status, result.ExitCode); err != nil {
		w.logger.ErrorContext(ctx, "finish run failed", "error", err)
		return
	}

	keys, err := w.uploader.UploadDir(ctx, runID, ws.Root())
	if err != nil {
		w.logger.WarnContext(ctx, "artifact upload failed", "error", err)
	} else if len(keys) > 0 {
		w.logger.InfoContext(ctx, "artifacts uploaded", "count", len(keys))
	}

	w.inc(ctx, queue, metrics.KindProcessed)
	if result.Status == schema.RunStatusSucceeded {
		w.inc(ctx, queue, metrics.KindSucceeded)
	} else {
		w.inc(ctx, queue, metrics.KindFailed)
	}

	w.logger.InfoContext(ctx, "run finished", "status", result.Status)
}

// failWithoutMetrics records an infrastructure failure. The run is marked
// failed but deliberately not counted as processed, so the counters only
// reflect runs that ran to completion.
func (w *Worker) failWithoutMetrics(ctx context.Context, runID int64, cause error) {
	w.logger.ErrorContext(ctx, "run aborted", "error", cause)
	if err := w.store.FinishRun(ctx, runID, schema.RunStatusFailed, nil); err != nil {
		w.logger.ErrorContext(ctx, "finish run failed", "error", err)
	}
}

func (w *Worker) publishDefect(ctx context.Context, runID int64, defect error) {
	event := streaming.TaskLog(schema.TaskLogEvent{
		RunID:    runID,
		TaskName: "workflow",
		Log:      fmt.Sprintf("Invalid workflow: %v", defect),
	})
	if err := w.hub.Publish(ctx, event); err != nil {
		w.logger.WarnContext(ctx, "event publish failed", "error", err)
	}
}

func (w *Worker) inc(ctx context.Context, queue, kind string) {
	if err := w.counters.Inc(ctx, queue, kind); err != nil {
		w.logger.WarnContext(ctx, "counter increment failed", "queue", queue, "kind", kind, "error", err)
	}
}
