package submission

import (
	"context"
	"log/slog"

	"github.com/rendis/chispa/internal/broker"
	"github.com/rendis/chispa/internal/logging"
	"github.com/rendis/chispa/internal/metrics"
	"github.com/rendis/chispa/internal/store"
	"github.com/rendis/chispa/pkg/schema"
)

// Service is the single entry point for accepting work: it validates the
// queue, records the run, bumps the submitted counter and enqueues the work
// item. The HTTP API, the MCP surface and the cron scheduler all submit
// through here.
type Service struct {
	store    store.Store
	broker   broker.Broker
	counters metrics.Counters
	queues   []string
	logger   *slog.Logger
}

// New creates a submission service over the configured queue set.
func New(st store.Store, br broker.Broker, counters metrics.Counters, queues []string, logger *slog.Logger) *Service {
	if len(queues) == 0 {
		queues = broker.DefaultQueues
	}
	return &Service{store: st, broker: br, counters: counters, queues: queues, logger: logger}
}

// Queues returns the configured queue names.
func (s *Service) Queues() []string {
	return s.queues
}

// SubmitCommand accepts a bare command for the named queue. An empty queue
// name falls back to "default".
func (s *Service) SubmitCommand(ctx context.Context, command, queue string, workflowID *int64) (*store.Run, error) {
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "command is required")
	}
	queue, err := s.resolveQueue(queue)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		WorkflowID: workflowID,
		Command:    command,
		Queue:      queue,
		Status:     schema.RunStatusQueued,
	}
	item := broker.WorkItem{Kind: broker.KindCommand, Command: command}
	return s.accept(ctx, run, item)
}

// SubmitWorkflow accepts a workflow YAML document. The document is parsed
// here so malformed YAML is rejected synchronously; deeper graph validation
// happens when a worker picks the run up.
func (s *Service) SubmitWorkflow(ctx context.Context, workflowYAML, queue string) (*store.Run, error) {
	if workflowYAML == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_yaml is required")
	}
	if _, err := schema.ParseWorkflow(workflowYAML); err != nil {
		return nil, err
	}
	queue, err := s.resolveQueue(queue)
	if err != nil {
		return nil, err
	}

	wf := &store.Workflow{YAML: workflowYAML}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	run := &store.Run{
		WorkflowID: &wf.ID,
		Queue:      queue,
		Status:     schema.RunStatusQueued,
	}
	item := broker.WorkItem{Kind: broker.KindWorkflow, WorkflowYAML: workflowYAML}
	return s.accept(ctx, run, item)
}

func (s *Service) accept(ctx context.Context, run *store.Run, item broker.WorkItem) (*store.Run, error) {
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(logging.WithQueue(ctx, run.Queue), run.ID)

	if err := s.counters.Inc(ctx, run.Queue, metrics.KindSubmitted); err != nil {
		s.logger.WarnContext(ctx, "counter increment failed", "error", err)
	}

	item.RunID = run.ID
	if err := s.broker.Enqueue(ctx, run.Queue, item); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "run submitted", "kind", item.Kind)
	return run, nil
}

func (s *Service) resolveQueue(queue string) (string, error) {
	if queue == "" {
		return "default", nil
	}
	if !broker.KnownQueue(s.queues, queue) {
		return "", schema.NewErrorf(schema.ErrCodeUnknownQueue, "unknown queue: %s", queue)
	}
	return queue, nil
}
