package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/chispa/internal/logging"
	"github.com/rendis/chispa/internal/sandbox"
	"github.com/rendis/chispa/internal/store"
	"github.com/rendis/chispa/internal/streaming"
	"github.com/rendis/chispa/pkg/schema"
)

const stoppedLog = "Workflow was stopped."

// CommandRunner executes one task command and streams its log chunks.
// The production implementation is the sandbox runtime.
type CommandRunner interface {
	Execute(ctx context.Context, command string, sink sandbox.LogSink) (int, error)
}

// Result is the aggregate outcome of one run.
type Result struct {
	Status schema.RunStatus
	// ExitCode is set for single-task graphs (bare command runs).
	ExitCode *int
}

// Executor drives a workflow graph for one run: it gates tasks on their
// parents, dispatches ready tasks concurrently, enforces retries and
// timeouts, and mirrors every transition to the store and the event hub.
type Executor struct {
	store       store.Store
	hub         streaming.EventHub
	logger      *slog.Logger
	parallelism int // per-run concurrent task bound, 0 = unbounded
}

// NewExecutor creates an executor. parallelism bounds concurrent tasks
// within a single run; zero means unbounded.
func NewExecutor(st store.Store, hub streaming.EventHub, parallelism int, logger *slog.Logger) *Executor {
	return &Executor{store: st, hub: hub, logger: logger, parallelism: parallelism}
}

// Run executes a parsed workflow for runID. Graph validation defects fail
// the run with a descriptive log event. A non-nil error means the store
// became unusable mid-run; the caller owns the run's final bookkeeping in
// that case.
func (e *Executor) Run(ctx context.Context, runID int64, def *schema.WorkflowDefinition, runner CommandRunner) (Result, error) {
	ctx = logging.WithRunID(ctx, runID)

	graph, err := BuildGraph(def)
	if err != nil {
		e.logger.WarnContext(ctx, "invalid workflow", "error", err)
		e.publish(ctx, streaming.TaskLog(schema.TaskLogEvent{
			RunID:    runID,
			TaskName: "workflow",
			Log:      fmt.Sprintf("Invalid workflow: %v", err),
		}))
		return Result{Status: schema.RunStatusFailed}, nil
	}

	if len(graph.Order) == 0 {
		return Result{Status: schema.RunStatusSucceeded}, nil
	}

	r := &runExec{
		exec:     e,
		runID:    runID,
		graph:    graph,
		runner:   runner,
		tasks:    make(map[string]*store.Task, len(graph.Order)),
		docIndex: make(map[string]int, len(graph.Order)),
		indeg:    make(map[string]int, len(graph.Order)),
		status:   make(map[string]schema.TaskStatus, len(graph.Order)),
	}
	for i, name := range graph.Order {
		r.docIndex[name] = i
	}
	if e.parallelism > 0 {
		r.sem = make(chan struct{}, e.parallelism)
	}

	for _, name := range graph.Order {
		task := &store.Task{
			RunID:        runID,
			Name:         name,
			Command:      graph.Tasks[name].Command,
			Status:       schema.TaskStatusPending,
			Dependencies: graph.Tasks[name].Dependencies,
		}
		if err := e.store.CreateTask(ctx, task); err != nil {
			return Result{}, err
		}
		r.tasks[name] = task
		r.indeg[name] = graph.InDegree(name)
		r.status[name] = schema.TaskStatusPending
	}

	var roots []string
	for _, name := range graph.Order {
		if r.indeg[name] == 0 {
			roots = append(roots, name)
		}
	}
	r.launch(ctx, roots)
	r.wg.Wait()

	if err := r.infraError(); err != nil {
		return Result{}, err
	}

	// Tasks whose dependency edges were never released (a parent failed)
	// drain here as skipped.
	for _, name := range graph.Order {
		if r.statusOf(name) == schema.TaskStatusPending {
			r.finishTask(ctx, name, schema.TaskStatusSkipped, nil, stoppedLog)
		}
	}
	if err := r.infraError(); err != nil {
		return Result{}, err
	}

	result := Result{Status: schema.RunStatusSucceeded}
	for _, name := range graph.Order {
		if r.statusOf(name) == schema.TaskStatusFailed {
			result.Status = schema.RunStatusFailed
		}
	}
	if len(graph.Order) == 1 {
		result.ExitCode = r.tasks[graph.Order[0]].ExitCode
	}
	return result, nil
}

func (e *Executor) publish(ctx context.Context, event streaming.StreamEvent) {
	if err := e.hub.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "event publish failed", "room", event.Room, "error", err)
	}
}

// runExec is the mutable state of one run's execution.
type runExec struct {
	exec   *Executor
	runID  int64
	graph  *Graph
	runner CommandRunner
	tasks  map[string]*store.Task

	docIndex map[string]int

	mu       sync.Mutex
	indeg    map[string]int
	status   map[string]schema.TaskStatus
	stopped  bool
	infraErr error

	wg  sync.WaitGroup
	sem chan struct{}
}

// launch drains the synchronous gate cascade for a batch of ready tasks:
// each task is gated in document order, skips and condition failures feed
// the children they release back into the same cascade, and execution
// goroutines are spawned only once no gate decision remains. Every gate
// decision of a batch is therefore taken before any of its tasks starts
// running, which keeps scheduling deterministic for a fixed input.
func (r *runExec) launch(ctx context.Context, names []string) {
	queue := r.sortDoc(names)
	var admitted []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ready, ok := r.gate(ctx, name)
		if ok {
			admitted = append(admitted, name)
			continue
		}
		queue = append(queue, r.sortDoc(ready)...)
	}

	for _, name := range admitted {
		r.wg.Add(1)
		go r.execute(logging.WithTaskName(ctx, name), name)
	}
}

func (r *runExec) sortDoc(names []string) []string {
	sort.Slice(names, func(i, j int) bool { return r.docIndex[names[i]] < r.docIndex[names[j]] })
	return names
}

// gate applies the cancellation and condition gates. A task that does not
// pass is finished here; the returned names are children its terminal
// status made ready.
func (r *runExec) gate(ctx context.Context, name string) ([]string, bool) {
	ctx = logging.WithTaskName(ctx, name)

	if r.infraError() != nil {
		return nil, false
	}

	// Cancellation gate. Checked before the condition gate: once the run is
	// stopped a task is recorded as stopped even when its condition would
	// have evaluated false.
	if r.isStopped() {
		r.finishTask(ctx, name, schema.TaskStatusSkipped, nil, stoppedLog)
		return r.releaseReady(name, schema.TaskStatusSkipped), false
	}

	task := r.graph.Tasks[name]

	// Condition gate. Every task the expression references is terminal by
	// now, the graph carries an edge for each reference.
	if task.If != "" {
		cond, ok := r.graph.Conditions[name]
		if !ok {
			_, parseErr := ParseCondition(task.If)
			return r.failCondition(ctx, name, parseErr), false
		}
		pass, err := cond.Eval(r.statusSnapshot())
		if err != nil {
			return r.failCondition(ctx, name, err), false
		}
		if !pass {
			r.finishTask(ctx, name, schema.TaskStatusSkipped, nil, "")
			return r.releaseReady(name, schema.TaskStatusSkipped), false
		}
	}

	return nil, true
}

// execute runs the retry loop for an admitted task.
func (r *runExec) execute(ctx context.Context, name string) {
	defer r.wg.Done()
	if r.sem != nil {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
	}

	task := r.graph.Tasks[name]
	attempts := task.Retries + 1
	lastExit := -1
	for attempt := 1; attempt <= attempts; attempt++ {
		if !r.setRunning(ctx, name, attempt) {
			return
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if task.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(task.Timeout)*time.Second)
		}
		exit, err := r.runner.Execute(attemptCtx, task.Command, func(chunk string) {
			r.publishLog(ctx, name, chunk)
		})
		timedOut := task.Timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		switch {
		case timedOut:
			r.publishLog(ctx, name, fmt.Sprintf("Timeout after %ds", task.Timeout))
			lastExit = -1
		case err != nil:
			r.publishLog(ctx, name, err.Error())
			lastExit = -1
		case exit == 0:
			zero := 0
			r.finishTask(ctx, name, schema.TaskStatusSucceeded, &zero, "")
			r.release(ctx, name, schema.TaskStatusSucceeded)
			return
		default:
			lastExit = exit
		}

		if attempt < attempts {
			r.publishLog(ctx, name, fmt.Sprintf("Retrying (%d/%d)...", attempt, task.Retries))
		}
	}

	r.stop()
	r.finishTask(ctx, name, schema.TaskStatusFailed, &lastExit, "")
	r.release(ctx, name, schema.TaskStatusFailed)
}

func (r *runExec) failCondition(ctx context.Context, name string, err error) []string {
	r.publishLog(ctx, name, fmt.Sprintf("Condition eval error: %v", err))
	r.stop()
	r.finishTask(ctx, name, schema.TaskStatusFailed, nil, "")
	return r.releaseReady(name, schema.TaskStatusFailed)
}

// release opens the edges name's terminal status satisfies and launches any
// children that become ready.
func (r *runExec) release(ctx context.Context, name string, final schema.TaskStatus) {
	if ready := r.releaseReady(name, final); len(ready) > 0 {
		r.launch(ctx, ready)
	}
}

// releaseReady decrements children whose edge from name opens on its
// terminal status and returns those that become ready. Dependency edges
// open on succeeded or skipped; condition edges open on any terminal
// status.
func (r *runExec) releaseReady(name string, final schema.TaskStatus) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []string
	for _, child := range r.graph.Children[name] {
		open := false
		switch r.graph.Parents[child][name] {
		case edgeDependency:
			open = final.Satisfied()
		case edgeCondition:
			open = true
		}
		if !open {
			continue
		}
		r.indeg[child]--
		if r.indeg[child] == 0 {
			ready = append(ready, child)
		}
	}
	return ready
}

// setRunning marks the attempt in the store and emits the running status.
// Returns false when the store write failed; the run aborts.
func (r *runExec) setRunning(ctx context.Context, name string, attempt int) bool {
	running := schema.TaskStatusRunning
	update := store.TaskUpdate{Status: &running, Attempt: &attempt}
	if err := r.exec.store.UpdateTask(ctx, r.tasks[name].ID, update); err != nil {
		r.recordInfraError(err)
		return false
	}

	r.mu.Lock()
	r.status[name] = schema.TaskStatusRunning
	r.tasks[name].Attempt = attempt
	r.mu.Unlock()

	r.publishStatus(ctx, name, schema.TaskStatusRunning)
	return true
}

// finishTask writes the terminal status and emits the trailing log (when
// any) before the status event, so a task's logs never follow its terminal
// status on the wire.
func (r *runExec) finishTask(ctx context.Context, name string, status schema.TaskStatus, exitCode *int, logMsg string) {
	if logMsg != "" {
		r.publishLog(ctx, name, logMsg)
	}

	update := store.TaskUpdate{Status: &status, ExitCode: exitCode}
	if err := r.exec.store.UpdateTask(ctx, r.tasks[name].ID, update); err != nil {
		r.recordInfraError(err)
		return
	}

	r.mu.Lock()
	r.status[name] = status
	r.tasks[name].Status = status
	if exitCode != nil {
		r.tasks[name].ExitCode = exitCode
	}
	r.mu.Unlock()

	r.publishStatus(ctx, name, status)
}

func (r *runExec) publishStatus(ctx context.Context, name string, status schema.TaskStatus) {
	r.exec.publish(ctx, streaming.TaskStatus(schema.TaskStatusEvent{
		RunID:    r.runID,
		TaskID:   r.tasks[name].ID,
		TaskName: name,
		Status:   status,
	}))
}

func (r *runExec) publishLog(ctx context.Context, name string, log string) {
	r.exec.publish(ctx, streaming.TaskLog(schema.TaskLogEvent{
		RunID:    r.runID,
		TaskID:   r.tasks[name].ID,
		TaskName: name,
		Log:      log,
	}))
}

func (r *runExec) statusSnapshot() map[string]schema.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]schema.TaskStatus, len(r.status))
	for k, v := range r.status {
		snap[k] = v
	}
	return snap
}

func (r *runExec) statusOf(name string) schema.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[name]
}

func (r *runExec) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *runExec) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *runExec) recordInfraError(err error) {
	r.mu.Lock()
	if r.infraErr == nil {
		r.infraErr = err
	}
	r.stopped = true
	r.mu.Unlock()
}

func (r *runExec) infraError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infraErr
}
