package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chispa/internal/sandbox"
	"github.com/rendis/chispa/internal/store"
	"github.com/rendis/chispa/internal/streaming"
	"github.com/rendis/chispa/pkg/schema"
)

// scriptRunner plays back canned results per command string.
type scriptResult struct {
	exit  int
	logs  []string
	block bool // park until the attempt context is cancelled
}

type scriptRunner struct {
	mu      sync.Mutex
	results map[string]scriptResult
	calls   []string
}

func (r *scriptRunner) Execute(ctx context.Context, command string, sink sandbox.LogSink) (int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, command)
	res := r.results[command]
	r.mu.Unlock()

	for _, chunk := range res.logs {
		sink(chunk)
	}
	if res.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return res.exit, nil
}

func (r *scriptRunner) callCount(command string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == command {
			n++
		}
	}
	return n
}

type executorFixture struct {
	exec   *Executor
	store  *store.MemoryStore
	hub    *streaming.MemoryHub
	runner *scriptRunner
	runID  int64
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	st := store.NewMemoryStore()
	hub := streaming.NewMemoryHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	run := &store.Run{Queue: "default", Status: schema.RunStatusRunning}
	require.NoError(t, st.CreateRun(context.Background(), run))

	return &executorFixture{
		exec:   NewExecutor(st, hub, 0, logger),
		store:  st,
		hub:    hub,
		runner: &scriptRunner{results: map[string]scriptResult{}},
		runID:  run.ID,
	}
}

// subscribe attaches to the run's room before execution starts.
func (f *executorFixture) subscribe(t *testing.T) func() []streaming.StreamEvent {
	t.Helper()
	ch, cancel, err := f.hub.Subscribe(context.Background(), schema.RoomForRun(f.runID))
	require.NoError(t, err)
	t.Cleanup(cancel)

	return func() []streaming.StreamEvent {
		var events []streaming.StreamEvent
		for {
			select {
			case ev := <-ch:
				events = append(events, ev)
			default:
				return events
			}
		}
	}
}

func statusSequence(t *testing.T, events []streaming.StreamEvent) []string {
	t.Helper()
	var seq []string
	for _, ev := range events {
		if ev.Type != schema.EventTaskStatus {
			continue
		}
		var payload schema.TaskStatusEvent
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		seq = append(seq, payload.TaskName+":"+string(payload.Status))
	}
	return seq
}

func logsFor(t *testing.T, events []streaming.StreamEvent, taskName string) []string {
	t.Helper()
	var logs []string
	for _, ev := range events {
		if ev.Type != schema.EventTaskLog {
			continue
		}
		var payload schema.TaskLogEvent
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		if payload.TaskName == taskName {
			logs = append(logs, payload.Log)
		}
	}
	return logs
}

func (f *executorFixture) tasksByName(t *testing.T) map[string]*store.Task {
	t.Helper()
	tasks, err := f.store.ListTasks(context.Background(), f.runID)
	require.NoError(t, err)
	byName := make(map[string]*store.Task, len(tasks))
	for _, task := range tasks {
		byName[task.Name] = task
	}
	return byName
}

func TestExecutor_LinearWorkflow(t *testing.T) {
	f := newExecutorFixture(t)
	collect := f.subscribe(t)

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a"},
		schema.TaskDefinition{Name: "b", Command: "cmd-b", Dependencies: []string{"a"}},
		schema.TaskDefinition{Name: "c", Command: "cmd-c", Dependencies: []string{"b"}},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)

	assert.Equal(t, []string{
		"a:running", "a:succeeded",
		"b:running", "b:succeeded",
		"c:running", "c:succeeded",
	}, statusSequence(t, collect()))

	for name, task := range f.tasksByName(t) {
		assert.Equal(t, schema.TaskStatusSucceeded, task.Status, name)
		require.NotNil(t, task.ExitCode, name)
		assert.Equal(t, 0, *task.ExitCode, name)
	}
}

func TestExecutor_FailurePropagation(t *testing.T) {
	f := newExecutorFixture(t)
	f.runner.results["cmd-a"] = scriptResult{exit: 1}
	collect := f.subscribe(t)

	// c has no dependency on a, so it runs to completion even though a
	// fails and stops the rest of the graph.
	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a"},
		schema.TaskDefinition{Name: "b", Command: "cmd-b", Dependencies: []string{"a"}},
		schema.TaskDefinition{Name: "c", Command: "cmd-c"},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)

	tasks := f.tasksByName(t)
	assert.Equal(t, schema.TaskStatusFailed, tasks["a"].Status)
	assert.Equal(t, schema.TaskStatusSkipped, tasks["b"].Status)
	assert.Equal(t, schema.TaskStatusSucceeded, tasks["c"].Status)

	assert.Equal(t, 0, f.runner.callCount("cmd-b"))
	assert.Contains(t, logsFor(t, collect(), "b"), "Workflow was stopped.")
}

func TestExecutor_BatchAdmissionSurvivesSiblingFailure(t *testing.T) {
	f := newExecutorFixture(t)
	f.runner.results["cmd-a"] = scriptResult{exit: 1}

	// All roots become ready in the same batch. a fails as fast as the
	// runner can return, but that must not stop any sibling admitted
	// alongside it.
	siblings := []string{"b", "c", "d", "e", "f"}
	defs := []schema.TaskDefinition{{Name: "a", Command: "cmd-a"}}
	for _, name := range siblings {
		defs = append(defs, schema.TaskDefinition{Name: name, Command: "cmd-" + name})
	}

	res, err := f.exec.Run(context.Background(), f.runID, defWith(defs...), f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)

	tasks := f.tasksByName(t)
	assert.Equal(t, schema.TaskStatusFailed, tasks["a"].Status)
	for _, name := range siblings {
		assert.Equal(t, schema.TaskStatusSucceeded, tasks[name].Status, name)
		assert.Equal(t, 1, f.runner.callCount("cmd-"+name), name)
	}
}

func TestExecutor_CancellationGatePrecedesCondition(t *testing.T) {
	f := newExecutorFixture(t)
	f.runner.results["cmd-a"] = scriptResult{exit: 1}
	collect := f.subscribe(t)

	// b's condition would evaluate true, but the stop flag wins: b is
	// recorded as stopped, not as a condition outcome.
	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a"},
		schema.TaskDefinition{Name: "b", Command: "cmd-b", If: `tasks.a.status == 'failed'`},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)

	tasks := f.tasksByName(t)
	assert.Equal(t, schema.TaskStatusSkipped, tasks["b"].Status)
	assert.Equal(t, 0, f.runner.callCount("cmd-b"))
	assert.Contains(t, logsFor(t, collect(), "b"), "Workflow was stopped.")
}

func TestExecutor_ConditionFalseSkips(t *testing.T) {
	f := newExecutorFixture(t)
	collect := f.subscribe(t)

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a"},
		schema.TaskDefinition{Name: "b", Command: "cmd-b", If: `tasks.a.status == 'failed'`},
		schema.TaskDefinition{Name: "c", Command: "cmd-c", Dependencies: []string{"b"}},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)

	tasks := f.tasksByName(t)
	assert.Equal(t, schema.TaskStatusSucceeded, tasks["a"].Status)
	assert.Equal(t, schema.TaskStatusSkipped, tasks["b"].Status)
	// skipped satisfies downstream dependencies
	assert.Equal(t, schema.TaskStatusSucceeded, tasks["c"].Status)

	assert.Equal(t, 0, f.runner.callCount("cmd-b"))
	assert.Empty(t, logsFor(t, collect(), "b"))
}

func TestExecutor_ConditionTrueRuns(t *testing.T) {
	f := newExecutorFixture(t)

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a"},
		schema.TaskDefinition{Name: "b", Command: "cmd-b", If: `tasks.a.status == 'succeeded'`},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	assert.Equal(t, 1, f.runner.callCount("cmd-b"))
}

func TestExecutor_ConditionEvalError(t *testing.T) {
	f := newExecutorFixture(t)
	collect := f.subscribe(t)

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a", If: `tasks.ghost.status == 'failed'`},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)

	assert.Equal(t, 0, f.runner.callCount("cmd-a"))
	logs := logsFor(t, collect(), "a")
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "Condition eval error")
}

func TestExecutor_ConditionParseErrorFailsTask(t *testing.T) {
	f := newExecutorFixture(t)
	collect := f.subscribe(t)

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a", If: `__import__('os')`},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)

	logs := logsFor(t, collect(), "a")
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "Condition eval error")
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	f := newExecutorFixture(t)
	f.runner.results["cmd-a"] = scriptResult{exit: 7}
	collect := f.subscribe(t)

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a", Retries: 2},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)

	assert.Equal(t, 3, f.runner.callCount("cmd-a"))

	task := f.tasksByName(t)["a"]
	assert.Equal(t, schema.TaskStatusFailed, task.Status)
	assert.Equal(t, 3, task.Attempt)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 7, *task.ExitCode)

	logs := logsFor(t, collect(), "a")
	assert.Contains(t, logs, "Retrying (1/2)...")
	assert.Contains(t, logs, "Retrying (2/2)...")
}

func TestExecutor_RetrySucceedsMidway(t *testing.T) {
	f := newExecutorFixture(t)

	// First attempt fails, then the script is flipped to succeed.
	first := true
	f.runner.results["cmd-a"] = scriptResult{exit: 1}
	base := f.runner
	runner := runnerFunc(func(ctx context.Context, command string, sink sandbox.LogSink) (int, error) {
		code, err := base.Execute(ctx, command, sink)
		if first {
			first = false
			return code, err
		}
		return 0, nil
	})

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a", Retries: 2},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)

	task := f.tasksByName(t)["a"]
	assert.Equal(t, schema.TaskStatusSucceeded, task.Status)
	assert.Equal(t, 2, task.Attempt)
}

type runnerFunc func(ctx context.Context, command string, sink sandbox.LogSink) (int, error)

func (f runnerFunc) Execute(ctx context.Context, command string, sink sandbox.LogSink) (int, error) {
	return f(ctx, command, sink)
}

func TestExecutor_TimeoutAbandonsAttempt(t *testing.T) {
	f := newExecutorFixture(t)
	f.runner.results["cmd-slow"] = scriptResult{block: true}
	collect := f.subscribe(t)

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-slow", Timeout: 1},
	)

	start := time.Now()
	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Contains(t, logsFor(t, collect(), "a"), "Timeout after 1s")
	assert.Equal(t, schema.TaskStatusFailed, f.tasksByName(t)["a"].Status)
}

func TestExecutor_ZeroTasks(t *testing.T) {
	f := newExecutorFixture(t)
	collect := f.subscribe(t)

	res, err := f.exec.Run(context.Background(), f.runID, defWith(), f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	assert.Empty(t, collect())
}

func TestExecutor_GraphDefectFailsRun(t *testing.T) {
	f := newExecutorFixture(t)
	collect := f.subscribe(t)

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "x", Dependencies: []string{"b"}},
		schema.TaskDefinition{Name: "b", Command: "y", Dependencies: []string{"a"}},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Empty(t, f.runner.calls)

	logs := logsFor(t, collect(), "workflow")
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "Invalid workflow")
}

func TestExecutor_SingleCommandExitCode(t *testing.T) {
	f := newExecutorFixture(t)
	f.runner.results["echo hi"] = scriptResult{exit: 0, logs: []string{"hi\n"}}

	res, err := f.exec.Run(context.Background(), f.runID, schema.SingleCommand("echo hi"), f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
}

func TestExecutor_SingleCommandFailureExitCode(t *testing.T) {
	f := newExecutorFixture(t)
	f.runner.results["exit 3"] = scriptResult{exit: 3}

	res, err := f.exec.Run(context.Background(), f.runID, schema.SingleCommand("exit 3"), f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
}

func TestExecutor_DiamondRunsAllBranches(t *testing.T) {
	f := newExecutorFixture(t)

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "cmd-a"},
		schema.TaskDefinition{Name: "b", Command: "cmd-b", Dependencies: []string{"a"}},
		schema.TaskDefinition{Name: "c", Command: "cmd-c", Dependencies: []string{"a"}},
		schema.TaskDefinition{Name: "d", Command: "cmd-d", Dependencies: []string{"b", "c"}},
	)

	res, err := f.exec.Run(context.Background(), f.runID, def, f.runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)

	for _, task := range f.tasksByName(t) {
		assert.Equal(t, schema.TaskStatusSucceeded, task.Status, task.Name)
	}
	// d ran after both branches
	require.Len(t, f.runner.calls, 4)
	assert.Equal(t, "cmd-d", f.runner.calls[3])
}

func TestExecutor_ParallelismBound(t *testing.T) {
	st := store.NewMemoryStore()
	run := &store.Run{Queue: "default", Status: schema.RunStatusRunning}
	require.NoError(t, st.CreateRun(context.Background(), run))

	exec := NewExecutor(st, streaming.NewMemoryHub(), 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var mu sync.Mutex
	active, peak := 0, 0
	runner := runnerFunc(func(ctx context.Context, command string, sink sandbox.LogSink) (int, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return 0, nil
	})

	def := defWith(
		schema.TaskDefinition{Name: "a", Command: "x"},
		schema.TaskDefinition{Name: "b", Command: "y"},
		schema.TaskDefinition{Name: "c", Command: "z"},
	)

	res, err := exec.Run(context.Background(), run.ID, def, runner)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
}
