package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/chispa/internal/store"
)

// handleExecute queues a command run.
func (s *ChispaServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required"), nil
	}
	queue := req.GetString("queue", "")

	run, submitErr := s.submitter.SubmitCommand(ctx, command, queue, nil)
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission failed: %v", submitErr)), nil
	}
	return marshalResult(run)
}

// handleWorkflow queues a workflow run.
func (s *ChispaServer) handleWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowYAML, err := req.RequireString("workflow_yaml")
	if err != nil {
		return mcp.NewToolResultError("workflow_yaml is required"), nil
	}
	queue := req.GetString("queue", "")

	run, submitErr := s.submitter.SubmitWorkflow(ctx, workflowYAML, queue)
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission failed: %v", submitErr)), nil
	}
	return marshalResult(run)
}

// handleRun returns a run together with its tasks.
func (s *ChispaServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	runID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid run_id: %q", rawID)), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}
	tasks, tasksErr := s.store.ListTasks(ctx, runID)
	if tasksErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task lookup failed: %v", tasksErr)), nil
	}

	return marshalResult(map[string]any{
		"run":   run,
		"tasks": tasks,
	})
}

// handleRuns lists all runs.
func (s *ChispaServer) handleRuns(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run listing failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(runs)
}

// handleMetrics returns the per-queue counter snapshot.
func (s *ChispaServer) handleMetrics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.counters.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("counter snapshot failed: %v", err)), nil
	}
	return marshalResult(snap)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
