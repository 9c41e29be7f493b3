// Package mcp exposes task status and checkpoint operations as MCP tools,
// so AI assistants can inspect and recover a running task.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/rewind/pkg/checkpoint"
	"github.com/ternarybob/rewind/pkg/stuck"
	"github.com/ternarybob/rewind/pkg/task"
)

// Server wraps the checkpoint store and task persistence as MCP tools.
type Server struct {
	store       task.Store
	checkpoints *checkpoint.Store
	detector    *stuck.Detector
	server      *server.MCPServer
}

// NewServer creates an MCP server over the given task store.
func NewServer(store task.Store, checkpoints *checkpoint.Store) *Server {
	s := &Server{
		store:       store,
		checkpoints: checkpoints,
		detector:    stuck.NewDetector(),
	}

	mcpServer := server.NewMCPServer(
		"rewind",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.server = mcpServer
	return s
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("task-status",
			mcp.WithDescription("Get the current task state: iteration counter, status, metrics and stuck classification."),
		),
		s.handleTaskStatus,
	)

	mcpServer.AddTool(
		mcp.NewTool("checkpoint-list",
			mcp.WithDescription("List retained checkpoints, newest iteration first."),
		),
		s.handleCheckpointList,
	)

	mcpServer.AddTool(
		mcp.NewTool("checkpoint-create",
			mcp.WithDescription("Take a manual checkpoint of the current iteration (code snapshot plus metrics)."),
		),
		s.handleCheckpointCreate,
	)

	mcpServer.AddTool(
		mcp.NewTool("rollback",
			mcp.WithDescription("Roll back the task to a checkpoint. Without an id, rolls back to the latest checkpoint."),
			mcp.WithString("id",
				mcp.Description("Checkpoint id to roll back to (default: latest)"),
			),
		),
		s.handleRollback,
	)
}

// handleTaskStatus handles the task-status tool.
func (s *Server) handleTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := s.store.Load()
	if err != nil {
		return mcp.NewToolResultError("no task state found"), nil
	}

	sr := s.detector.Classify(state)
	result := map[string]interface{}{
		"task": map[string]interface{}{
			"id":     state.Task.ID,
			"status": string(state.Task.Status),
		},
		"iteration": map[string]interface{}{
			"current": state.Iteration.Current,
			"max":     state.Iteration.Max,
		},
		"metrics": map[string]interface{}{
			"total_tokens":   state.Metrics.TotalTokens,
			"files_created":  len(state.Metrics.FilesCreated),
			"files_modified": len(state.Metrics.FilesModified),
		},
		"stuck": map[string]interface{}{
			"is_stuck": sr.IsStuck,
			"pattern":  string(sr.Pattern),
			"details":  sr.Details,
		},
	}

	jsonBytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal status failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// handleCheckpointList handles the checkpoint-list tool.
func (s *Server) handleCheckpointList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := s.store.Load()
	if err != nil {
		return mcp.NewToolResultError("no task state found"), nil
	}

	items := s.checkpoints.List(state)
	jsonBytes, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal checkpoints failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// handleCheckpointCreate handles the checkpoint-create tool.
func (s *Server) handleCheckpointCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := s.store.Load()
	if err != nil {
		return mcp.NewToolResultError("no task state found"), nil
	}

	cp, err := s.checkpoints.Create(state, task.CheckpointManual)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("checkpoint failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Checkpoint %s created at iteration %d (snapshot: %s).",
		cp.ID, cp.Iteration, cp.Snapshot.String())), nil
}

// handleRollback handles the rollback tool.
func (s *Server) handleRollback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := s.store.Load()
	if err != nil {
		return mcp.NewToolResultError("no task state found"), nil
	}

	id := request.GetString("id", "")
	var ok bool
	if id == "" {
		ok = s.checkpoints.RollbackToLatest(state)
	} else {
		ok = s.checkpoints.RollbackTo(id, state)
	}
	if !ok {
		return mcp.NewToolResultError("rollback failed: checkpoint not found or restore failed"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Rolled back to iteration %d.", state.Iteration.Current)), nil
}

// ServeStdio starts the MCP server on stdio.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.server)
}
