// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant operator surface for the
// shell gateway. It uses the mark3labs/mcp-go library to handle the protocol
// details and exposes tools to list, inspect and remove sessions and to
// describe the sandbox policy.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/docker/go-units"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/sandbox"
	"github.com/isdmx/shellbox/session"
)

// Tool names
const (
	ToolListSessions   = "list_sessions"
	ToolInspectSession = "inspect_session"
	ToolRemoveSession  = "remove_session"
	ToolDescribePolicy = "describe_policy"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	manager    *session.Manager
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	serving    atomic.Bool
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, manager *session.Manager) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		manager: manager,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.Int("server.port", s.config.Server.Port),
		zap.String("server.path", s.config.Server.Path),
		zap.String("admin.transport", s.config.Admin.Transport),
		zap.Int("admin.http_port", s.config.Admin.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.String("sandbox.image", s.config.Sandbox.Image),
		zap.Bool("sandbox.network_enabled", s.config.Sandbox.NetworkEnabled),
		zap.Bool("sandbox.enable_local_backend", s.config.Sandbox.EnableLocalBackend),
		zap.Duration("session.idle_timeout", s.config.Session.IdleTimeout),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("shellbox-admin", "Operator tools for the interactive shell gateway")

	s.registerTools()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func sessionIDSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"session_id": map[string]any{
				"type":        "string",
				"description": "Session identifier as announced to the client",
			},
		},
		Required: []string{"session_id"},
	}
}

// registerTools registers every operator tool
func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolListSessions,
		Description: "List known sessions with their sandbox, creation time, last activity and open attachments",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleListSessions)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolInspectSession,
		Description: "Show one session together with the live state of its sandbox",
		InputSchema: sessionIDSchema(),
	}, s.handleInspectSession)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolRemoveSession,
		Description: "Destroy the sandbox of a session; the next connection gets a fresh one",
		InputSchema: sessionIDSchema(),
	}, s.handleRemoveSession)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolDescribePolicy,
		Description: "Describe the image, shell and isolation policy applied to new sandboxes",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleDescribePolicy)
}

func (s *MCPServer) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.manager.Sessions()
	s.logger.Debug("listing sessions", zap.Int("count", len(sessions)))
	return jsonResult(sessions)
}

func (s *MCPServer) handleInspectSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	status, err := s.manager.Inspect(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown session: %s", sessionID)), nil
		}
		s.logger.Error("session inspection failed", zap.String("session", sessionID), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Inspection failed: %v", err)), nil
	}
	return jsonResult(status)
}

func (s *MCPServer) handleRemoveSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	s.logger.Info("session removal requested", zap.String("session", sessionID))
	removed, err := s.manager.Remove(ctx, sessionID)
	if err != nil {
		s.logger.Error("session removal failed", zap.String("session", sessionID), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Removal failed: %v", err)), nil
	}
	if !removed {
		return mcp.NewToolResultError(fmt.Sprintf("unknown session: %s", sessionID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("removed session %s", sessionID)), nil
}

// policyDescription is the describe_policy document
type policyDescription struct {
	Backend     string         `yaml:"backend"`
	Image       string         `yaml:"image"`
	Shell       []string       `yaml:"shell"`
	Memory      string         `yaml:"memory"`
	CPUs        float64        `yaml:"cpus"`
	IdleTimeout string         `yaml:"idle_timeout"`
	Policy      sandbox.Policy `yaml:"policy"`
}

func (s *MCPServer) handleDescribePolicy(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	policy := s.manager.Policy()
	idle := "never"
	if s.config.Session.IdleTimeout > 0 {
		idle = s.config.Session.IdleTimeout.String()
	}

	out, err := yaml.Marshal(policyDescription{
		Backend:     s.config.Sandbox.Backend,
		Image:       s.manager.Image(),
		Shell:       s.config.Sandbox.Shell,
		Memory:      units.BytesSize(float64(policy.MemoryBytes)),
		CPUs:        policy.CPUs(),
		IdleTimeout: idle,
		Policy:      policy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Admin.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	s.serving.Store(true)
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it is running
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if !s.serving.Load() {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
