// Package mcp exposes the device tools as a Model Context Protocol
// server so external agents can drive the demo devices.
//
// Each registry entry becomes an MCP tool with a typed input schema.
// Results are returned as the tool Result JSON in a single text content
// block, with IsError set when the Result status is "error".
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/summitlabs/legion/internal/buildinfo"
	"github.com/summitlabs/legion/internal/tools"
)

// ServerName is the implementation name reported during initialization.
const ServerName = "legion"

// Registry is the subset of *tools.Registry the server needs.
type Registry interface {
	Get(name string) *tools.Tool
	Call(ctx context.Context, name string, args map[string]any) (tools.Result, error)
}

// Tool inputs. Field names and tags mirror the registry's parameter
// schemas so both surfaces accept the same arguments.
type (
	emptyInput struct{}

	feederMessageInput struct {
		Action string `json:"action" jsonschema:"feeder action: forward, stop or backward"`
	}

	feederControlInput struct {
		Action string `json:"action" jsonschema:"feeder action: forward, stop or backward"`
		Speed  *int   `json:"speed,omitempty" jsonschema:"motor speed from 0 to 180 (default 180)"`
	}

	sleepInput struct {
		Seconds int `json:"seconds" jsonschema:"number of seconds to wait, at most 60"`
	}

	helmetInput struct {
		FaceplateState string `json:"faceplate_state" jsonschema:"face_open or face_close"`
		EyesState      string `json:"eyes_state" jsonschema:"on or off"`
	}
)

// Server serves registry tools over MCP.
type Server struct {
	server   *mcp.Server
	registry Registry
	logger   *slog.Logger
}

// NewServer creates an MCP server exposing every device tool in reg.
// Tools missing from reg are skipped.
func NewServer(reg Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    ServerName,
			Version: buildinfo.Version,
		}, nil),
		registry: reg,
		logger:   logger.With("component", "mcp"),
	}

	addTool(s, tools.NameVehicleTelemetry, func(emptyInput) map[string]any { return nil })
	addTool(s, tools.NameSendCatFeeder, func(in feederMessageInput) map[string]any {
		return map[string]any{"action": in.Action}
	})
	addTool(s, tools.NameControlCatFeeder, func(in feederControlInput) map[string]any {
		args := map[string]any{"action": in.Action}
		if in.Speed != nil {
			args["speed"] = *in.Speed
		}
		return args
	})
	addTool(s, tools.NameSleepSeconds, func(in sleepInput) map[string]any {
		return map[string]any{"seconds": in.Seconds}
	})
	addTool(s, tools.NameHelmetAction, func(in helmetInput) map[string]any {
		return map[string]any{"faceplate_state": in.FaceplateState, "eyes_state": in.EyesState}
	})
	addTool(s, tools.NameHouseParty, func(emptyInput) map[string]any { return nil })

	return s
}

// addTool registers name with a typed input converted to registry
// arguments by toArgs.
func addTool[In any](s *Server, name string, toArgs func(In) map[string]any) {
	t := s.registry.Get(name)
	if t == nil {
		s.logger.Warn("tool not in registry, not exposed", "tool", name)
		return
	}

	mcp.AddTool(s.server, &mcp.Tool{Name: t.Name, Description: t.Description},
		func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
			res, err := s.registry.Call(ctx, name, toArgs(in))
			if err != nil {
				return nil, nil, fmt.Errorf("call %s: %w", name, err)
			}
			s.logger.Debug("tool called over MCP", "tool", name, "status", res.Status)
			return &mcp.CallToolResult{
				IsError: !res.OK(),
				Content: []mcp.Content{&mcp.TextContent{Text: res.JSON()}},
			}, nil, nil
		})
}

// Serve runs the server over stdin/stdout until ctx is cancelled or the
// client disconnects.
func (s *Server) Serve(ctx context.Context) error {
	return s.ServeTransport(ctx, &mcp.StdioTransport{})
}

// ServeTransport runs the server over t.
func (s *Server) ServeTransport(ctx context.Context, t mcp.Transport) error {
	s.logger.Info("MCP server starting")
	err := s.server.Run(ctx, t)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
