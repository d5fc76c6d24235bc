// Package mcpserver implements the MCP resource server that sits behind the
// auth gate: a small tool surface (echo, roll_dice) registered on the MCP
// SDK server, plus a JSON-RPC 2.0 HTTP bridge for clients that speak plain
// POSTs instead of a full MCP transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProtocolVersion is the MCP protocol revision the bridge reports.
const ProtocolVersion = "2024-11-05"

// EchoArgs are the arguments for the echo tool.
type EchoArgs struct {
	Message string `json:"message"`
}

// RollDiceArgs are the arguments for the roll_dice tool.
type RollDiceArgs struct {
	Sides int `json:"sides,omitempty"`
}

// toolEntry pairs a tool's declaration with the call the bridge dispatches
// to. The declaration is the same one registered on the SDK server, so the
// bridge and SDK transports always advertise an identical catalog.
type toolEntry struct {
	tool *mcp.Tool
	call func(args json.RawMessage) (string, error)
}

// Server wraps the MCP SDK server and the tool registry the JSON-RPC bridge
// serves from.
type Server struct {
	impl   *mcp.Server
	name   string
	logger *slog.Logger
	tools  []toolEntry

	roll func(sides int) int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDiceRoller overrides the dice roll source. Used by tests for
// deterministic results.
func WithDiceRoller(roll func(sides int) int) Option {
	return func(s *Server) {
		if roll != nil {
			s.roll = roll
		}
	}
}

// New creates the resource server and registers its tools.
func New(name, version string, opts ...Option) *Server {
	s := &Server{
		name:   name,
		logger: slog.Default(),
		roll:   func(sides int) int { return 1 + rand.Intn(sides) },
	}
	for _, opt := range opts {
		opt(s)
	}

	s.impl = mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, nil)

	echoTool := &mcp.Tool{
		Name:        "echo",
		Description: "Echo a message back to the caller",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"message": {
					Type:        "string",
					Description: "Message to echo back",
				},
			},
			Required: []string{"message"},
		},
	}
	mcp.AddTool(s.impl, echoTool, s.handleEcho)
	s.tools = append(s.tools, toolEntry{tool: echoTool, call: func(raw json.RawMessage) (string, error) {
		var args EchoArgs
		if err := unmarshalArgs(raw, &args); err != nil {
			return "", fmt.Errorf("invalid arguments for echo")
		}
		return s.echo(args)
	}})

	diceTool := &mcp.Tool{
		Name:        "roll_dice",
		Description: "Roll an n-sided dice and return the result",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"sides": {
					Type:        "integer",
					Description: "Number of sides on the dice (default 6)",
				},
			},
		},
	}
	mcp.AddTool(s.impl, diceTool, s.handleRollDice)
	s.tools = append(s.tools, toolEntry{tool: diceTool, call: func(raw json.RawMessage) (string, error) {
		var args RollDiceArgs
		if err := unmarshalArgs(raw, &args); err != nil {
			return "", fmt.Errorf("invalid arguments for roll_dice")
		}
		return s.rollDice(args)
	}})

	return s
}

// MCPServer returns the underlying SDK server for use with SDK transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.impl
}

func textResult(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func (s *Server) handleEcho(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[EchoArgs]) (*mcp.CallToolResultFor[any], error) {
	text, err := s.echo(params.Arguments)
	if err != nil {
		return nil, err
	}
	return textResult(text), nil
}

func (s *Server) handleRollDice(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[RollDiceArgs]) (*mcp.CallToolResultFor[any], error) {
	text, err := s.rollDice(params.Arguments)
	if err != nil {
		return nil, err
	}
	return textResult(text), nil
}

func (s *Server) echo(args EchoArgs) (string, error) {
	if args.Message == "" {
		return "", fmt.Errorf("message is required")
	}
	return "Tool echo: " + args.Message, nil
}

func (s *Server) rollDice(args RollDiceArgs) (string, error) {
	sides := args.Sides
	if sides == 0 {
		sides = 6
	}
	if sides < 2 {
		return "", fmt.Errorf("sides must be at least 2")
	}
	return fmt.Sprintf("You rolled a %d (1-%d)!", s.roll(sides), sides), nil
}
