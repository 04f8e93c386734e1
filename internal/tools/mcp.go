package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpCallTimeout bounds one external tool call.
const mcpCallTimeout = 30 * time.Second

// MCPServerConfig describes one external MCP tool server.
type MCPServerConfig struct {
	// Name identifies the server in logs and errors.
	Name string `yaml:"name"`

	// Command launches a stdio server ("executable arg1 arg2 …"). Exactly
	// one of Command and URL must be set.
	Command string `yaml:"command"`

	// URL is the endpoint of a streamable-HTTP server.
	URL string `yaml:"url"`
}

// MCPBridge imports tool catalogues from external MCP servers into a
// [Registry] and routes dispatches to the owning session.
type MCPBridge struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions []*mcpsdk.ClientSession
}

// NewMCPBridge creates a bridge with no connections.
func NewMCPBridge() *MCPBridge {
	return &MCPBridge{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "nevil", Version: "1.0.0"},
			nil,
		),
	}
}

// Connect establishes a session with the server described by cfg and
// registers every tool it advertises in r.
func (m *MCPBridge) Connect(ctx context.Context, cfg MCPServerConfig, r *Registry) error {
	var transport mcpsdk.Transport
	switch {
	case cfg.Command != "":
		fields := strings.Fields(cfg.Command)
		transport = &mcpsdk.CommandTransport{Command: exec.CommandContext(ctx, fields[0], fields[1:]...)}
	case cfg.URL != "":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tools: mcp server %q needs a command or a url", cfg.Name)
	}

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect mcp server %q: %w", cfg.Name, err)
	}

	var count int
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			session.Close()
			return fmt.Errorf("tools: list mcp server %q: %w", cfg.Name, err)
		}
		def := Definition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		}
		if err := r.Register(def, m.handlerFor(session, tool.Name)); err != nil {
			session.Close()
			return err
		}
		count++
	}
	if count == 0 {
		session.Close()
		return fmt.Errorf("tools: mcp server %q advertises no tools", cfg.Name)
	}

	m.mu.Lock()
	m.sessions = append(m.sessions, session)
	m.mu.Unlock()
	return nil
}

// handlerFor wraps one remote tool as a registry [Handler].
func (m *MCPBridge) handlerFor(session *mcpsdk.ClientSession, name string) Handler {
	return func(ctx context.Context, argsJSON string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
		defer cancel()

		var args map[string]any
		if argsJSON != "" && argsJSON != "{}" {
			if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		if err != nil {
			return "", fmt.Errorf("mcp call %s: %w", name, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("mcp call %s: %s", name, sb.String())
		}
		return sb.String(), nil
	}
}

// Close terminates all server sessions.
func (m *MCPBridge) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.Close()
	}
	m.sessions = nil
}

// schemaToMap normalises any schema representation into a JSON-schema map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
