// ABOUTME: Runtime tool discovery over MCP: connects stdio servers and registers their tools.
// ABOUTME: Discovered tools are prefixed mcp_<server>_ and dispatched like any builtin, policy gates included.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPServerSpec describes one external tool server launched over stdio.
type MCPServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     []string
}

// MCPConnection is a live session with one MCP server and the tool names it
// contributed to the registry.
type MCPConnection struct {
	name    string
	session *mcp.ClientSession
	tools   []string
}

// ConnectMCPServer launches the server, lists its tools, and registers each
// under the mcp_<server>_ prefix via the registry's atomic swap.
func ConnectMCPServer(ctx context.Context, reg *Registry, spec MCPServerSpec) (*MCPConnection, error) {
	if spec.Name == "" || spec.Command == "" {
		return nil, fmt.Errorf("mcp server needs name and command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "pandora", Version: "1"}, nil)
	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %s: %w", spec.Name, err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("list tools on %s: %w", spec.Name, err)
	}

	conn := &MCPConnection{name: spec.Name, session: session}
	for _, tool := range listed.Tools {
		registered := fmt.Sprintf("mcp_%s_%s", spec.Name, tool.Name)
		def := Definition{
			Name:        registered,
			Description: tool.Description,
		}
		if tool.InputSchema != nil {
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				def.Schema = raw
			}
		}
		remote := tool.Name
		handler := func(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
			return conn.call(ctx, remote, args)
		}
		if err := reg.Register(def, handler); err != nil {
			conn.Close(reg)
			return nil, fmt.Errorf("register %s: %w", registered, err)
		}
		conn.tools = append(conn.tools, registered)
	}
	return conn, nil
}

// Tools returns the registered tool names contributed by this server.
func (c *MCPConnection) Tools() []string {
	return append([]string(nil), c.tools...)
}

// Close unregisters the server's tools and tears down the session.
func (c *MCPConnection) Close(reg *Registry) error {
	for _, name := range c.tools {
		reg.Unregister(name)
	}
	c.tools = nil
	return c.session.Close()
}

func (c *MCPConnection) call(ctx context.Context, remote string, args map[string]any) (string, error) {
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: remote, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcp %s/%s: %w", c.name, remote, err)
	}

	var b strings.Builder
	for _, content := range res.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(text.Text)
		}
	}
	if res.IsError {
		return "", Errf(KindToolFailed, "mcp %s/%s: %s", c.name, remote, b.String())
	}
	return b.String(), nil
}
