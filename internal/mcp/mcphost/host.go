// Package mcphost implements [mcp.Host] over the official MCP Go SDK.
//
// It connects to servers via stdio or streamable-HTTP transports, registers
// their tools under a "<server>_<tool>" qualified name, and assigns each
// tool a [types.BudgetTier]. Tiers start from the latency the tool declares
// and are re-evaluated passively from a rolling window of live-call
// measurements; there is no probe traffic, because business tools (CRM
// writes, calendar holds) are not safe to call speculatively.
//
// Typical usage:
//
//	h := mcphost.New(logger)
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "crm",
//	    Transport: mcp.TransportStdio,
//	    Command:   "/usr/local/bin/crm-mcp-server",
//	})
//	tools := h.AvailableTools(types.BudgetFast)
//	result, err := h.ExecuteTool(ctx, "crm_find_contact", `{"phone":"+4412..."}`)
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/askjohngeorge/leadline/internal/mcp"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// windowSize is the capacity of each tool's rolling latency window.
const windowSize = 100

// degradeErrorRate is the window error rate beyond which a tool is demoted
// one tier, keeping flaky tools out of tight turns.
const degradeErrorRate = 0.3

// toolEntry holds the registration record for one qualified tool.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string
	remoteName string // name on the server, without the prefix
	declared   time.Duration
	measured   *window
	tier       types.BudgetTier
}

// Host is the production [mcp.Host]. Create instances with [New]; the zero
// value is not usable.
type Host struct {
	log    *slog.Logger
	client *mcpsdk.Client

	mu      sync.RWMutex
	tools   map[string]*toolEntry            // key: qualified tool name
	servers map[string]*mcpsdk.ClientSession // key: server name
}

var _ mcp.Host = (*Host)(nil)

// New creates a ready-to-use Host. A single SDK client manages every server
// session.
func New(log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "leadline", Version: "1.0.0"},
		nil,
	)
	return &Host{
		log:     log.With("component", "mcphost"),
		client:  client,
		tools:   make(map[string]*toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
	}
}

// RegisterServer implements [mcp.Host].
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp host: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp host: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.BearerToken != "" {
			t.HTTPClient = &http.Client{
				Transport: &bearerTransport{token: cfg.BearerToken},
			}
		}
		transport = t
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Replace any previous registration of the same server.
	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = session

	for _, t := range discovered {
		entry := buildToolEntry(*t, cfg.Name)
		h.tools[entry.def.Name] = entry
	}

	h.log.Info("mcp server registered",
		"server", cfg.Name,
		"transport", cfg.Transport,
		"tools", len(discovered),
	)
	return nil
}

// buildToolEntry converts an SDK tool into a registration record with a
// qualified name and an initial tier from the declared latency.
func buildToolEntry(t mcpsdk.Tool, serverName string) *toolEntry {
	declared := declaredLatency(t)

	def := types.ToolDefinition{
		Name:                qualifiedName(serverName, t.Name),
		Description:         t.Description,
		Parameters:          schemaToMap(t.InputSchema),
		EstimatedDurationMs: int(declared.Milliseconds()),
	}

	return &toolEntry{
		def:        def,
		serverName: serverName,
		remoteName: t.Name,
		declared:   declared,
		measured:   newWindow(windowSize),
		tier:       tierFor(declared),
	}
}

// qualifiedName joins server and tool with an underscore. Dots are not
// legal in LLM function names, so "crm.find" becomes "crm_find".
func qualifiedName(server, tool string) string {
	name := server + "_" + tool
	return strings.ReplaceAll(name, ".", "_")
}

// declaredLatency reads an estimated_duration_ms hint from the tool's
// schema metadata or a JSON blob in its description. Tools that declare
// nothing are assumed fast until measured otherwise.
func declaredLatency(t mcpsdk.Tool) time.Duration {
	if schema := schemaToMap(t.InputSchema); schema != nil {
		if props, ok := schema["properties"].(map[string]any); ok {
			if meta, ok := props["_metadata"].(map[string]any); ok {
				if ms := intValue(meta, "estimated_duration_ms"); ms > 0 {
					return time.Duration(ms) * time.Millisecond
				}
			}
		}
	}

	start := strings.Index(t.Description, "{")
	end := strings.LastIndex(t.Description, "}")
	if start >= 0 && end > start {
		var m map[string]any
		if err := json.Unmarshal([]byte(t.Description[start:end+1]), &m); err == nil {
			if ms := intValue(m, "estimated_duration_ms"); ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}
	return 0
}

// intValue retrieves an integer from a decoded-JSON map by key.
func intValue(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round-trip, defaulting to an empty object schema.
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

// AvailableTools implements [mcp.Host].
func (h *Host) AvailableTools(tier types.BudgetTier) []types.ToolDefinition {
	h.mu.RLock()
	entries := make([]*toolEntry, 0, len(h.tools))
	for _, e := range h.tools {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	return filterByTier(entries, tier)
}

// ExecuteTool implements [mcp.Host].
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	var session *mcpsdk.ClientSession
	if ok {
		session = h.servers[entry.serverName]
	}
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp host: tool %q not found", name)
	}
	if session == nil {
		return nil, fmt.Errorf("mcp host: server %q gone for tool %q", entry.serverName, name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("mcp host: invalid args JSON for tool %q: %w", name, err)
		}
	}

	start := time.Now()
	callResult, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.remoteName,
		Arguments: argsMap,
	})
	elapsed := time.Since(start)

	h.record(name, elapsed, err != nil || (callResult != nil && callResult.IsError))

	if err != nil {
		return nil, fmt.Errorf("mcp host: call to tool %q failed: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &mcp.ToolResult{
		Content:  sb.String(),
		IsError:  callResult.IsError,
		Duration: elapsed,
	}, nil
}

// record folds one live measurement into the tool's window and re-derives
// its tier. Error-heavy tools are demoted a tier so they drop out of tight
// budgets before they drop out entirely.
func (h *Host) record(name string, elapsed time.Duration, isError bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.tools[name]
	if !ok {
		return
	}

	entry.measured.Record(elapsed, isError)

	tier := tierFor(entry.measured.P50())
	if entry.measured.ErrorRate() > degradeErrorRate && tier < types.BudgetDeep {
		tier++
	}
	entry.tier = tier
}

// tierFor maps a P50 latency to the narrowest tier that tolerates it.
// Zero (nothing declared, nothing measured) counts as fast.
func tierFor(p50 time.Duration) types.BudgetTier {
	switch {
	case p50 <= time.Duration(types.BudgetFast.MaxLatencyMs())*time.Millisecond:
		return types.BudgetFast
	case p50 <= time.Duration(types.BudgetStandard.MaxLatencyMs())*time.Millisecond:
		return types.BudgetStandard
	default:
		return types.BudgetDeep
	}
}

// Health implements [mcp.Host].
func (h *Host) Health() []mcp.ToolHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]mcp.ToolHealth, 0, len(h.tools))
	for name, e := range h.tools {
		out = append(out, mcp.ToolHealth{
			Name:      name,
			P50:       e.measured.P50(),
			P99:       e.measured.P99(),
			CallCount: e.measured.Count(),
			ErrorRate: e.measured.ErrorRate(),
			Tier:      e.tier,
		})
	}
	return out
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp host: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]*toolEntry)
	return firstErr
}

// splitCommand splits a command string into executable and arguments,
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// bearerTransport injects a static Authorization header on every request.
type bearerTransport struct {
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}
