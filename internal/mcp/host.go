// Package mcp defines the interface for a Model Context Protocol (MCP) host.
//
// The host manages connections to external MCP tool servers, keeps a
// catalogue of the tools they expose, and executes tool calls on behalf of
// the conversation LLM. Because tools run inside live voice turns, every
// tool carries a [types.BudgetTier]: hosts track per-tool latency and only
// surface tools that fit the caller's budget, so a slow CRM lookup never
// stalls a turn the caller is waiting on.
//
// Lifecycle:
//
//  1. Call [Host.RegisterServer] for each configured MCP server.
//  2. Use [Host.AvailableTools] to enumerate tools valid for a budget tier.
//  3. Use [Host.ExecuteTool] to run tools during a call.
//  4. Call [Host.Close] to release all connections.
//
// All methods must be safe for concurrent use; several calls may share one
// host.
package mcp

import (
	"context"
	"time"

	"github.com/askjohngeorge/leadline/pkg/types"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies this server in logs and prefixes its tool names, so
	// tools from different servers cannot collide. Must be unique within a
	// [Host].
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable (and optional arguments) spawned when
	// Transport is [TransportStdio]. Ignored otherwise.
	Command string

	// URL is the endpoint address when Transport is
	// [TransportStreamableHTTP]. Ignored otherwise.
	URL string

	// BearerToken, when non-empty, is sent as an Authorization header on
	// every request to a streamable-http server.
	BearerToken string

	// Env holds additional environment variables for spawned stdio
	// servers. May be nil.
	Env map[string]string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically JSON or plain text
	// ready for insertion into the LLM context.
	Content string

	// IsError indicates an application-level failure reported by the tool
	// (as opposed to a transport failure returned via the Go error). When
	// true, Content carries the error message.
	IsError bool

	// Duration is the wall-clock time from dispatch to full response.
	Duration time.Duration
}

// ToolHealth captures the measured runtime performance of one tool, as
// observed across live calls.
type ToolHealth struct {
	// Name is the qualified tool name ("<server>_<tool>").
	Name string

	// P50 and P99 are rolling-window latency percentiles.
	P50 time.Duration
	P99 time.Duration

	// CallCount is the total number of invocations since registration.
	CallCount int

	// ErrorRate is the fraction of recent calls that failed (0.0–1.0).
	ErrorRate float64

	// Tier is the tool's current budget tier. Tools start on the tier
	// implied by their declared latency and move as measurements accrue.
	Tier types.BudgetTier
}

// Host manages MCP server connections, routes tool calls, and tracks
// per-tool latency for budget tier assignment.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// RegisterServer connects to the server described by cfg and imports
	// its tool catalogue under the "<server>_" prefix. Re-registering a
	// name replaces the old connection and its tools.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// AvailableTools returns every tool whose tier is within tier, sorted
	// fastest first.
	AvailableTools(tier types.BudgetTier) []types.ToolDefinition

	// ExecuteTool calls the named tool with JSON-encoded args. name must
	// match a definition returned by AvailableTools; args must be a JSON
	// object ("{}" for parameter-less tools).
	//
	// A non-nil *ToolResult is returned even when [ToolResult.IsError] is
	// true. A Go error means transport or protocol failure.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// Health reports the measured performance of every registered tool.
	Health() []ToolHealth

	// Close shuts down all server connections. The host must not be used
	// afterwards.
	Close() error
}
