// Package flow drives the conversation graph the assistant follows through a
// call.
//
// A flow is a table of named nodes loaded from YAML ([Load]). Each node holds
// the prompts in force while it is active, the tools the model may call, and
// entry actions. The [Engine] tracks the active node, exposes its functions
// (plus any MCP tools) to the conversation stage, executes registered
// handlers when the model calls one, and applies transitions. Built-in
// handlers for lead capture, scheduling and service questions live in
// [Builtins].
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/internal/mcp"
	"github.com/askjohngeorge/leadline/internal/observe"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// HandlerFunc executes one tool call. args is the decoded JSON argument
// object; a call without arguments gets an empty map.
type HandlerFunc func(ctx context.Context, args map[string]any) (Result, error)

// Result is what a handler hands back to the engine.
type Result struct {
	// Content is the tool result fed to the model. Empty becomes "ok".
	Content string

	// TransitionTo overrides the function's declared transition target for
	// this call. Empty keeps the declared target.
	TransitionTo string
}

// Engine walks a [Config] node graph for one call.
//
// The engine implements the conversation stage's flow driver contract:
// Tools reports the active node's functions and Dispatch executes the calls
// the model makes. Both are safe for concurrent use.
type Engine struct {
	log     *slog.Logger
	cfg     *Config
	c       *convo.Context
	say     func(text string)
	end     func()
	host    mcp.Host
	tier    types.BudgetTier
	metrics *observe.Metrics

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	current  string
	role     string
}

// Option is a functional option for [NewEngine].
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithSay sets the sink for tts_say actions. The engine calls fn with the
// text to speak; without a sink the action is logged and dropped.
func WithSay(fn func(text string)) Option {
	return func(e *Engine) { e.say = fn }
}

// WithEndCall sets the sink for end_conversation actions. fn is called as
// soon as a terminal node is entered; the session is expected to let pending
// speech play out before tearing the call down.
func WithEndCall(fn func()) Option {
	return func(e *Engine) { e.end = fn }
}

// WithMCP merges the host's tools, capped at maxTier, into every node's tool
// set. Node functions shadow MCP tools of the same name.
func WithMCP(host mcp.Host, maxTier types.BudgetTier) Option {
	return func(e *Engine) {
		e.host = host
		e.tier = maxTier
	}
}

// WithMetrics counts every dispatched tool call by name and outcome.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine over cfg, reading and writing the call's
// durable conversation context c. cfg must have passed [Validate].
func NewEngine(cfg *Config, c *convo.Context, opts ...Option) *Engine {
	e := &Engine{
		log:      slog.Default(),
		cfg:      cfg,
		c:        c,
		tier:     types.BudgetStandard,
		handlers: make(map[string]HandlerFunc),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("component", "flow")
	return e
}

// RegisterHandler binds name to fn. Handlers must be registered before
// [Engine.Start]; a later registration is ignored by Start's validation but
// still takes effect for dispatch.
func (e *Engine) RegisterHandler(name string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = fn
}

// Start verifies that every explicitly named handler is registered and
// enters the initial node.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.current != "" {
		e.mu.Unlock()
		return errors.New("flow: already started")
	}

	var errs []error
	names := make([]string, 0, len(e.cfg.Nodes))
	for name := range e.cfg.Nodes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		for _, fn := range e.cfg.Nodes[name].Functions {
			if fn.Handler != "" {
				if _, ok := e.handlers[fn.Handler]; !ok {
					errs = append(errs, fmt.Errorf("node %q: function %q: handler %q is not registered", name, fn.Name, fn.Handler))
				}
			}
		}
	}
	e.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("flow: %w", errors.Join(errs...))
	}

	e.enterNode(e.cfg.InitialNode)
	return nil
}

// Current returns the active node's name, or "" before Start.
func (e *Engine) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Tools returns the active node's functions plus the MCP host's tools.
func (e *Engine) Tools() []types.ToolDefinition {
	e.mu.Lock()
	name := e.current
	e.mu.Unlock()

	node, ok := e.cfg.Nodes[name]
	if !ok {
		return nil
	}

	defs := make([]types.ToolDefinition, 0, len(node.Functions))
	seen := make(map[string]bool, len(node.Functions))
	for _, fn := range node.Functions {
		defs = append(defs, types.ToolDefinition{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		})
		seen[fn.Name] = true
	}
	if e.host != nil {
		for _, def := range e.host.AvailableTools(e.tier) {
			if seen[def.Name] {
				continue
			}
			defs = append(defs, def)
		}
	}
	return defs
}

// Dispatch executes the tool call against the active node and applies any
// resulting transition. Calls naming an MCP tool are forwarded to the host.
func (e *Engine) Dispatch(ctx context.Context, call types.ToolCall) (string, error) {
	out, err := e.dispatch(ctx, call)
	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordToolCall(ctx, call.Name, status)
	}
	return out, err
}

func (e *Engine) dispatch(ctx context.Context, call types.ToolCall) (string, error) {
	e.mu.Lock()
	nodeName := e.current
	e.mu.Unlock()

	node, ok := e.cfg.Nodes[nodeName]
	if !ok {
		return "", errors.New("flow: not started")
	}

	fn, ok := findFunction(node, call.Name)
	if !ok {
		if e.host != nil && e.hostHas(call.Name) {
			return e.dispatchMCP(ctx, call)
		}
		return "", fmt.Errorf("flow: node %q has no tool %q", nodeName, call.Name)
	}

	args, err := parseArgs(call.Arguments)
	if err != nil {
		return "", fmt.Errorf("flow: tool %q: bad arguments: %w", call.Name, err)
	}

	res, err := e.runHandler(ctx, fn, call, args)
	if err != nil {
		return "", err
	}

	target := res.TransitionTo
	if target == "" {
		target = fn.TransitionTo
	}
	if target != "" {
		if _, ok := e.cfg.Nodes[target]; !ok {
			// Validation covers declared targets, so only a handler
			// override can get here.
			e.log.Warn("handler requested unknown node, staying put", "tool", call.Name, "target", target)
		} else {
			e.enterNode(target)
		}
	}

	if res.Content == "" {
		return "ok", nil
	}
	return res.Content, nil
}

// enterNode makes name the active node: runs its pre actions, swaps the
// system prompt, then runs its post actions.
func (e *Engine) enterNode(name string) {
	node := e.cfg.Nodes[name]

	e.runActions(node.PreActions)

	e.mu.Lock()
	role := joinContents(node.RoleMessages)
	if role == "" {
		role = e.role
	} else {
		e.role = role
	}
	e.current = name
	e.mu.Unlock()

	system := role
	if task := joinContents(node.TaskMessages); task != "" {
		if system != "" {
			system += "\n\n"
		}
		system += task
	}
	if system != "" {
		e.c.ReplaceSystem(system)
	}
	e.log.Info("flow node entered", "node", name)

	e.runActions(node.PostActions)
}

func (e *Engine) runActions(actions []Action) {
	for _, a := range actions {
		switch a.Type {
		case ActionSay:
			if e.say == nil {
				e.log.Warn("tts_say action with no speech sink", "text", a.Text)
				continue
			}
			e.say(a.Text)
		case ActionEndConversation:
			if e.end == nil {
				e.log.Warn("end_conversation action with no end sink")
				continue
			}
			e.end()
		}
	}
}

// runHandler resolves and runs the function's handler. Resolution order:
// the explicit handler name, a handler registered under the function name,
// then an argument echo for handler-less transition functions.
func (e *Engine) runHandler(ctx context.Context, fn Function, call types.ToolCall, args map[string]any) (Result, error) {
	e.mu.Lock()
	h := e.handlers[fn.Handler]
	if h == nil {
		h = e.handlers[fn.Name]
	}
	e.mu.Unlock()

	if h == nil {
		if strings.TrimSpace(call.Arguments) == "" {
			return Result{}, nil
		}
		return Result{Content: call.Arguments}, nil
	}

	res, err := h(ctx, args)
	if err != nil {
		return Result{}, fmt.Errorf("flow: tool %q: %w", call.Name, err)
	}
	return res, nil
}

func (e *Engine) dispatchMCP(ctx context.Context, call types.ToolCall) (string, error) {
	res, err := e.host.ExecuteTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return "", fmt.Errorf("flow: mcp tool %q: %w", call.Name, err)
	}
	if res.IsError {
		e.log.Warn("mcp tool reported an error", "tool", call.Name)
	}
	return res.Content, nil
}

func (e *Engine) hostHas(name string) bool {
	for _, def := range e.host.AvailableTools(e.tier) {
		if def.Name == name {
			return true
		}
	}
	return false
}

func findFunction(node Node, name string) (Function, bool) {
	for _, fn := range node.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return Function{}, false
}

func parseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func joinContents(msgs []Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
