// Package tools implements the tool executor: a registry of typed tool
// handlers the LLM can invoke mid-call.
//
// Every execution runs under a hard 4 s timeout and always produces a JSON
// result for the model. Handlers never surface errors to the call loop;
// failures become {"ok":false,"reason":...} results and the model decides
// what to tell the caller. Side effects that change call state (transfer,
// hangup) come back as a [Directive] for the call loop to act on.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/internal/tenant"
	"github.com/voxhall/voxhall/pkg/project"
	"github.com/voxhall/voxhall/pkg/types"
)

// Timeout is the hard per-execution budget. The result, including the
// timeout result, is available to the model within 500 ms after it.
const Timeout = 4 * time.Second

// DirectiveKind enumerates call-state changes a tool can request.
type DirectiveKind string

const (
	// DirectiveTransfer asks the call loop to warm-transfer the caller.
	DirectiveTransfer DirectiveKind = "transfer"

	// DirectiveEndCall asks the call loop to end after the current turn
	// flushes.
	DirectiveEndCall DirectiveKind = "end_call"
)

// Directive is an instruction from a tool to the call loop.
type Directive struct {
	Kind DirectiveKind

	// ToNumber is the transfer target for DirectiveTransfer.
	ToNumber string

	// Reason is the model-supplied reason, carried into logs and the
	// artifact.
	Reason string
}

// Outcome is what a handler produces: a result marshalled back to the model
// and an optional directive.
type Outcome struct {
	Result    any
	Directive *Directive
}

// Env is the per-call environment handlers run against. Built once per call
// by the session; handlers treat everything except Lead and Verified as
// read-only.
type Env struct {
	// Tenant is the resolved tenant context.
	Tenant *tenant.TenantContext

	// CallerID is the caller's E.164 number, "" when withheld.
	CallerID string

	// Projects is the tenant's PM integration, nil when the tenant has none.
	Projects project.Provider

	// Lead is the lead-capture flow state, owned by the session so it
	// survives barge-ins.
	Lead *LeadFlow

	// Verified is set once caller verification passes and stays set for the
	// rest of the call.
	Verified bool

	// MatchedProjectID is the backend ID of the project a successful
	// lookup_project_status call resolved. The finalizer uses it for the
	// scope-creep pass.
	MatchedProjectID string
}

// Handler executes one tool invocation. args is the raw JSON argument
// object from the model.
type Handler func(ctx context.Context, env *Env, args json.RawMessage) (Outcome, error)

// Registry maps tool names to their schema and handler.
type Registry struct {
	tools   map[string]registered
	order   []string
	metrics *observe.Metrics
}

type registered struct {
	def     types.ToolDefinition
	handler Handler
}

// NewRegistry creates an empty registry. metrics may be nil in tests.
func NewRegistry(metrics *observe.Metrics) *Registry {
	return &Registry{
		tools:   make(map[string]registered),
		metrics: metrics,
	}
}

// Register adds a tool. Registering a duplicate name replaces the earlier
// entry.
func (r *Registry) Register(def types.ToolDefinition, h Handler) {
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = registered{def: def, handler: h}
}

// Definitions returns the tool schemas in registration order, for the LLM
// request.
func (r *Registry) Definitions() []types.ToolDefinition {
	out := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Execute runs the named tool under [Timeout] and returns the JSON result
// for the model plus any directive for the call loop. It never returns an
// error: unknown tools, handler errors, panics in marshalling, and timeouts
// all become {"ok":false,"reason":...} results.
func (r *Registry) Execute(ctx context.Context, env *Env, name string, args json.RawMessage) (string, *Directive) {
	reg, ok := r.tools[name]
	if !ok {
		return failJSON("unknown tool"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	start := time.Now()
	type done struct {
		out Outcome
		err error
	}
	ch := make(chan done, 1)
	go func() {
		out, err := reg.handler(ctx, env, args)
		ch <- done{out, err}
	}()

	var (
		result    string
		directive *Directive
		status    string
	)
	select {
	case d := <-ch:
		switch {
		case d.err != nil:
			slog.Warn("tool failed", "tool", name, "error", d.err)
			result, status = failJSON(d.err.Error()), "error"
		default:
			raw, err := json.Marshal(d.out.Result)
			if err != nil {
				slog.Warn("tool result not marshallable", "tool", name, "error", err)
				result, status = failJSON("internal error"), "error"
			} else {
				result, directive, status = string(raw), d.out.Directive, "ok"
			}
		}
	case <-ctx.Done():
		slog.Warn("tool timed out", "tool", name, "timeout", Timeout)
		result, status = failJSON("timeout"), "timeout"
	}

	if r.metrics != nil {
		r.metrics.ToolDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", name)))
		r.metrics.RecordToolCall(ctx, name, status)
	}
	return result, directive
}

// failJSON renders the uniform failure result.
func failJSON(reason string) string {
	raw, err := json.Marshal(map[string]any{"ok": false, "reason": reason})
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"reason":%q}`, reason)
	}
	return string(raw)
}
