package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxhall/voxhall/internal/tenant"
	"github.com/voxhall/voxhall/pkg/types"
)

func testEnv() *Env {
	return &Env{
		Tenant: &tenant.TenantContext{
			ID:               "aurora",
			BusinessName:     "Aurora",
			EscalationNumber: "+15135550900",
			PhoneBook:        []string{"+15135550199"},
		},
		CallerID: "+15135550123",
	}
}

func execute(t *testing.T, r *Registry, env *Env, name, args string) (map[string]any, *Directive) {
	t.Helper()
	raw, dir := r.Execute(context.Background(), env, name, json.RawMessage(args))
	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("result %q is not JSON: %v", raw, err)
	}
	return result, dir
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	result, dir := execute(t, r, testEnv(), "frobnicate", `{}`)
	if result["ok"] != false || result["reason"] != "unknown tool" {
		t.Errorf("result = %v", result)
	}
	if dir != nil {
		t.Error("unexpected directive")
	}
}

func TestExecuteHandlerError(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(types.ToolDefinition{Name: "boom"}, func(context.Context, *Env, json.RawMessage) (Outcome, error) {
		return Outcome{}, errors.New("backend down")
	})
	result, _ := execute(t, r, testEnv(), "boom", `{}`)
	if result["ok"] != false || result["reason"] != "backend down" {
		t.Errorf("result = %v", result)
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(types.ToolDefinition{Name: "slow"}, func(ctx context.Context, _ *Env, _ json.RawMessage) (Outcome, error) {
		<-ctx.Done()
		time.Sleep(time.Hour) // handler ignores cancellation
		return Outcome{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	raw, dir := r.Execute(ctx, testEnv(), "slow", json.RawMessage(`{}`))
	if time.Since(start) > time.Second {
		t.Fatal("Execute blocked on a hung handler")
	}
	if !strings.Contains(raw, `"timeout"`) {
		t.Errorf("result = %q, want timeout reason", raw)
	}
	if dir != nil {
		t.Error("unexpected directive")
	}
}

func TestDefinitionsOrder(t *testing.T) {
	r := NewBuiltinRegistry(nil)
	defs := r.Definitions()
	want := []string{"lookup_project_status", "transfer_to_human", "capture_lead_answer", "end_call"}
	if len(defs) != len(want) {
		t.Fatalf("definitions = %d, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Name, name)
		}
	}
}

func TestTransferToHuman(t *testing.T) {
	r := NewBuiltinRegistry(nil)
	result, dir := execute(t, r, testEnv(), "transfer_to_human", `{"reason":"caller requested"}`)
	if result["transferred"] != true || result["to_number"] != "+15135550900" {
		t.Errorf("result = %v", result)
	}
	if dir == nil || dir.Kind != DirectiveTransfer || dir.ToNumber != "+15135550900" {
		t.Errorf("directive = %+v", dir)
	}
	if dir.Reason != "caller requested" {
		t.Errorf("reason = %q", dir.Reason)
	}
}

func TestTransferWithoutEscalationNumber(t *testing.T) {
	env := testEnv()
	env.Tenant.EscalationNumber = ""
	r := NewBuiltinRegistry(nil)
	result, dir := execute(t, r, env, "transfer_to_human", `{"reason":"x"}`)
	if result["transferred"] != false {
		t.Errorf("result = %v", result)
	}
	if dir != nil {
		t.Error("transfer directive issued with no target")
	}
}

func TestEndCall(t *testing.T) {
	r := NewBuiltinRegistry(nil)
	result, dir := execute(t, r, testEnv(), "end_call", `{"reason":"caller done"}`)
	if result["ok"] != true {
		t.Errorf("result = %v", result)
	}
	if dir == nil || dir.Kind != DirectiveEndCall || dir.Reason != "caller done" {
		t.Errorf("directive = %+v", dir)
	}
}
