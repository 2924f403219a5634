package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/internal/tenant"
	"github.com/voxhall/voxhall/pkg/project"
	"github.com/voxhall/voxhall/pkg/types"
)

// NewBuiltinRegistry returns a registry with the four built-in tools every
// call offers the model. metrics may be nil in tests.
func NewBuiltinRegistry(metrics *observe.Metrics) *Registry {
	r := NewRegistry(metrics)

	r.Register(types.ToolDefinition{
		Name: "lookup_project_status",
		Description: "Look up the current status of the caller's project. " +
			"Requires the caller to be verified; when the result is unverified, " +
			"ask the caller for their name and the exact project name.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"project_hint": map[string]any{
					"type":        "string",
					"description": "The project name or description as the caller said it.",
				},
				"caller_name": map[string]any{
					"type":        "string",
					"description": "The caller's stated name, if given.",
				},
			},
			"required": []string{"project_hint"},
		},
	}, lookupProjectStatus)

	r.Register(types.ToolDefinition{
		Name:        "transfer_to_human",
		Description: "Transfer the caller to a person at the business. Use when the caller asks for a human or the situation needs one.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason for the transfer.",
				},
			},
			"required": []string{"reason"},
		},
	}, transferToHuman)

	r.Register(types.ToolDefinition{
		Name:        "capture_lead_answer",
		Description: "Record the caller's answer to the current lead question.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question_id": map[string]any{
					"type":        "string",
					"description": "ID of the question being answered.",
				},
				"answer": map[string]any{
					"type":        "string",
					"description": "The caller's answer, verbatim.",
				},
			},
			"required": []string{"question_id", "answer"},
		},
	}, captureLeadAnswer)

	r.Register(types.ToolDefinition{
		Name:        "end_call",
		Description: "End the call politely after finishing the current sentence.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason the call is ending.",
				},
			},
		},
	}, endCall)

	return r
}

// lookupArgs is the argument shape of lookup_project_status.
type lookupArgs struct {
	ProjectHint string `json:"project_hint"`
	CallerName  string `json:"caller_name"`
}

func lookupProjectStatus(ctx context.Context, env *Env, raw json.RawMessage) (Outcome, error) {
	var args lookupArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Outcome{}, fmt.Errorf("bad arguments: %w", err)
	}
	if strings.TrimSpace(args.ProjectHint) == "" {
		return Outcome{Result: map[string]any{"found": false, "reason": "project_hint is required"}}, nil
	}
	if env.Projects == nil {
		return Outcome{Result: map[string]any{"found": false, "reason": "no project integration"}}, nil
	}

	ref, err := env.Projects.FindProject(ctx, args.ProjectHint, env.CallerID)
	if errors.Is(err, project.ErrNotFound) {
		return Outcome{Result: map[string]any{"found": false, "reason": "no matching project"}}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if !callerVerified(env, args.CallerName, args.ProjectHint, ref.Name) {
		return Outcome{Result: map[string]any{"found": false, "reason": "unverified"}}, nil
	}

	env.MatchedProjectID = ref.ID
	result := map[string]any{
		"found":          true,
		"name":           ref.Name,
		"status":         ref.Status,
		"last_update_at": ref.LastUpdateAt.Format("2006-01-02"),
		"summary":        ref.Summary,
	}
	return Outcome{Result: result}, nil
}

// transferArgs is the argument shape of transfer_to_human.
type transferArgs struct {
	Reason string `json:"reason"`
}

func transferToHuman(_ context.Context, env *Env, raw json.RawMessage) (Outcome, error) {
	var args transferArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Outcome{}, fmt.Errorf("bad arguments: %w", err)
	}
	to := env.Tenant.EscalationNumber
	if to == "" {
		return Outcome{Result: map[string]any{"transferred": false, "reason": "no escalation number configured"}}, nil
	}
	return Outcome{
		Result: map[string]any{"transferred": true, "to_number": to},
		Directive: &Directive{
			Kind:     DirectiveTransfer,
			ToNumber: to,
			Reason:   args.Reason,
		},
	}, nil
}

// captureArgs is the argument shape of capture_lead_answer.
type captureArgs struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

func captureLeadAnswer(_ context.Context, env *Env, raw json.RawMessage) (Outcome, error) {
	var args captureArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Outcome{}, fmt.Errorf("bad arguments: %w", err)
	}
	if env.Lead == nil {
		return Outcome{Result: map[string]any{"accepted": false, "reason": "no lead questions configured"}}, nil
	}
	q, ok := env.Lead.Question(args.QuestionID)
	if !ok {
		return Outcome{Result: map[string]any{"accepted": false, "reason": "unknown question"}}, nil
	}
	if reason, ok := validateAnswer(q.Kind, args.Answer); !ok {
		return Outcome{Result: map[string]any{"accepted": false, "reason": reason}}, nil
	}

	next, more := env.Lead.Record(args.QuestionID, args.Answer)
	result := map[string]any{"accepted": true}
	if more {
		result["next_question"] = map[string]any{"id": next.ID, "prompt": next.Prompt}
	} else {
		result["lead_complete"] = true
	}
	return Outcome{Result: result}, nil
}

// endArgs is the argument shape of end_call.
type endArgs struct {
	Reason string `json:"reason"`
}

func endCall(_ context.Context, _ *Env, raw json.RawMessage) (Outcome, error) {
	var args endArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return Outcome{}, fmt.Errorf("bad arguments: %w", err)
		}
	}
	return Outcome{
		Result:    map[string]any{"ok": true},
		Directive: &Directive{Kind: DirectiveEndCall, Reason: args.Reason},
	}, nil
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// validateAnswer checks an answer against the question kind. Returns a
// caller-facing rejection reason when the answer does not fit.
func validateAnswer(kind tenant.QuestionKind, answer string) (string, bool) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "empty answer", false
	}
	switch kind {
	case tenant.QuestionEmail:
		if !emailRe.MatchString(answer) {
			return "not a valid email address", false
		}
	case tenant.QuestionPhone:
		digits := 0
		for _, r := range answer {
			switch {
			case r >= '0' && r <= '9':
				digits++
			case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
			default:
				return "not a valid phone number", false
			}
		}
		if digits < 10 || digits > 15 {
			return "not a valid phone number", false
		}
	}
	return "", true
}
