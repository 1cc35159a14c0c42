package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/mcpgateway/control-plane/internal/domain/governance"
)

// seededEvaluator builds an EvaluationService with a pre-populated cache and
// the given authority behavior.
func seededEvaluator(t *testing.T, handler http.HandlerFunc, services map[string]ServiceGovernance) *EvaluationService {
	t.Helper()
	_, client, _ := testAuthority(t, handler)
	cache := NewConstraintCache(client, testLogger(), testMetrics())
	cache.services = services
	return NewEvaluationService(cache, client, testLogger(), testMetrics())
}

func noAuthorityCalls(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("authority should not be called, got %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	}
}

func gmailGovernance(requiresApproval bool) map[string]ServiceGovernance {
	return map[string]ServiceGovernance{
		"gmail": {
			InstanceID: "g-1",
			ToolConfigs: map[string]governance.ToolConfig{
				"send_email": {
					ToolName:         "send_email",
					RequiresApproval: requiresApproval,
					Constraints: []governance.Constraint{{
						ParamName:   "to",
						Operator:    governance.OpContains,
						Values:      []string{"@example.com"},
						Description: "recipients must be internal",
					}},
				},
			},
		},
	}
}

func TestEvaluateUnknownServiceDenies(t *testing.T) {
	svc := seededEvaluator(t, noAuthorityCalls(t), map[string]ServiceGovernance{})

	decision := svc.Evaluate(context.Background(), governance.EvaluationRequest{
		ServiceName: "slack",
		ToolName:    "post_message",
	})

	if decision.Decision != governance.DecisionDeny {
		t.Errorf("decision = %q, want deny", decision.Decision)
	}
	want := "No governance instance for service 'slack'"
	if decision.Message != want {
		t.Errorf("message = %q, want %q", decision.Message, want)
	}
}

func TestEvaluateConstraintViolationDeniesLocally(t *testing.T) {
	svc := seededEvaluator(t, noAuthorityCalls(t), gmailGovernance(true))

	decision := svc.Evaluate(context.Background(), governance.EvaluationRequest{
		ServiceName: "gmail",
		ToolName:    "send_email",
		Arguments:   `{"to":"eve@evil.com"}`,
	})

	if decision.Decision != governance.DecisionDeny {
		t.Errorf("decision = %q, want deny", decision.Decision)
	}
	if decision.Message != "Constraint violated: recipients must be internal" {
		t.Errorf("message = %q", decision.Message)
	}
}

func TestEvaluateAllowsLocallyWithoutApproval(t *testing.T) {
	svc := seededEvaluator(t, noAuthorityCalls(t), gmailGovernance(false))

	decision := svc.Evaluate(context.Background(), governance.EvaluationRequest{
		ServiceName: "gmail",
		ToolName:    "send_email",
		Arguments:   `{"to":"alice@example.com"}`,
	})

	if decision.Decision != governance.DecisionAllow {
		t.Errorf("decision = %q, want allow", decision.Decision)
	}
	if decision.Message != "Constraints satisfied" {
		t.Errorf("message = %q", decision.Message)
	}
}

func TestEvaluateForwardsApprovalGatedTool(t *testing.T) {
	svc := seededEvaluator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/npl/governance/ServiceGovernance/g-1/evaluate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"decision":"deny","requestId":"req-1","message":"Approval request created"}`)
	}, gmailGovernance(true))

	decision := svc.Evaluate(context.Background(), governance.EvaluationRequest{
		ServiceName: "gmail",
		ToolName:    "send_email",
		Arguments:   `{"to":"alice@example.com"}`,
	})

	if decision.Decision != governance.DecisionDeny || decision.RequestID != "req-1" {
		t.Errorf("authority decision not passed through: %+v", decision)
	}
}

func TestEvaluateForwardsUnknownTool(t *testing.T) {
	var forwarded bool
	svc := seededEvaluator(t, func(w http.ResponseWriter, r *http.Request) {
		forwarded = true
		fmt.Fprint(w, `{"decision":"allow","requestId":"","message":"ok"}`)
	}, gmailGovernance(true))

	decision := svc.Evaluate(context.Background(), governance.EvaluationRequest{
		ServiceName: "gmail",
		ToolName:    "unlisted_tool",
	})

	if !forwarded {
		t.Error("tool without cached config was not forwarded")
	}
	if decision.Decision != governance.DecisionAllow {
		t.Errorf("decision = %q", decision.Decision)
	}
}

func TestEvaluateAuthorityFailureDenies(t *testing.T) {
	svc := seededEvaluator(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "authority down", http.StatusInternalServerError)
	}, gmailGovernance(true))

	decision := svc.Evaluate(context.Background(), governance.EvaluationRequest{
		ServiceName: "gmail",
		ToolName:    "send_email",
		Arguments:   `{"to":"alice@example.com"}`,
	})

	if decision.Decision != governance.DecisionDeny {
		t.Errorf("decision = %q, want deny (fail closed)", decision.Decision)
	}
	if !strings.HasPrefix(decision.Message, "Governance evaluation failed:") {
		t.Errorf("message = %q", decision.Message)
	}
}
