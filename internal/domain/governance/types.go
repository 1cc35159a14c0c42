// Package governance contains the per-service governance types shared by the
// constraint evaluator and the replay worker: tool constraint configs,
// evaluation requests/decisions, and approval records.
package governance

// Decision values returned by the evaluator and the authority.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Constraint operators understood by the evaluator.
const (
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpRegex       = "regex"
	OpMaxLength   = "max_length"
)

// Execution statuses recorded for replayed approvals.
const (
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// ToolConfig is the per-tool constraint record owned by a service's
// governance instance.
type ToolConfig struct {
	ToolName         string       `json:"toolName"`
	RequiresApproval bool         `json:"requiresApproval"`
	Constraints      []Constraint `json:"constraints"`
}

// Constraint is a per-argument predicate gating a tool call. It applies only
// when the named argument is present in the call.
type Constraint struct {
	ParamName   string   `json:"paramName"`
	Operator    string   `json:"operator"`
	Values      []string `json:"values"`
	Description string   `json:"description"`
}

// EvaluationRequest is the decision-service request body. Arguments and
// RequestPayload are JSON text, passed through opaquely to the authority
// on a forward.
type EvaluationRequest struct {
	ServiceName    string         `json:"serviceName"`
	ToolName       string         `json:"toolName"`
	CallerIdentity string         `json:"callerIdentity"`
	CallerClaims   map[string]any `json:"callerClaims"`
	Arguments      string         `json:"arguments"`
	SessionID      string         `json:"sessionId"`
	RequestPayload string         `json:"requestPayload"`
}

// Decision is the evaluation outcome. RequestID is empty unless the
// authority produced one during a forward (approval workflow).
type Decision struct {
	Decision  string `json:"decision"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// Allow builds an allow decision with no request id.
func Allow(message string) Decision {
	return Decision{Decision: DecisionAllow, Message: message}
}

// Deny builds a deny decision with no request id.
func Deny(message string) Decision {
	return Decision{Decision: DecisionDeny, Message: message}
}

// ApprovalRecord is an authority-produced deferred execution awaiting replay.
// RequestPayload is the stored JSON-RPC request as JSON text.
type ApprovalRecord struct {
	ApprovalID     string `json:"approvalId"`
	ServiceName    string `json:"serviceName"`
	ToolName       string `json:"toolName"`
	RequestPayload string `json:"requestPayload"`
}
