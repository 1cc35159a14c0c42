package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mcpgateway/control-plane/internal/adapter/outbound/authority"
	"github.com/mcpgateway/control-plane/internal/domain/governance"
	"github.com/mcpgateway/control-plane/internal/metrics"
)

// EvaluationService is the synchronous decision point for tool calls.
// Constraints are evaluated locally against the cache; tools that require
// approval are forwarded to the authority only after their constraints pass.
// Every failure path denies.
type EvaluationService struct {
	cache     *ConstraintCache
	authority *authority.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewEvaluationService creates an EvaluationService.
func NewEvaluationService(cache *ConstraintCache, client *authority.Client, logger *slog.Logger, m *metrics.Metrics) *EvaluationService {
	return &EvaluationService{cache: cache, authority: client, logger: logger, metrics: m}
}

// Evaluate decides one tool call. The decision order is: unknown service
// denies; a tool without a cached config forwards (the authority holds
// state this cache does not); constraint violation denies; approval-gated
// tools forward; everything else allows locally.
func (s *EvaluationService) Evaluate(ctx context.Context, req governance.EvaluationRequest) governance.Decision {
	sg, ok := s.cache.Lookup(req.ServiceName)
	if !ok {
		s.logger.Warn("evaluation for unknown service denied",
			"service", req.ServiceName, "tool", req.ToolName)
		return s.record(governance.Deny(
			fmt.Sprintf("No governance instance for service '%s'", req.ServiceName)), "constraint")
	}

	cfg, haveConfig := sg.ToolConfigs[req.ToolName]
	if !haveConfig {
		return s.forward(ctx, sg.InstanceID, req)
	}

	args := governance.ParseArguments(req.Arguments)
	passed, message := governance.EvaluateConstraints(cfg, args)
	if !passed {
		s.logger.Info("constraint violation",
			"service", req.ServiceName, "tool", req.ToolName,
			"caller", req.CallerIdentity, "message", message)
		return s.record(governance.Deny(message), "constraint")
	}

	if cfg.RequiresApproval {
		return s.forward(ctx, sg.InstanceID, req)
	}

	return s.record(governance.Allow(message), "constraint")
}

// forward hands the decision to the authority. A transport or authority
// failure denies rather than passing the call through ungoverned.
func (s *EvaluationService) forward(ctx context.Context, instanceID string, req governance.EvaluationRequest) governance.Decision {
	decision, err := s.authority.Evaluate(ctx, instanceID, req)
	if err != nil {
		s.logger.Error("authority evaluation failed, denying",
			"service", req.ServiceName, "tool", req.ToolName, "error", err)
		return s.record(governance.Deny(
			fmt.Sprintf("Governance evaluation failed: %v", err)), "authority")
	}
	return s.record(decision, "authority")
}

func (s *EvaluationService) record(d governance.Decision, source string) governance.Decision {
	s.metrics.Evaluations.WithLabelValues(d.Decision, source).Inc()
	return d
}
