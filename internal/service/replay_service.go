package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpgateway/control-plane/internal/adapter/outbound/authority"
	"github.com/mcpgateway/control-plane/internal/adapter/outbound/mcp"
	"github.com/mcpgateway/control-plane/internal/domain/governance"
	"github.com/mcpgateway/control-plane/internal/metrics"
	"github.com/mcpgateway/control-plane/internal/notify"
)

// ReplayService drains approvals queued for execution: for each queued
// approval it replays the stored request against the service's backend and
// records the outcome at the authority. Approvals are processed serially;
// one approval gets exactly one recordExecution, success or failure.
type ReplayService struct {
	authority *authority.Client
	replayer  *mcp.ReplayClient
	backends  map[string]string // service name -> backend MCP endpoint
	latch     *notify.Latch
	interval  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewReplayService creates a ReplayService.
func NewReplayService(
	client *authority.Client,
	replayer *mcp.ReplayClient,
	backends map[string]string,
	latch *notify.Latch,
	interval time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ReplayService {
	return &ReplayService{
		authority: client,
		replayer:  replayer,
		backends:  backends,
		latch:     latch,
		interval:  interval,
		logger:    logger,
		metrics:   m,
	}
}

// Run drains the queue on startup, then again on every latch signal and on
// the poll interval, until ctx is cancelled.
func (s *ReplayService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.latch.Wait():
			s.latch.Clear()
			s.runOnce(ctx)
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce performs one drain cycle. A missing approval policy singleton is
// normal (nothing has ever been queued) and skips the cycle silently.
func (s *ReplayService) runOnce(ctx context.Context) {
	policyID, ok, err := s.authority.FindSingleton(ctx, authority.KindApprovalPolicy)
	if err != nil {
		s.logger.Warn("approval policy discovery failed", "error", err)
		return
	}
	if !ok {
		return
	}

	queued, err := s.authority.QueuedForExecution(ctx, policyID)
	if err != nil {
		s.logger.Warn("failed to fetch queued approvals", "error", err)
		return
	}
	if len(queued) == 0 {
		return
	}

	s.logger.Info("replaying queued approvals", "count", len(queued))
	for _, approval := range queued {
		if ctx.Err() != nil {
			return
		}
		s.replayOne(ctx, policyID, approval)
	}
}

// replayOne executes one approval and records its outcome. Replay failures
// are recorded as failed; a failed recording is logged and left for the
// next cycle, since the approval stays queued at the authority.
func (s *ReplayService) replayOne(ctx context.Context, policyID string, approval governance.ApprovalRecord) {
	status, result := s.execute(ctx, approval)
	s.metrics.Replays.WithLabelValues(status).Inc()

	if err := s.authority.RecordExecution(ctx, policyID, approval.ApprovalID, status, result); err != nil {
		s.logger.Error("failed to record replay outcome",
			"approval_id", approval.ApprovalID, "status", status, "error", err)
		return
	}
	s.logger.Info("replay recorded",
		"approval_id", approval.ApprovalID,
		"service", approval.ServiceName,
		"tool", approval.ToolName,
		"status", status)
}

// execute resolves the backend and replays the stored payload, returning the
// execution status and result text to record.
func (s *ReplayService) execute(ctx context.Context, approval governance.ApprovalRecord) (status, result string) {
	backendURL, ok := s.backends[approval.ServiceName]
	if !ok {
		return governance.ExecFailed,
			fmt.Sprintf("no backend configured for service '%s'", approval.ServiceName)
	}

	body, err := s.replayer.Execute(ctx, backendURL, []byte(approval.RequestPayload))
	if err != nil {
		s.logger.Warn("replay execution failed",
			"approval_id", approval.ApprovalID,
			"service", approval.ServiceName,
			"tool", approval.ToolName,
			"error", err)
		return governance.ExecFailed, err.Error()
	}
	return governance.ExecCompleted, body
}
