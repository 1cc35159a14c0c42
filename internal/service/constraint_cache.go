package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpgateway/control-plane/internal/adapter/outbound/authority"
	"github.com/mcpgateway/control-plane/internal/domain/governance"
	"github.com/mcpgateway/control-plane/internal/metrics"
)

// ServiceGovernance is the cached governance state of one backend service:
// the authority instance to forward to, and the tool constraint configs
// evaluated locally.
type ServiceGovernance struct {
	InstanceID  string
	ToolConfigs map[string]governance.ToolConfig
}

// ConstraintCache holds the constraint configs of all governed services.
// Refresh replaces the snapshot wholesale; a service whose config fetch
// fails is dropped from the snapshot so its calls fail closed instead of
// passing on stale or empty rules.
type ConstraintCache struct {
	authority *authority.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	services map[string]ServiceGovernance
}

// NewConstraintCache creates an empty cache.
func NewConstraintCache(client *authority.Client, logger *slog.Logger, m *metrics.Metrics) *ConstraintCache {
	return &ConstraintCache{
		authority: client,
		logger:    logger,
		metrics:   m,
		services:  map[string]ServiceGovernance{},
	}
}

// Refresh rebuilds the snapshot from the authority. The discovery call
// failing leaves the previous snapshot in place; a per-service config fetch
// failing drops only that service.
func (c *ConstraintCache) Refresh(ctx context.Context) error {
	instances, err := c.authority.DiscoverGovernanceInstances(ctx)
	if err != nil {
		c.logger.Error("governance discovery failed, keeping previous constraint snapshot", "error", err)
		return err
	}

	next := make(map[string]ServiceGovernance, len(instances))
	for serviceName, instanceID := range instances {
		configs, err := c.authority.GetToolConfigs(ctx, instanceID)
		if err != nil {
			c.logger.Warn("failed to fetch tool configs, dropping service from snapshot",
				"service", serviceName, "error", err)
			continue
		}
		byTool := make(map[string]governance.ToolConfig, len(configs))
		for _, cfg := range configs {
			byTool[cfg.ToolName] = cfg
		}
		next[serviceName] = ServiceGovernance{InstanceID: instanceID, ToolConfigs: byTool}
	}

	c.mu.Lock()
	c.services = next
	c.mu.Unlock()
	c.metrics.CachedServices.Set(float64(len(next)))

	c.logger.Info("constraint cache refreshed", "services", len(next))
	return nil
}

// Run refreshes the cache every interval until ctx is cancelled.
func (c *ConstraintCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Lookup returns the cached governance state for a service.
func (c *ConstraintCache) Lookup(serviceName string) (ServiceGovernance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sg, ok := c.services[serviceName]
	return sg, ok
}

// Size returns the number of cached services.
func (c *ConstraintCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.services)
}
