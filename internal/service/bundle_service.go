// Package service contains the control plane's long-running orchestrators:
// bundle rebuild and distribution state, the constraint cache, the
// evaluation decision service, and the approval replay worker.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpgateway/control-plane/internal/adapter/outbound/authority"
	"github.com/mcpgateway/control-plane/internal/adapter/outbound/identity"
	"github.com/mcpgateway/control-plane/internal/backoff"
	"github.com/mcpgateway/control-plane/internal/domain/bundle"
	"github.com/mcpgateway/control-plane/internal/metrics"
	"github.com/mcpgateway/control-plane/internal/notify"
)

const (
	// debounceDelay coalesces a burst of event-stream signals into one rebuild.
	debounceDelay = 100 * time.Millisecond

	streamBackoffBase = 1 * time.Second
	streamBackoffCap  = 30 * time.Second
)

// BundleStatus is a point-in-time snapshot of the distribution state,
// consumed by the health endpoint.
type BundleStatus struct {
	Built             bool
	Revision          string
	BuiltAt           time.Time
	SSEConnected      bool
	LastEventAt       time.Time
	RebuildCount      uint64
	RebuildErrorCount uint64
}

// BundleService owns the served bundle and everything that refreshes it:
// the event-stream consumer, the debounced rebuild worker, and the periodic
// reconciler. The served archive is swapped under a single mutex so readers
// never observe a torn (bytes, etag) pair; a failed rebuild keeps the
// last-good archive.
type BundleService struct {
	authority    *authority.Client
	tokens       *identity.TokenSource
	authorityURL string
	rebuildLatch *notify.Latch
	replayLatch  *notify.Latch // nil when the replay worker is disabled
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu                sync.RWMutex
	archive           *bundle.Archive
	lastEventID       string
	lastEventAt       time.Time
	sseConnected      bool
	rebuildCount      uint64
	rebuildErrorCount uint64
}

// NewBundleService creates a BundleService. replayLatch may be nil.
func NewBundleService(
	client *authority.Client,
	tokens *identity.TokenSource,
	authorityURL string,
	rebuildLatch *notify.Latch,
	replayLatch *notify.Latch,
	logger *slog.Logger,
	m *metrics.Metrics,
) *BundleService {
	return &BundleService{
		authority:    client,
		tokens:       tokens,
		authorityURL: authorityURL,
		rebuildLatch: rebuildLatch,
		replayLatch:  replayLatch,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
	}
}

// Current returns the served archive. ok is false until the first
// successful build.
func (s *BundleService) Current() (*bundle.Archive, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.archive, s.archive != nil
}

// Status snapshots the distribution state for the health endpoint.
func (s *BundleService) Status() BundleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := BundleStatus{
		SSEConnected:      s.sseConnected,
		LastEventAt:       s.lastEventAt,
		RebuildCount:      s.rebuildCount,
		RebuildErrorCount: s.rebuildErrorCount,
	}
	if s.archive != nil {
		st.Built = true
		st.Revision = s.archive.Revision
		st.BuiltAt = s.archive.BuiltAt
	}
	return st
}

// Rebuild performs one rebuild cycle: fetch fresh policy data, build a new
// revision, and swap the served bundle. On failure the previous bundle stays
// in place and the error counter increments.
func (s *BundleService) Rebuild(ctx context.Context) error {
	doc, err := s.fetchDocument(ctx)
	if err != nil {
		s.recordRebuildError(err)
		return err
	}

	// Pass-through token for downstream authenticated callbacks.
	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.recordRebuildError(err)
		return err
	}

	s.mu.RLock()
	eventID := s.lastEventID
	s.mu.RUnlock()

	archive, err := bundle.Build(doc, token, eventID, s.now())
	if err != nil {
		s.recordRebuildError(err)
		return err
	}

	s.mu.Lock()
	var prevRevision string
	if s.archive != nil {
		prevRevision = s.archive.Revision
	}
	s.archive = archive
	s.rebuildCount++
	s.mu.Unlock()
	s.metrics.RebuildsTotal.Inc()

	s.logger.Info("bundle rebuilt",
		"revision", archive.Revision,
		"previous_revision", prevRevision,
		"built_at", archive.BuiltAt.Format(time.RFC3339),
		"sse_event_id", eventID,
		"catalog_count", len(doc.Catalog),
		"access_rules_count", len(doc.AccessRules),
		"governance_instances_count", len(doc.GovernanceInstances),
		"changed", archive.Revision != prevRevision,
	)
	return nil
}

// fetchDocument pulls the authority's state and assembles the policy
// document. A missing gateway store singleton yields the empty document; a
// failed governance discovery degrades to an empty instance map.
func (s *BundleService) fetchDocument(ctx context.Context) (bundle.Document, error) {
	storeID, ok, err := s.authority.FindSingleton(ctx, authority.KindGatewayStore)
	if err != nil {
		return bundle.Document{}, err
	}
	if !ok {
		s.logger.Warn("no gateway store singleton found, serving empty policy data")
		return bundle.EmptyDocument(s.authorityURL), nil
	}

	data, err := s.authority.FetchBundleData(ctx, storeID)
	if err != nil {
		return bundle.Document{}, err
	}

	instances, err := s.authority.DiscoverGovernanceInstances(ctx)
	if err != nil {
		s.logger.Warn("failed to discover governance instances", "error", err)
		instances = map[string]string{}
	}

	return bundle.NewDocument(data, instances, s.authorityURL), nil
}

func (s *BundleService) recordRebuildError(err error) {
	s.mu.Lock()
	s.rebuildErrorCount++
	eventID := s.lastEventID
	s.mu.Unlock()
	s.metrics.RebuildErrorsTotal.Inc()
	s.logger.Error("bundle rebuild failed", "error", err, "sse_event_id", eventID)
}

// RunRebuildWorker consumes the rebuild latch: observe a signal, sleep the
// debounce window, discard signals raised during the sleep, then rebuild
// once. Runs until ctx is cancelled.
func (s *BundleService) RunRebuildWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.rebuildLatch.Wait():
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(debounceDelay):
		}
		s.rebuildLatch.Clear()

		// Rebuild logs and counts its own failures.
		_ = s.Rebuild(ctx)
	}
}

// RunReconciler latches a rebuild unconditionally every interval. This is
// the backstop for silent event-stream failures and lost events.
func (s *BundleService) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Debug("reconciliation poll triggered")
			s.rebuildLatch.Signal()
		}
	}
}

// RunStreamConsumer maintains the event-stream subscription: reconnect with
// exponential backoff, resume with the last observed event id, and latch a
// rebuild (and replay) on every state event. Heartbeat ticks are ignored.
func (s *BundleService) RunStreamConsumer(ctx context.Context) {
	bo := backoff.New(streamBackoffBase, streamBackoffCap)

	for ctx.Err() == nil {
		s.mu.RLock()
		lastID := s.lastEventID
		s.mu.RUnlock()

		s.logger.Info("connecting to authority state stream", "last_event_id", lastID)
		s.metrics.SSEReconnects.Inc()
		stream, err := s.authority.SubscribeStates(ctx, lastID)
		if err != nil {
			s.setConnected(false)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("state stream connection failed",
				"error", err, "retry_in", bo.Next())
			if bo.Wait(ctx) != nil {
				return
			}
			continue
		}

		s.setConnected(true)
		bo.Reset()
		s.logger.Info("state stream connected")

		s.consumeStream(stream)
		_ = stream.Close()
		s.setConnected(false)

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("state stream lost", "retry_in", bo.Next())
		if bo.Wait(ctx) != nil {
			return
		}
	}
}

// consumeStream handles events from one connection until it breaks.
func (s *BundleService) consumeStream(stream *authority.StateStream) {
	for {
		ev, err := stream.Next()
		if err != nil {
			return
		}
		switch ev.Type {
		case "state":
			s.mu.Lock()
			if ev.ID != "" {
				s.lastEventID = ev.ID
			}
			s.lastEventAt = s.now()
			s.mu.Unlock()
			s.logger.Info("state event received, signalling rebuild", "event_id", ev.ID)
			s.rebuildLatch.Signal()
			if s.replayLatch != nil {
				s.replayLatch.Signal()
			}
		case "tick":
			// Heartbeat, ignore.
		}
	}
}

func (s *BundleService) setConnected(connected bool) {
	s.mu.Lock()
	s.sseConnected = connected
	s.mu.Unlock()
}
