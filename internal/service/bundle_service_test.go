package service

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpgateway/control-plane/internal/notify"
)

// healthyAuthority serves a one-service catalog with one governance instance.
func healthyAuthority(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/npl/store/GatewayStore/":
			fmt.Fprint(w, `{"items":[{"@id":"store-1"}]}`)
		case "/npl/store/GatewayStore/store-1/getBundleData":
			fmt.Fprint(w, `{"catalog":{"gmail":{"enabled":true,"tools":{"send_email":{"tag":"gated"}}}},"accessRules":[],"revokedSubjects":[]}`)
		case "/npl/governance/ServiceGovernance/":
			fmt.Fprint(w, `{"items":[{"@id":"g-1","serviceName":"gmail"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}
}

func newBundleServiceUnderTest(t *testing.T, handler http.HandlerFunc) (*BundleService, *notify.Latch) {
	t.Helper()
	srv, client, tokens := testAuthority(t, handler)
	latch := notify.NewLatch()
	return NewBundleService(client, tokens, srv.URL, latch, nil, testLogger(), testMetrics()), latch
}

func TestRebuildSwapsArchive(t *testing.T) {
	svc, _ := newBundleServiceUnderTest(t, healthyAuthority(t))

	if _, ok := svc.Current(); ok {
		t.Fatal("archive present before first rebuild")
	}
	st := svc.Status()
	if st.Built {
		t.Fatal("status reports built before first rebuild")
	}

	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	archive, ok := svc.Current()
	if !ok {
		t.Fatal("no archive after successful rebuild")
	}
	if archive.Revision == "" || len(archive.Bytes) == 0 {
		t.Errorf("archive incomplete: %+v", archive)
	}

	st = svc.Status()
	if !st.Built || st.Revision != archive.Revision {
		t.Errorf("status = %+v, want built with revision %s", st, archive.Revision)
	}
	if st.RebuildCount != 1 || st.RebuildErrorCount != 0 {
		t.Errorf("counts = (%d, %d), want (1, 0)", st.RebuildCount, st.RebuildErrorCount)
	}
}

func TestRebuildWithoutStoreServesEmptyDocument(t *testing.T) {
	svc, _ := newBundleServiceUnderTest(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/npl/store/GatewayStore/":
			fmt.Fprint(w, `{"items":[]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if _, ok := svc.Current(); !ok {
		t.Fatal("empty document did not produce an archive")
	}
}

func TestRebuildFailureKeepsLastGood(t *testing.T) {
	var failing atomic.Bool
	svc, _ := newBundleServiceUnderTest(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "authority down", http.StatusInternalServerError)
			return
		}
		healthyAuthority(t)(w, r)
	})

	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	good, _ := svc.Current()

	failing.Store(true)
	if err := svc.Rebuild(context.Background()); err == nil {
		t.Fatal("expected rebuild failure")
	}

	current, ok := svc.Current()
	if !ok || current.Revision != good.Revision {
		t.Errorf("last-good archive lost after failed rebuild")
	}
	st := svc.Status()
	if st.RebuildCount != 1 || st.RebuildErrorCount != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", st.RebuildCount, st.RebuildErrorCount)
	}
}

func TestRebuildRevisionStableAcrossTokenRefresh(t *testing.T) {
	svc, _ := newBundleServiceUnderTest(t, healthyAuthority(t))
	ctx := context.Background()

	if err := svc.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	first, _ := svc.Current()

	// Force a new gateway token; the authority data is unchanged.
	svc.tokens.Invalidate()
	if err := svc.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	second, _ := svc.Current()

	if first.Revision != second.Revision {
		t.Errorf("revision changed across token refresh: %s vs %s", first.Revision, second.Revision)
	}
}

func TestStreamEventsUpdateStateAndSignalLatches(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/streams/states" {
			healthyAuthority(t)(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: tick\ndata: {}\n\n")
		fmt.Fprint(w, "event: state\nid: ev-3\ndata: {}\n\n")
	}
	srv, client, tokens := testAuthority(t, handler)
	rebuildLatch := notify.NewLatch()
	replayLatch := notify.NewLatch()
	svc := NewBundleService(client, tokens, srv.URL, rebuildLatch, replayLatch, testLogger(), testMetrics())

	stream, err := client.SubscribeStates(context.Background(), "")
	if err != nil {
		t.Fatalf("SubscribeStates failed: %v", err)
	}
	defer stream.Close()
	svc.consumeStream(stream)

	select {
	case <-rebuildLatch.Wait():
	default:
		t.Error("state event did not signal the rebuild latch")
	}
	select {
	case <-replayLatch.Wait():
	default:
		t.Error("state event did not signal the replay latch")
	}

	svc.mu.RLock()
	lastID, lastAt := svc.lastEventID, svc.lastEventAt
	svc.mu.RUnlock()
	if lastID != "ev-3" {
		t.Errorf("lastEventID = %q, want ev-3", lastID)
	}
	if lastAt.IsZero() {
		t.Error("lastEventAt not set")
	}
}

func TestRebuildWorkerDebouncesBurst(t *testing.T) {
	var dataFetches atomic.Int64
	svc, latch := newBundleServiceUnderTest(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/npl/store/GatewayStore/store-1/getBundleData" {
			dataFetches.Add(1)
		}
		healthyAuthority(t)(w, r)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.RunRebuildWorker(ctx)
	}()

	// A burst of signals inside the debounce window collapses to one rebuild.
	for i := 0; i < 5; i++ {
		latch.Signal()
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.After(2 * time.Second)
	for dataFetches.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("worker never rebuilt")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Allow any residual signal to settle, then confirm no extra rebuilds.
	time.Sleep(300 * time.Millisecond)
	if got := dataFetches.Load(); got > 2 {
		t.Errorf("burst caused %d rebuilds, want at most 2", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}

func TestReconcilerSignalsPeriodically(t *testing.T) {
	svc, latch := newBundleServiceUnderTest(t, healthyAuthority(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.RunReconciler(ctx, 20*time.Millisecond)

	select {
	case <-latch.Wait():
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler never signalled the latch")
	}
}
