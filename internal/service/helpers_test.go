package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcpgateway/control-plane/internal/adapter/outbound/authority"
	"github.com/mcpgateway/control-plane/internal/adapter/outbound/identity"
	"github.com/mcpgateway/control-plane/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

// testAuthority runs an httptest server doubling as identity provider and
// authority, and returns a client bound to it.
func testAuthority(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *authority.Client, *identity.TokenSource) {
	t.Helper()
	var tokenCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/realms/mcpgateway/protocol/openid-connect/token" {
			n := tokenCount.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"access_token":"token-%d","expires_in":300}`, n)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	tokens := identity.NewTokenSource(identity.Config{
		IssuerURL: srv.URL,
		Realm:     "mcpgateway",
		ClientID:  "mcpgateway",
		Username:  "gateway",
		Password:  "pw",
	}, testLogger())
	return srv, authority.NewClient(srv.URL, tokens, testLogger()), tokens
}
