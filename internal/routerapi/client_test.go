package routerapi

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"

	"sdkrouter/internal/model"
	"sdkrouter/internal/server"
	"sdkrouter/internal/snapshotbus"
)

func newTestServer(t *testing.T, options server.Options) *httptest.Server {
	t.Helper()
	options.Logger = log.New(io.Discard, "", 0)
	runtime := server.NewRuntime(options)
	httpServer := httptest.NewServer(runtime.Handler())
	t.Cleanup(func() {
		runtime.Router().Close()
		httpServer.Close()
	})
	return httpServer
}

func TestHealthAndEmptySessions(t *testing.T) {
	httpServer := newTestServer(t, server.Options{})
	client := NewClient(httpServer.URL+"/", 0)

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health %+v", health)
	}
	sessions, err := client.ListSessions(context.Background(), true)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %+v", sessions)
	}
}

func TestDegradedHealthReturnsDocumentAndError(t *testing.T) {
	httpServer := newTestServer(t, server.Options{Bus: snapshotbus.Config{Driver: "memory"}})
	health, err := NewClient(httpServer.URL, 0).Health(context.Background())
	if err == nil {
		t.Fatalf("expected degraded health error")
	}
	if health.Status != "degraded" || health.BusHealth.Healthy {
		t.Fatalf("expected degraded document, got %+v", health)
	}
}

func TestGetSessionSurfacesAPIErrors(t *testing.T) {
	httpServer := newTestServer(t, server.Options{})
	_, err := NewClient(httpServer.URL, 0).GetSession(context.Background(), model.BotIdentity("ghost"))
	if err == nil || !strings.Contains(err.Error(), "session_not_found (http 404)") {
		t.Fatalf("expected session_not_found error, got %v", err)
	}
}
