package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/sesame/internal/config"
)

func TestBuildWiresInMemoryService(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace:     "test_app",
		LLMProvider:          "mock",
		LegacyBodyPassphrase: "future",
		ServiceAPIKeys:       map[string]string{},
		Bot:                  config.DefaultBotConfig(),
	}
	reg := prometheus.NewRegistry()
	built, err := Build(context.Background(), cfg, Options{Registerer: reg, Gatherer: reg, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()
	if built.Launcher != nil {
		t.Fatalf("Launcher built without a daily key")
	}

	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()
	for _, path := range []string{"/healthz", "/metrics"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, res.StatusCode)
		}
	}

	res, err := http.Post(ts.URL+"/bot/rooms", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /bot/rooms error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		t.Fatalf("POST /bot/rooms succeeded without room support")
	}
}

func TestBuildEnablesRoomsWithDailyKey(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace: "test_app_rooms",
		LLMProvider:      "mock",
		DailyAPIURL:      "http://127.0.0.1:1",
		ServiceAPIKeys:   map[string]string{config.ServiceDaily: "key"},
		Bot:              config.DefaultBotConfig(),
	}
	built, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer built.Cleanup()
	if built.Launcher == nil {
		t.Fatalf("Launcher = nil with a daily key")
	}
}
