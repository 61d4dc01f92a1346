package app

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/sesame/internal/config"
	"github.com/ent0n29/sesame/internal/session"
)

func TestShutdownWaitsForSessionFlushBeforeCleanup(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace: "test_app_shutdown",
		LLMProvider:      "mock",
		ServiceAPIKeys:   map[string]string{},
		Bot:              config.DefaultBotConfig(),
	}
	built, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var flushed, flushedAtCleanup atomic.Bool
	cleanup := built.Cleanup
	built.Cleanup = func() error {
		flushedAtCleanup.Store(flushed.Load())
		return cleanup()
	}

	started := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		s := built.Sessions.Register(session.Session{Transport: session.TransportHTTP}, cancel)
		close(started)
		<-ctx.Done()
		// Final transcript flush after cancellation.
		time.Sleep(100 * time.Millisecond)
		flushed.Store(true)
		_, _ = built.Sessions.End(s.ID)
		w.WriteHeader(http.StatusOK)
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() { _ = srv.Serve(ln) }()

	go func() {
		res, err := http.Get("http://" + ln.Addr().String() + "/")
		if err == nil {
			res.Body.Close()
		}
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not start")
	}

	const timeout = 2 * time.Second
	begin := time.Now()
	if err := built.Shutdown(srv, timeout, zaptest.NewLogger(t)); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(begin); elapsed >= timeout {
		t.Fatalf("Shutdown() took %v, want well under %v", elapsed, timeout)
	}
	if !flushedAtCleanup.Load() {
		t.Fatalf("store cleanup ran before the session finished flushing")
	}
}
