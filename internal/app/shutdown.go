package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Shutdown stops srv and every running session, waits for the sessions to
// finish their final transcript flush, then runs Cleanup. Sessions are
// cancelled while srv drains, since streaming handlers only return once
// their session has ended. Draining the server and waiting for sessions
// each get their own timeout.
func (b *BuildResult) Shutdown(srv *http.Server, timeout time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []error

	drained := make(chan error, 1)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
	defer cancelDrain()
	if srv != nil {
		go func() { drained <- srv.Shutdown(drainCtx) }()
	} else {
		drained <- nil
	}

	b.cancelSessions()
	if err := <-drained; err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = srv.Close()
	}
	// Requests accepted while the listener was closing may have started sessions.
	b.cancelSessions()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), timeout)
	defer cancelWait()
	if err := b.Sessions.Wait(waitCtx); err != nil {
		logger.Warn("sessions still running at shutdown", zap.Int("active", b.Sessions.ActiveCount()), zap.Error(err))
		errs = append(errs, err)
	}
	if b.Launcher != nil {
		if err := b.Launcher.Wait(waitCtx); err != nil {
			logger.Warn("room sessions still running at shutdown", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if b.Cleanup != nil {
		if err := b.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *BuildResult) cancelSessions() {
	b.Sessions.CancelAll()
	if b.stopSessions != nil {
		b.stopSessions()
	}
}
