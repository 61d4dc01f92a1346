package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/observability"
	"github.com/ent0n29/sesame/internal/pipeline"
	"github.com/ent0n29/sesame/internal/session"
)

const (
	defaultMaxSessionTime = 15 * time.Minute
	fallbackTimeout       = 10 * time.Second
	roomCleanupTimeout    = 10 * time.Second
)

type RunnerConfig struct {
	Factory  Factory
	Sessions *session.Manager
	// MaxSessionTime bounds every session. Zero means 15 minutes.
	MaxSessionTime time.Duration
	// FallbackMessage prefixes the error shown to the client of a failed session.
	FallbackMessage string
	Metrics         *observability.Metrics
	Logger          *zap.Logger
}

// Runner runs sessions in the calling goroutine with their own deadline.
// A failure never escapes as a panic; the client is told through the
// fallback pipeline instead.
type Runner struct {
	cfg    RunnerConfig
	logger *zap.Logger
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.MaxSessionTime <= 0 {
		cfg.MaxSessionTime = defaultMaxSessionTime
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = "Error running bot"
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger.Named("runner")}
}

// RunInProcess builds and runs a session bound to req.Output and returns
// when it has ended. The returned error is the cause of a failed session,
// already reported to the client.
func (r *Runner) RunInProcess(ctx context.Context, req BuildRequest) error {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	deadline := time.Now().Add(r.cfg.MaxSessionTime)
	sctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	s := r.cfg.Sessions.Register(session.Session{
		ID:             req.SessionID,
		ConversationID: req.Params.ConversationID,
		UserID:         req.Params.UserID,
		Transport:      req.Kind,
		Deadline:       deadline.UTC(),
	}, cancel)
	r.cfg.Metrics.SessionStarted(string(req.Kind))
	logger := r.logger.With(
		zap.String("session_id", s.ID),
		zap.String("conversation_id", req.Params.ConversationID),
		zap.String("transport", string(req.Kind)),
	)
	logger.Info("session started")

	err := r.run(sctx, req)
	event := "completed"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		event, err = "cancelled", nil
	default:
		event = "failed"
		logger.Error("session failed", zap.Error(err))
		r.cfg.Metrics.Fallback()
		if ferr := FallbackTask(ctx, req.Output, r.cfg.FallbackMessage, err, logger); ferr != nil {
			logger.Warn("fallback pipeline failed", zap.Error(ferr))
		}
	}

	if _, endErr := r.cfg.Sessions.End(s.ID); endErr != nil {
		logger.Debug("session already ended", zap.Error(endErr))
	}
	r.cfg.Metrics.SessionEnded(string(req.Kind), event)
	logger.Info("session ended", zap.String("event", event))
	return err
}

func (r *Runner) run(ctx context.Context, req BuildRequest) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("session panic", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("session panic: %v", rec)
		}
	}()
	engine, err := r.cfg.Factory.Build(ctx, req)
	if err != nil {
		return err
	}
	return engine.Run(ctx)
}

// FallbackTask runs a minimal pipeline that tells the client the session
// failed and then ends the stream. It uses a fresh context so that a
// cancelled or expired session can still be reported.
func FallbackTask(ctx context.Context, out Transport, message string, cause error, logger *zap.Logger) error {
	if out == nil {
		return errors.New("fallback: no transport")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
	defer cancel()

	p, err := pipeline.New(&outputStage{out: out, name: "fallback", logger: logger})
	if err != nil {
		return err
	}
	if err := p.Push(fctx, pipeline.ErrorFrame(fmt.Errorf("%s: %w", message, cause), true)); err != nil {
		return err
	}
	return p.Push(fctx, pipeline.EndOfStream())
}

// RoomDeleter removes a room once its session is over.
type RoomDeleter interface {
	DeleteRoomByURL(ctx context.Context, roomURL string) error
}

// RoomTransportFactory builds the output transport of a room session.
type RoomTransportFactory func(roomURL, roomToken string) Transport

type LauncherConfig struct {
	Runner       *Runner
	Rooms        RoomDeleter
	NewTransport RoomTransportFactory
	// KeepRooms skips room deletion, for a long-lived debug room.
	KeepRooms bool
	Logger    *zap.Logger
}

// Launcher starts room sessions on their own goroutine, detached from the
// request that asked for them.
type Launcher struct {
	cfg    LauncherConfig
	base   context.Context
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewLauncher returns a launcher whose sessions are children of base;
// cancelling base stops every launched session.
func NewLauncher(base context.Context, cfg LauncherConfig) *Launcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, base: base, logger: logger.Named("launcher")}
}

// Handle observes a launched session.
type Handle struct {
	SessionID string
	RoomURL   string
	StartedAt time.Time

	done chan struct{}
	err  error
}

// Done is closed when the session and its room cleanup have finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the session failure after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Launch runs a non-live session for a room. Room deletion happens after
// the session ends, even when it failed.
func (l *Launcher) Launch(req BuildRequest, roomURL, roomToken string) *Handle {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	req.Kind = session.TransportRoom
	req.Live = false
	if req.Output == nil && l.cfg.NewTransport != nil {
		req.Output = l.cfg.NewTransport(roomURL, roomToken)
	}
	h := &Handle{
		SessionID: req.SessionID,
		RoomURL:   roomURL,
		StartedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(h.done)
		defer l.cleanupRoom(roomURL)
		defer func() {
			if rec := recover(); rec != nil {
				l.logger.Error("launched session panic", zap.Any("panic", rec))
				h.err = fmt.Errorf("session panic: %v", rec)
			}
		}()
		h.err = l.cfg.Runner.RunInProcess(l.base, req)
	}()
	return h
}

// Wait blocks until every launched session has finished or ctx is done.
func (l *Launcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Launcher) cleanupRoom(roomURL string) {
	if l.cfg.KeepRooms || l.cfg.Rooms == nil || roomURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.base), roomCleanupTimeout)
	defer cancel()
	if err := l.cfg.Rooms.DeleteRoomByURL(ctx, roomURL); err != nil {
		l.logger.Warn("room cleanup failed", zap.String("room_url", roomURL), zap.Error(err))
	}
}
