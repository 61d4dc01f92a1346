// Package app wires the service's components from a loaded Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/bot"
	"github.com/ent0n29/sesame/internal/config"
	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/cryptocompat"
	"github.com/ent0n29/sesame/internal/httpapi"
	"github.com/ent0n29/sesame/internal/observability"
	"github.com/ent0n29/sesame/internal/peer"
	"github.com/ent0n29/sesame/internal/protocol"
	"github.com/ent0n29/sesame/internal/rooms"
	"github.com/ent0n29/sesame/internal/session"
	"github.com/ent0n29/sesame/internal/store"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Launcher *bot.Launcher
	Peers    *peer.Registry
	Store    store.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB pools, files).
	Cleanup func() error

	stopSessions context.CancelFunc
}

// Options override process-wide defaults, mostly for tests.
type Options struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// Build assembles the service. Room and WebRTC sessions run as children of
// base, so cancelling it stops them.
func Build(base context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, opts.Registerer)

	st, err := store.NewStore(base, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	sessionCtx, stopSessions := context.WithCancel(base)
	sessions := session.NewManager()
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Warn("session exceeded its deadline",
			zap.String("session_id", s.ID),
			zap.String("transport", string(s.Transport)))
	})

	decrypter := cryptocompat.Decrypter{
		Passphrase: cfg.LegacyBodyPassphrase,
		Logger:     logger.Named("cryptocompat"),
		OnFailure:  metrics.DecryptFailed,
	}
	builder := bot.NewBuilder(bot.BuilderDeps{
		Config:  cfg,
		Store:   st,
		Loader:  conversation.NewLoader(st, decrypter, logger),
		Metrics: metrics,
		Logger:  logger,
	})
	runner := bot.NewRunner(bot.RunnerConfig{
		Factory:         builder,
		Sessions:        sessions,
		MaxSessionTime:  cfg.MaxSessionTime,
		FallbackMessage: cfg.Bot.FallbackMessage,
		Metrics:         metrics,
		Logger:          logger,
	})

	var (
		roomClient *rooms.Client
		launcher   *bot.Launcher
	)
	if key, ok := cfg.APIKey(config.ServiceDaily); ok {
		roomClient = rooms.NewClient(rooms.Config{
			APIURL: cfg.DailyAPIURL,
			APIKey: key,
			Expiry: cfg.MaxSessionTime,
			Logger: logger,
		})
		launcher = bot.NewLauncher(sessionCtx, bot.LauncherConfig{
			Runner: runner,
			Rooms:  roomClient,
			NewTransport: func(roomURL, _ string) bot.Transport {
				return rooms.AppMessageTransport{Client: roomClient, RoomURL: roomURL}
			},
			KeepRooms: cfg.UseDebugRoom,
			Logger:    logger,
		})
	} else {
		logger.Info("DAILY_API_KEY not set, room sessions disabled")
	}

	peers := peer.NewRegistry(peer.Config{
		NewConnection: peer.NewPionFactory(peer.PionConfig{ICEServers: cfg.ICEServers, Logger: logger}),
		StartSession:  startPeerSession(sessionCtx, runner, logger),
		Metrics:       metrics,
		Logger:        logger,
	})

	deps := httpapi.Deps{
		Config:    cfg,
		Store:     st,
		Sessions:  sessions,
		Runner:    runner,
		Peers:     peers,
		Decrypter: decrypter,
		Metrics:   metrics,
		Gatherer:  opts.Gatherer,
		Logger:    logger,
	}
	// Typed nils must not reach the interface fields.
	if roomClient != nil {
		deps.Rooms = roomClient
		deps.Launcher = launcher
	}
	api := httpapi.New(deps)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Launcher: launcher,
		Peers:    peers,
		Store:    st,
		Metrics:  metrics,
		Cleanup: func() error {
			stopSessions()
			var errs []error
			if err := peers.CloseAll(context.Background()); err != nil {
				errs = append(errs, err)
			}
			if err := st.Close(); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
		stopSessions: stopSessions,
	}, nil
}

// startPeerSession runs a live session over a WebRTC connection. The
// connection is closed when the session ends.
func startPeerSession(base context.Context, runner *bot.Runner, logger *zap.Logger) peer.SessionStarter {
	return func(conn peer.Connection, params protocol.SessionParams) func() {
		ctx, cancel := context.WithCancel(base)
		go func() {
			defer cancel()
			err := runner.RunInProcess(ctx, bot.BuildRequest{
				Params:  params,
				Kind:    session.TransportWebRTC,
				Output:  conn,
				Inbound: conn.Inbound(),
				Live:    true,
			})
			if err != nil {
				logger.Warn("webrtc session failed", zap.String("pc_id", conn.ID()), zap.Error(err))
			}
			_ = conn.Close()
		}()
		return cancel
	}
}
