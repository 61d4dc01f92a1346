// Package httpapi exposes the bot session endpoints, WebRTC signaling and
// the conversation CRUD surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/bot"
	"github.com/ent0n29/sesame/internal/config"
	"github.com/ent0n29/sesame/internal/cryptocompat"
	"github.com/ent0n29/sesame/internal/observability"
	"github.com/ent0n29/sesame/internal/peer"
	"github.com/ent0n29/sesame/internal/rooms"
	"github.com/ent0n29/sesame/internal/session"
	"github.com/ent0n29/sesame/internal/store"
)

// SessionRunner runs in-process sessions for the HTTP, WebSocket and
// WebRTC transports.
type SessionRunner interface {
	RunInProcess(ctx context.Context, req bot.BuildRequest) error
}

// RoomLauncher starts isolated room sessions.
type RoomLauncher interface {
	Launch(req bot.BuildRequest, roomURL, roomToken string) *bot.Handle
}

// RoomProvisioner creates rooms and their meeting tokens.
type RoomProvisioner interface {
	CreateRoom(ctx context.Context) (rooms.Room, error)
	GetToken(ctx context.Context, roomURL string, owner bool) (string, error)
}

// SignalingRegistry answers WebRTC offers.
type SignalingRegistry interface {
	HandleOffer(ctx context.Context, o peer.Offer) (peer.Answer, error)
}

type Deps struct {
	Config    config.Config
	Store     store.Store
	Sessions  *session.Manager
	Runner    SessionRunner
	Launcher  RoomLauncher
	Rooms     RoomProvisioner
	Peers     SignalingRegistry
	Decrypter cryptocompat.Decrypter
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

type Server struct {
	cfg       config.Config
	store     store.Store
	sessions  *session.Manager
	runner    SessionRunner
	launcher  RoomLauncher
	rooms     RoomProvisioner
	peers     SignalingRegistry
	decrypter cryptocompat.Decrypter
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager()
	}
	cfg := deps.Config
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		runner:    deps.Runner,
		launcher:  deps.Launcher,
		rooms:     deps.Rooms,
		peers:     deps.Peers,
		decrypter: deps.Decrypter,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		logger:    logger.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler(s.gatherer))

	for _, prefix := range []string{"/bot", "/api/bot"} {
		r.Post(prefix+"/action", s.handleBotAction)
		r.Post(prefix+"/connect", s.handleBotConnect)
		r.Get(prefix+"/ws", s.handleBotWS)
	}
	r.Post("/api/bot", s.handleOffer)
	r.Post("/bot/rooms", s.handleCreateRoom)
	r.Get("/api/bot/stats", s.handleStats)
	r.Get("/api/bot/sessions", s.handleListSessions)

	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", s.handleListConversations)
		r.Post("/", s.handleCreateConversation)
		r.Post("/upload", s.handleUpload)
		r.Put("/{id}", s.handleUpdateConversation)
		r.Delete("/{id}", s.handleDeleteConversation)
		r.Get("/{id}/messages", s.handleGetMessages)
		r.Post("/{id}/messages", s.handleCreateMessage)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "store not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"active": s.sessions.ActiveCount()})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondErr maps a classified error to its status and code.
func respondErr(w http.ResponseWriter, err error) {
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" && e.Kind != apperr.KindPipelineConstruction {
		msg = e.Message
	}
	respondError(w, apperr.HTTPStatus(err), apperr.Code(err), msg)
}
