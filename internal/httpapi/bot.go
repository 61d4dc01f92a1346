package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/bot"
	"github.com/ent0n29/sesame/internal/config"
	"github.com/ent0n29/sesame/internal/llm"
	"github.com/ent0n29/sesame/internal/peer"
	"github.com/ent0n29/sesame/internal/protocol"
	"github.com/ent0n29/sesame/internal/session"
)

const missingConversation = "Missing conversation_id in params"

// decodeParams reads SessionParams from the request body and requires a
// conversation id.
func decodeParams(r *http.Request) (protocol.SessionParams, error) {
	var p protocol.SessionParams
	if err := decodeJSON(r, &p); err != nil {
		if errors.Is(err, errEmptyBody) {
			return p, apperr.Validation("decode params", missingConversation)
		}
		return p, apperr.Validation("decode params", err.Error())
	}
	if !p.HasConversation() {
		return p, apperr.Validation("decode params", missingConversation)
	}
	return p, nil
}

// handleBotAction runs a single-shot session and streams its output as
// server-sent events.
func (s *Server) handleBotAction(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := llm.CheckConfigured(s.cfg); err != nil {
		respondErr(w, err)
		return
	}
	out, err := bot.NewSSETransport(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	out.Flush()

	if err := s.runner.RunInProcess(r.Context(), bot.BuildRequest{
		Params: params,
		Kind:   session.TransportHTTP,
		Output: out,
	}); err != nil {
		s.logger.Warn("action session failed", zap.String("conversation_id", params.ConversationID), zap.Error(err))
	}
}

// handleBotConnect hands out the WebSocket URL for a live session.
func (s *Server) handleBotConnect(w http.ResponseWriter, r *http.Request) {
	var params protocol.SessionParams
	if err := decodeJSON(r, &params); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), err.Error())
		return
	}
	if params.BotProfile == config.ProfileVoiceToVoice {
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	if !params.HasConversation() {
		respondErr(w, apperr.Validation("connect", missingConversation))
		return
	}
	if _, ok := s.cfg.APIKey(config.ServiceDaily); !ok {
		respondErr(w, apperr.Configuration(config.ServiceDaily))
		return
	}
	encoded, err := params.Encode()
	if err != nil {
		respondError(w, http.StatusInternalServerError, string(apperr.KindInternal), err.Error())
		return
	}
	base := strings.TrimRight(s.cfg.PublicWSBaseURL, "/")
	respondJSON(w, http.StatusOK, map[string]string{"ws_url": base + "/api/bot/ws?params=" + encoded})
}

// handleBotWS binds a live session to the socket. Params that are missing
// or malformed close the socket before any session starts.
func (s *Server) handleBotWS(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("params")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	params, perr := protocol.ParseSessionParams([]byte(raw))
	if perr == nil && !params.HasConversation() {
		perr = errors.New(missingConversation)
	}
	if strings.TrimSpace(raw) == "" || perr != nil {
		reason := "missing params"
		if perr != nil && raw != "" {
			reason = perr.Error()
		}
		s.logger.Info("rejecting websocket session", zap.String("reason", reason))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, truncate(reason, 120)),
			time.Now().Add(time.Second))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	out := &wsTransport{conn: conn}
	inbound := make(chan protocol.Message)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(inbound)
		s.readSocket(ctx, conn, out, inbound)
	}()

	if err := s.runner.RunInProcess(ctx, bot.BuildRequest{
		Params:  params,
		Kind:    session.TransportWebSocket,
		Output:  out,
		Inbound: inbound,
		Live:    true,
	}); err != nil {
		s.logger.Warn("websocket session failed", zap.String("conversation_id", params.ConversationID), zap.Error(err))
	}
	cancel()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
	<-readerDone
}

func (s *Server) readSocket(ctx context.Context, conn *websocket.Conn, out *wsTransport, inbound chan<- protocol.Message) {
	conn.SetReadLimit(2 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = out.Send(ctx, protocol.NewErrorResponse("", err.Error()))
			continue
		}
		select {
		case <-ctx.Done():
			return
		case inbound <- msg:
		}
	}
}

type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(_ context.Context, msg protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(msg)
}

type offerRequest struct {
	PCID         string                  `json:"pc_id"`
	PCIDAlt      string                  `json:"pcId"`
	SDP          string                  `json:"sdp"`
	Type         string                  `json:"type"`
	RestartPC    bool                    `json:"restart_pc"`
	RestartPCAlt bool                    `json:"restartPc"`
	Params       *protocol.SessionParams `json:"params,omitempty"`
}

// handleOffer is the WebRTC signaling endpoint.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "webrtc not configured")
		return
	}
	var req offerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "invalid offer body")
		return
	}
	pcID := req.PCID
	if pcID == "" {
		pcID = req.PCIDAlt
	}
	ans, err := s.peers.HandleOffer(r.Context(), peer.Offer{
		PCID:      strings.TrimSpace(pcID),
		SDP:       req.SDP,
		Type:      req.Type,
		RestartPC: req.RestartPC || req.RestartPCAlt,
		Params:    req.Params,
	})
	if err != nil {
		s.logger.Warn("offer failed", zap.String("pc_id", pcID), zap.Error(err))
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ans)
}

type roomResponse struct {
	RoomURL   string `json:"room_url"`
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

// handleCreateRoom provisions a room with a user and a bot token, then
// launches an isolated session into it.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if _, ok := s.cfg.APIKey(config.ServiceDaily); !ok || s.rooms == nil || s.launcher == nil {
		respondErr(w, apperr.Configuration(config.ServiceDaily))
		return
	}
	if err := llm.CheckConfigured(s.cfg); err != nil {
		respondErr(w, err)
		return
	}

	roomURL := s.cfg.DebugRoomURL
	if roomURL == "" {
		room, err := s.rooms.CreateRoom(r.Context())
		if err != nil {
			respondError(w, http.StatusBadGateway, "room_unavailable", err.Error())
			return
		}
		roomURL = room.URL
	}
	userToken, err := s.rooms.GetToken(r.Context(), roomURL, false)
	if err != nil {
		respondError(w, http.StatusBadGateway, "room_unavailable", err.Error())
		return
	}
	botToken, err := s.rooms.GetToken(r.Context(), roomURL, true)
	if err != nil {
		respondError(w, http.StatusBadGateway, "room_unavailable", err.Error())
		return
	}

	h := s.launcher.Launch(bot.BuildRequest{Params: params}, roomURL, botToken)
	respondJSON(w, http.StatusOK, roomResponse{RoomURL: roomURL, Token: userToken, SessionID: h.SessionID})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
