package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/protocol"
)

var ErrChannelNotOpen = errors.New("data channel not open")

const inboundBuffer = 64

type PionConfig struct {
	ICEServers []string
	Logger     *zap.Logger
}

// PionConnection is a Connection backed by a pion peer connection. Bot
// messages travel over the data channel opened by the client.
type PionConnection struct {
	id     string
	config webrtc.Configuration
	logger *zap.Logger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	onClosed []func()

	// sendMu guards inbound against close while a message is delivered.
	sendMu    sync.RWMutex
	inbound   chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPionFactory returns a ConnectionFactory for pion connections.
func NewPionFactory(cfg PionConfig) ConnectionFactory {
	return func(context.Context) (Connection, error) {
		return NewPionConnection(cfg)
	}
}

func NewPionConnection(cfg PionConfig) (*PionConnection, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	c := &PionConnection{
		id:      "SmallWebRTCConnection-" + uuid.NewString(),
		config:  webrtc.Configuration{ICEServers: servers},
		inbound: make(chan protocol.Message, inboundBuffer),
		closed:  make(chan struct{}),
	}
	c.logger = logger.Named("pion").With(zap.String("pc_id", c.id))
	pc, err := c.newPeerConnection()
	if err != nil {
		return nil, err
	}
	c.pc = pc
	return c, nil
}

func (c *PionConnection) ID() string { return c.id }

func (c *PionConnection) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(c.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		current := c.pc == pc
		if current {
			c.dc = dc
		}
		c.mu.Unlock()
		if !current {
			return
		}
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			msg, err := protocol.ParseClientMessage(m.Data)
			if err != nil {
				c.logger.Warn("dropping client message", zap.Error(err))
				return
			}
			c.deliver(msg)
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.mu.Lock()
		current := c.pc == pc
		c.mu.Unlock()
		if !current {
			return
		}
		c.logger.Debug("connection state changed", zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.shutdown()
		}
	})
	return pc, nil
}

func (c *PionConnection) Initialize(ctx context.Context, sdp, sdpType string) error {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	return c.negotiate(ctx, pc, sdp, sdpType)
}

// Renegotiate applies a new offer. With restart the underlying peer
// connection is replaced while the id and session stay the same, so the offer
// must come from a fresh client peer connection.
func (c *PionConnection) Renegotiate(ctx context.Context, sdp, sdpType string, restart bool) error {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if !restart {
		return c.negotiate(ctx, pc, sdp, sdpType)
	}

	fresh, err := c.newPeerConnection()
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.pc
	c.pc = fresh
	c.dc = nil
	c.mu.Unlock()
	if err := old.Close(); err != nil {
		c.logger.Warn("closing replaced peer connection failed", zap.Error(err))
	}
	return c.negotiate(ctx, fresh, sdp, sdpType)
}

func (c *PionConnection) negotiate(ctx context.Context, pc *webrtc.PeerConnection, sdp, sdpType string) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdpType), SDP: sdp}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ice gathering: %w", ctx.Err())
	}
}

func (c *PionConnection) Answer() Answer {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	ans := Answer{PCID: c.id}
	if local := pc.LocalDescription(); local != nil {
		ans.SDP = local.SDP
		ans.Type = local.Type.String()
	}
	return ans
}

func (c *PionConnection) OnClosed(fn func()) {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		fn()
		return
	default:
	}
	c.onClosed = append(c.onClosed, fn)
	c.mu.Unlock()
}

func (c *PionConnection) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return dc.SendText(string(raw))
}

func (c *PionConnection) Inbound() <-chan protocol.Message { return c.inbound }

func (c *PionConnection) deliver(msg protocol.Message) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	select {
	case <-c.closed:
	case c.inbound <- msg:
	}
}

func (c *PionConnection) Close() error {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	err := pc.Close()
	c.shutdown()
	return err
}

func (c *PionConnection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sendMu.Lock()
		close(c.inbound)
		c.sendMu.Unlock()

		c.mu.Lock()
		callbacks := c.onClosed
		c.onClosed = nil
		c.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	})
}
