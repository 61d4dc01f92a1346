// Package peer owns the WebRTC peer connections of the process: offers
// create or renegotiate connections, and a connection removes itself from
// the registry when it goes away.
package peer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/observability"
	"github.com/ent0n29/sesame/internal/protocol"
)

// Offer is a signaling request. PCID is empty on the first offer.
type Offer struct {
	PCID      string
	SDP       string
	Type      string
	RestartPC bool
	Params    *protocol.SessionParams
}

type Answer struct {
	PCID string `json:"pc_id"`
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Connection is a live peer connection handle.
type Connection interface {
	ID() string
	// Initialize performs the first offer/answer exchange.
	Initialize(ctx context.Context, sdp, sdpType string) error
	// Renegotiate applies a new offer to the same connection.
	Renegotiate(ctx context.Context, sdp, sdpType string, restart bool) error
	Answer() Answer
	// OnClosed registers a callback run once when the connection is gone.
	OnClosed(fn func())
	Send(ctx context.Context, msg protocol.Message) error
	// Inbound yields client messages; it is closed with the connection.
	Inbound() <-chan protocol.Message
	Close() error
}

// ConnectionFactory creates an uninitialized connection.
type ConnectionFactory func(ctx context.Context) (Connection, error)

// SessionStarter runs a session bound to conn in the background and
// returns a function that cancels it.
type SessionStarter func(conn Connection, params protocol.SessionParams) (cancel func())

type entry struct {
	conn      Connection
	createdAt time.Time
	cancel    func()
	gone      bool
}

type Config struct {
	NewConnection ConnectionFactory
	StartSession  SessionStarter
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

// Registry maps connection ids to live connections. All mutations go
// through one mutex and only a connection's own close callback evicts it.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*entry
}

func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, logger: logger.Named("peer"), conns: make(map[string]*entry)}
}

// HandleOffer renegotiates the connection named by o.PCID, or creates a new
// connection and starts its session when o.PCID is empty. An unknown PCID is
// a ConnectionNotFound error; it never creates a second connection.
func (r *Registry) HandleOffer(ctx context.Context, o Offer) (Answer, error) {
	if strings.TrimSpace(o.SDP) == "" {
		return Answer{}, apperr.Validation("handle offer", "missing sdp")
	}
	if o.Type == "" {
		o.Type = "offer"
	}
	if o.PCID != "" {
		return r.renegotiate(ctx, o)
	}
	return r.create(ctx, o)
}

func (r *Registry) renegotiate(ctx context.Context, o Offer) (Answer, error) {
	r.mu.RLock()
	e, ok := r.conns[o.PCID]
	r.mu.RUnlock()
	if !ok {
		return Answer{}, apperr.ConnectionNotFound(o.PCID)
	}

	r.logger.Info("renegotiating peer connection", zap.String("pc_id", o.PCID), zap.Bool("restart", o.RestartPC))
	if err := e.conn.Renegotiate(ctx, o.SDP, o.Type, o.RestartPC); err != nil {
		return Answer{}, err
	}
	ans := e.conn.Answer()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[o.PCID]; !ok || cur != e {
		return Answer{}, apperr.ConnectionNotFound(o.PCID)
	}
	if ans.PCID != o.PCID {
		delete(r.conns, o.PCID)
		r.conns[ans.PCID] = e
	}
	return ans, nil
}

func (r *Registry) create(ctx context.Context, o Offer) (Answer, error) {
	if r.cfg.NewConnection == nil {
		return Answer{}, errors.New("peer: no connection factory")
	}
	conn, err := r.cfg.NewConnection(ctx)
	if err != nil {
		return Answer{}, err
	}
	e := &entry{conn: conn, createdAt: time.Now().UTC()}
	conn.OnClosed(func() { r.closed(e) })

	if err := conn.Initialize(ctx, o.SDP, o.Type); err != nil {
		_ = conn.Close()
		return Answer{}, err
	}
	ans := conn.Answer()

	r.mu.Lock()
	if e.gone {
		r.mu.Unlock()
		return Answer{}, apperr.ConnectionNotFound(ans.PCID)
	}
	r.conns[ans.PCID] = e
	n := len(r.conns)
	r.mu.Unlock()
	r.cfg.Metrics.SetPeerConnections(n)
	r.logger.Info("peer connection created", zap.String("pc_id", ans.PCID), zap.Int("connections", n))

	if r.cfg.StartSession != nil {
		var params protocol.SessionParams
		if o.Params != nil {
			params = *o.Params
		}
		cancel := r.cfg.StartSession(conn, params)
		r.mu.Lock()
		e.cancel = cancel
		gone := e.gone
		r.mu.Unlock()
		if gone && cancel != nil {
			cancel()
		}
	}
	return ans, nil
}

// closed evicts e and only then cancels its session.
func (r *Registry) closed(e *entry) {
	r.mu.Lock()
	e.gone = true
	for id, cur := range r.conns {
		if cur == e {
			delete(r.conns, id)
		}
	}
	n := len(r.conns)
	cancel := e.cancel
	r.mu.Unlock()

	r.cfg.Metrics.SetPeerConnections(n)
	r.logger.Info("peer connection closed", zap.String("pc_id", e.conn.ID()), zap.Int("connections", n))
	if cancel != nil {
		cancel()
	}
}

func (r *Registry) Get(pcID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[pcID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection concurrently.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	conns := make([]Connection, 0, len(r.conns))
	for _, e := range r.conns {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(c.Close)
	}
	return g.Wait()
}
