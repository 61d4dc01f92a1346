// Package replay drives the scripted actions of a session: it replays them
// when the bot starts, merges uploaded attachments into the first user
// message and, for single-shot sessions, asks the bot to end afterwards.
package replay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/pipeline"
	"github.com/ent0n29/sesame/internal/protocol"
	"github.com/ent0n29/sesame/internal/store"
)

type State int

const (
	StateIdle State = iota
	StateReplaying
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReplaying:
		return "replaying"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Dispatcher is the message entry point of the bot's protocol layer.
type Dispatcher interface {
	HandleMessage(ctx context.Context, msg protocol.Message) error
}

// AttachmentDeleter removes an attachment once it has been merged.
type AttachmentDeleter interface {
	DeleteAttachment(ctx context.Context, id string) error
}

type Config struct {
	Actions     []protocol.Action
	Attachments []store.Attachment
	Deleter     AttachmentDeleter
	// TerminateAfterReplay sends the system end action once every action
	// has been dispatched. Live sessions leave it off.
	TerminateAfterReplay bool
	Logger               *zap.Logger
	// OnDispatched observes every dispatched action by verb.
	OnDispatched func(verb string)
}

// Controller owns the Idle -> Replaying -> Draining -> Terminated
// transitions of one session.
type Controller struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *zap.Logger

	mu          sync.Mutex
	state       State
	attachments []store.Attachment
	done        chan struct{}
}

func New(cfg Config, dispatcher Dispatcher) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:         cfg,
		dispatcher:  dispatcher,
		logger:      logger.Named("replay"),
		attachments: append([]store.Attachment(nil), cfg.Attachments...),
		done:        make(chan struct{}),
	}
}

// Bind subscribes the controller to the bot-started and end-of-stream events.
func (c *Controller) Bind(bus *pipeline.EventBus) error {
	if _, err := bus.Subscribe(pipeline.EventBotStarted, func(ctx context.Context, _ any) error {
		c.Replay(ctx)
		return nil
	}); err != nil {
		return err
	}
	_, err := bus.Subscribe(pipeline.EventEndOfStream, func(context.Context, any) error {
		c.Terminate()
		return nil
	})
	return err
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the controller reaches Terminated.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Replay dispatches every configured action in order. It never fails: a
// dispatch error is logged and replay continues, so the end action is
// always sent.
func (c *Controller) Replay(ctx context.Context) {
	if !c.transition(StateIdle, StateReplaying) {
		c.logger.Debug("bot started again, replay ignored", zap.Stringer("state", c.State()))
		return
	}

	for _, action := range c.cfg.Actions {
		action = action.Clone()
		if action.Kind() == protocol.KindAppendToMessages {
			c.mergeAttachments(ctx, &action)
		}
		c.dispatch(ctx, action)
	}

	if !c.cfg.TerminateAfterReplay {
		return
	}
	if c.transition(StateReplaying, StateDraining) {
		c.dispatch(ctx, protocol.NewEndAction())
	}
}

// Terminate marks the session finished. It is idempotent.
func (c *Controller) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return
	}
	c.state = StateTerminated
	close(c.done)
}

func (c *Controller) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

// mergeAttachments appends every pending attachment to the first user
// message of the action, then deletes them. Attachments are consumed by the
// first action that has a user message.
func (c *Controller) mergeAttachments(ctx context.Context, action *protocol.Action) {
	c.mu.Lock()
	pending := c.attachments
	c.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	msgs := action.Append.Messages
	for i := range msgs {
		if msgs[i].Role != string(conversation.RoleUser) {
			continue
		}
		c.logger.Debug("appending attachments to user message",
			zap.Int("attachments", len(pending)), zap.String("action_id", action.ID))
		for _, a := range pending {
			msgs[i].Content.AppendBlocks(conversation.ImageBlock(conversation.DataURI(a.FileType, a.FileData)))
		}

		c.mu.Lock()
		c.attachments = nil
		c.mu.Unlock()

		for _, a := range pending {
			if c.cfg.Deleter == nil {
				continue
			}
			if err := c.cfg.Deleter.DeleteAttachment(ctx, a.ID); err != nil {
				c.logger.Warn("delete merged attachment failed",
					zap.String("attachment_id", a.ID), zap.Error(err))
			}
		}
		return
	}
}

func (c *Controller) dispatch(ctx context.Context, action protocol.Action) {
	if err := c.safeDispatch(ctx, action); err != nil {
		c.logger.Warn("action dispatch failed",
			zap.String("verb", action.Verb),
			zap.String("action_id", action.ID),
			zap.Error(err),
		)
	}
	if c.cfg.OnDispatched != nil {
		c.cfg.OnDispatched(action.Verb)
	}
}

func (c *Controller) safeDispatch(ctx context.Context, action protocol.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	msg, err := action.Message()
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	return c.dispatcher.HandleMessage(ctx, msg)
}
