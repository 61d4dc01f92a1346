package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestManagerRegisterGetEnd(t *testing.T) {
	m := NewManager()
	var ended atomic.Int32
	m.SetEndHook(func(*Session) { ended.Add(1) })

	var cancelled bool
	s := m.Register(Session{ConversationID: "c1", UserID: "u1", Transport: TransportHTTP}, func() { cancelled = true })
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ConversationID != "c1" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	final, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if final.Status != StatusEnded || final.EndedAt.IsZero() || !cancelled {
		t.Fatalf("unexpected final state: %+v cancelled=%v", final, cancelled)
	}
	if _, err := m.End(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second End() error = %v, want ErrNotFound", err)
	}
	if ended.Load() != 1 {
		t.Fatalf("end hook calls = %d, want 1", ended.Load())
	}
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestManagerWaitTimesOut(t *testing.T) {
	m := NewManager()
	s := m.Register(Session{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestManagerCancelAll(t *testing.T) {
	m := NewManager()
	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	s1 := m.Register(Session{}, cancel1)
	s2 := m.Register(Session{}, cancel2)

	m.CancelAll()
	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Fatalf("CancelAll() did not cancel every session")
	}
	_, _ = m.End(s1.ID)
	_, _ = m.End(s2.ID)
}

func TestManagerJanitorExpiresOverdue(t *testing.T) {
	m := NewManager()
	expired := make(chan *Session, 1)
	m.SetExpireHook(func(s *Session) { expired <- s })

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := m.Register(Session{Deadline: time.Now().Add(20 * time.Millisecond)}, sessCancel)
	m.Register(Session{ID: "no-deadline"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case got := <-expired:
		if got.ID != s.ID || got.Status != StatusExpired {
			t.Fatalf("expired = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not expire overdue session")
	}
	if sessCtx.Err() == nil {
		t.Fatalf("expired session was not cancelled")
	}
	final, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if final.Status != StatusExpired {
		t.Fatalf("final Status = %q, want %q", final.Status, StatusExpired)
	}
	_, _ = m.End("no-deadline")
}
