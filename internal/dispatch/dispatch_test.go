package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/protocol"
)

type recordedResponse struct {
	kind string
	to   protocol.UID
	cb   protocol.CallbackKey
	data any
	tb   string
}

type mockSender struct {
	mu        sync.Mutex
	responses []recordedResponse
}

func (m *mockSender) SendResponseOk(to protocol.UID, cb protocol.CallbackKey, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, recordedResponse{kind: "ok", to: to, cb: cb, data: data})
	return nil
}

func (m *mockSender) SendResponseTraceback(to protocol.UID, cb protocol.CallbackKey, traceback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, recordedResponse{kind: "traceback", to: to, cb: cb, tb: traceback})
	return nil
}

func (m *mockSender) SendResponseNotFound(to protocol.UID, cb protocol.CallbackKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, recordedResponse{kind: "not_found", to: to, cb: cb})
	return nil
}

func (m *mockSender) last() recordedResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responses[len(m.responses)-1]
}

func newTestDispatcher(s Sender) *Dispatcher {
	return New(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}), s)
}

func TestCommandGroupRejectsDuplicateNames(t *testing.T) {
	g := NewCommandGroup()
	h := func(ctx context.Context, from protocol.UID, data json.RawMessage) (any, error) { return nil, nil }
	if err := g.Add("launch_cluster", h); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	err := g.Add("launch_cluster", h)
	var caeErr *CommandAlreadyExists
	if !errors.As(err, &caeErr) {
		t.Fatalf("expected *CommandAlreadyExists, got %v", err)
	}
}

func TestIncludeCommandsRejectsCrossGroupDuplicate(t *testing.T) {
	s := &mockSender{}
	d := newTestDispatcher(s)
	h := func(ctx context.Context, from protocol.UID, data json.RawMessage) (any, error) { return nil, nil }

	g1 := NewCommandGroup()
	_ = g1.Add("launch_cluster", h)
	if err := d.IncludeCommands(g1); err != nil {
		t.Fatalf("first include should succeed: %v", err)
	}

	g2 := NewCommandGroup()
	_ = g2.Add("launch_cluster", h)
	if err := d.IncludeCommands(g2); err == nil {
		t.Fatal("expected an error merging a duplicate command name from a second group")
	}
}

func TestDispatchCommandNotFound(t *testing.T) {
	s := &mockSender{}
	d := newTestDispatcher(s)
	d.DispatchCommand(context.Background(), 1, &protocol.CommandData{Name: "unknown", Callback: 5})

	got := s.last()
	if got.kind != "not_found" || got.cb != 5 {
		t.Fatalf("expected not_found response for cb 5, got %+v", got)
	}
}

func TestDispatchCommandOkAndError(t *testing.T) {
	s := &mockSender{}
	d := newTestDispatcher(s)

	g := NewCommandGroup()
	_ = g.Add("ping", func(ctx context.Context, from protocol.UID, data json.RawMessage) (any, error) {
		return "pong", nil
	})
	_ = g.Add("boom", func(ctx context.Context, from protocol.UID, data json.RawMessage) (any, error) {
		return nil, errors.New("kaboom")
	})
	if err := d.IncludeCommands(g); err != nil {
		t.Fatalf("IncludeCommands: %v", err)
	}

	d.DispatchCommand(context.Background(), 1, &protocol.CommandData{Name: "ping", Callback: 1})
	if got := s.last(); got.kind != "ok" || got.data != "pong" {
		t.Fatalf("expected ok/pong, got %+v", got)
	}

	d.DispatchCommand(context.Background(), 1, &protocol.CommandData{Name: "boom", Callback: 2})
	if got := s.last(); got.kind != "traceback" || got.tb == "" {
		t.Fatalf("expected a non-empty traceback response, got %+v", got)
	}
}

func TestDispatchCommandRecoversPanic(t *testing.T) {
	s := &mockSender{}
	d := newTestDispatcher(s)

	g := NewCommandGroup()
	_ = g.Add("panics", func(ctx context.Context, from protocol.UID, data json.RawMessage) (any, error) {
		panic("unexpected")
	})
	if err := d.IncludeCommands(g); err != nil {
		t.Fatalf("IncludeCommands: %v", err)
	}

	d.DispatchCommand(context.Background(), 1, &protocol.CommandData{Name: "panics", Callback: 3})
	if got := s.last(); got.kind != "traceback" {
		t.Fatalf("a panicking handler must still produce exactly one traceback response, got %+v", got)
	}
}

func TestDispatchEventRunsAllHandlersInOrderDespiteErrors(t *testing.T) {
	s := &mockSender{}
	d := newTestDispatcher(s)

	var order []int
	var mu sync.Mutex
	record := func(n int) func(ctx context.Context, from protocol.UID, data json.RawMessage) error {
		return func(ctx context.Context, from protocol.UID, data json.RawMessage) error {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			if n == 2 {
				return errors.New("handler 2 failed")
			}
			return nil
		}
	}

	g := NewEventGroup()
	g.Add("cluster_died", record(1))
	g.Add("cluster_died", record(2))
	g.Add("cluster_died", record(3))
	d.IncludeEvents(g)

	d.DispatchEvent(context.Background(), 1, &protocol.EventData{Name: "cluster_died"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected handlers to run in registration order despite an error, got %v", order)
	}
}
