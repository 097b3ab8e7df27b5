package callback

import (
	"context"
	"testing"
	"time"

	"github.com/shardhub/shardhub/internal/protocol"
)

func TestBeginWithNoRespondersCompletesImmediately(t *testing.T) {
	e := New()
	rec := e.Begin(nil)
	defer e.End(rec)

	out := e.Wait(context.Background(), rec, time.Second)
	if len(out) != 0 {
		t.Fatalf("expected an empty result map, got %v", out)
	}
}

func TestWaitFillsMissingAsNoResponse(t *testing.T) {
	e := New()
	rec := e.Begin([]protocol.UID{1, 2})
	defer e.End(rec)

	ok, _ := protocolEncodeResponseOk(1, rec.Key())
	e.OnResponse(1, ok)

	out := e.Wait(context.Background(), rec, 50*time.Millisecond)
	if out[1].Kind != ResultOk {
		t.Fatalf("uid 1 should be ResultOk, got %+v", out[1])
	}
	if out[2].Kind != ResultNoResponse {
		t.Fatalf("uid 2 should time out as ResultNoResponse, got %+v", out[2])
	}
}

func TestOnResponseCompletesEarlyBeforeTimeout(t *testing.T) {
	e := New()
	rec := e.Begin([]protocol.UID{1})
	defer e.End(rec)

	ok, _ := protocolEncodeResponseOk(1, rec.Key())
	go e.OnResponse(1, ok)

	start := time.Now()
	out := e.Wait(context.Background(), rec, time.Minute)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Wait should complete as soon as the last response arrives, took %v", elapsed)
	}
	if out[1].Kind != ResultOk {
		t.Fatalf("expected ResultOk, got %+v", out[1])
	}
}

func TestOnResponseIgnoresUnexpectedAuthor(t *testing.T) {
	e := New()
	rec := e.Begin([]protocol.UID{1})
	defer e.End(rec)

	ok, _ := protocolEncodeResponseOk(99, rec.Key())
	e.OnResponse(99, ok)

	out := e.Wait(context.Background(), rec, 50*time.Millisecond)
	if out[1].Kind != ResultNoResponse {
		t.Fatalf("a response from an unexpected author must not satisfy uid 1, got %+v", out[1])
	}
}

func TestOnDisconnectsCompletesOutstandingRecords(t *testing.T) {
	e := New()
	rec := e.Begin([]protocol.UID{1, 2})
	defer e.End(rec)

	ok, _ := protocolEncodeResponseOk(1, rec.Key())
	e.OnResponse(1, ok)
	e.OnDisconnects([]protocol.UID{2})

	start := time.Now()
	out := e.Wait(context.Background(), rec, time.Minute)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("a disconnect should complete the record early, took %v", elapsed)
	}
	if out[2].Kind != ResultNoResponse {
		t.Fatalf("disconnected uid 2 should be ResultNoResponse, got %+v", out[2])
	}
}

// protocolEncodeResponseOk builds a decoded Frame the way the ipc client's
// receive loop would, without needing a real connection.
func protocolEncodeResponseOk(author protocol.UID, cb protocol.CallbackKey) (*protocol.Frame, error) {
	raw, err := protocol.EncodeResponseOk(author, 0, cb, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeFrame(raw)
}
