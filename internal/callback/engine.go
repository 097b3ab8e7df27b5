// Package callback implements the request/reply correlation engine: a
// CallbackRecord collects responses from a fixed set of recipients for a
// single command invocation, resolving early once every responder has
// either answered or proven disconnected.
package callback

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shardhub/shardhub/internal/protocol"
)

// ResultKind distinguishes the four possible outcomes for one responder.
type ResultKind int

const (
	ResultOk ResultKind = iota
	ResultTraceback
	ResultNotFound
	ResultNoResponse
)

// Result is one responder's outcome within a command's response map.
type Result struct {
	Kind      ResultKind
	Data      json.RawMessage
	Traceback string
}

// Record is a single command invocation's response collector.
type Record struct {
	key        protocol.CallbackKey
	responders map[protocol.UID]struct{}

	mu        sync.Mutex
	responses map[protocol.UID]Result
	done      chan struct{}
	closed    bool
}

// Key returns the callback key responses must carry to route here.
func (r *Record) Key() protocol.CallbackKey { return r.key }

func (r *Record) tryComplete() {
	if r.closed {
		return
	}
	if len(r.responses) >= len(r.responders) {
		r.closed = true
		close(r.done)
	}
}

// Engine owns every outstanding Record for one hub client.
type Engine struct {
	mu      sync.Mutex
	records map[protocol.CallbackKey]*Record
	nextKey protocol.CallbackKey
}

// New creates an empty Engine.
func New() *Engine {
	return &Engine{records: make(map[protocol.CallbackKey]*Record)}
}

// Begin allocates a fresh key and registers a Record scoped to responders.
func (e *Engine) Begin(responders []protocol.UID) *Record {
	set := make(map[protocol.UID]struct{}, len(responders))
	for _, u := range responders {
		set[u] = struct{}{}
	}

	e.mu.Lock()
	key := e.nextKey
	e.nextKey++
	rec := &Record{
		key:        key,
		responders: set,
		responses:  make(map[protocol.UID]Result),
		done:       make(chan struct{}),
	}
	e.records[key] = rec
	e.mu.Unlock()

	if len(set) == 0 {
		rec.tryComplete()
	}
	return rec
}

// End removes rec from the engine. Callers invoke this on scope exit,
// regardless of whether Wait returned via completion or timeout.
func (e *Engine) End(rec *Record) {
	e.mu.Lock()
	delete(e.records, rec.key)
	e.mu.Unlock()
}

// Wait blocks until rec completes, ctx is cancelled, or timeout elapses,
// whichever is first. Any responder still missing at that point is filled
// in as ResultNoResponse. The returned map's key set always equals
// rec's original responders.
func (e *Engine) Wait(ctx context.Context, rec *Record, timeout time.Duration) map[protocol.UID]Result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	rec.mu.Lock()
	for u := range rec.responders {
		if _, ok := rec.responses[u]; !ok {
			rec.responses[u] = Result{Kind: ResultNoResponse}
		}
	}
	out := make(map[protocol.UID]Result, len(rec.responses))
	for u, r := range rec.responses {
		out[u] = r
	}
	rec.mu.Unlock()
	return out
}

// OnResponse routes a decoded response frame to its Record by callback
// key. Responses for an unknown key, or from a UID outside the original
// responders, are silently discarded.
func (e *Engine) OnResponse(author protocol.UID, f *protocol.Frame) {
	var key protocol.CallbackKey
	var result Result
	switch {
	case f.ResponseOk != nil:
		key = f.ResponseOk.Callback
		result = Result{Kind: ResultOk, Data: f.ResponseOk.Data}
	case f.ResponseTraceback != nil:
		key = f.ResponseTraceback.Callback
		result = Result{Kind: ResultTraceback, Traceback: f.ResponseTraceback.Traceback}
	case f.ResponseNotFound != nil:
		key = f.ResponseNotFound.Callback
		result = Result{Kind: ResultNotFound}
	default:
		return
	}

	e.mu.Lock()
	rec, ok := e.records[key]
	e.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	if _, expected := rec.responders[author]; expected {
		if _, already := rec.responses[author]; !already {
			rec.responses[author] = result
			rec.tryComplete()
		}
	}
	rec.mu.Unlock()
}

// OnDisconnects re-evaluates every outstanding record: any UID in
// disconnected that is still missing a response is marked NoResponse,
// potentially completing the record early.
func (e *Engine) OnDisconnects(disconnected []protocol.UID) {
	e.mu.Lock()
	recs := make([]*Record, 0, len(e.records))
	for _, rec := range e.records {
		recs = append(recs, rec)
	}
	e.mu.Unlock()

	for _, rec := range recs {
		rec.mu.Lock()
		for _, u := range disconnected {
			if _, expected := rec.responders[u]; !expected {
				continue
			}
			if _, already := rec.responses[u]; already {
				continue
			}
			rec.responses[u] = Result{Kind: ResultNoResponse}
		}
		rec.tryComplete()
		rec.mu.Unlock()
	}
}
