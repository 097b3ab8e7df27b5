package tasksup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestSupervisor() *Supervisor {
	return New(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}))
}

func TestSpawnWaitAllBlocksUntilDone(t *testing.T) {
	s := newTestSupervisor()
	started := make(chan struct{})
	s.Spawn(context.Background(), func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	<-started
	s.WaitAll(time.Second)
	if s.Len() != 0 {
		t.Fatalf("expected no tasks left after WaitAll, got %d", s.Len())
	}
}

func TestWaitAllRespectsTimeoutAcrossManyTasks(t *testing.T) {
	s := newTestSupervisor()
	for i := 0; i < 5; i++ {
		s.Spawn(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}

	start := time.Now()
	s.WaitAll(50 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("WaitAll took %v, want it bounded near the timeout regardless of task count", elapsed)
	}
}

func TestCancelAllOnlyCancelsAllowCancelTasks(t *testing.T) {
	s := newTestSupervisor()
	cancellableDone := make(chan struct{})
	s.Spawn(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		close(cancellableDone)
		return nil
	})

	protectedCanceled := make(chan struct{})
	s.Spawn(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		close(protectedCanceled)
		return nil
	}, WithAllowCancel(false))

	s.CancelAll()

	select {
	case <-cancellableDone:
	case <-time.After(time.Second):
		t.Fatal("cancellable task was not canceled")
	}

	select {
	case <-protectedCanceled:
		t.Fatal("allow_cancel=false task must not be canceled by CancelAll")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSpawnRecoversPanic(t *testing.T) {
	s := newTestSupervisor()
	s.Spawn(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	s.WaitAll(time.Second)
	if s.Len() != 0 {
		t.Fatalf("panicking task should still be removed from tracking, got %d left", s.Len())
	}
}

func TestSpawnIgnoredErrorsSuppressLogging(t *testing.T) {
	var buf bytes.Buffer
	s := New(zerolog.New(&buf))
	sentinel := errors.New("expected disconnect")
	s.Spawn(context.Background(), func(ctx context.Context) error {
		return sentinel
	}, WithIgnoredErrors(sentinel))
	s.WaitAll(time.Second)
	if buf.Len() != 0 {
		t.Fatalf("an ignored error must not be logged, got %q", buf.String())
	}
}
