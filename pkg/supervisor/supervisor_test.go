package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSpawnCleanStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownDeadline = time.Second
	s, ctx := New(context.Background(), cfg)

	ran := make(chan struct{})
	s.Spawn("noop", func(ctx context.Context) error {
		close(ran)
		<-ctx.Done()
		return nil
	})

	<-ran
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.cancel()
	}()
	if err := s.Wait(); err != nil {
		t.Fatalf("expected nil error on clean shutdown, got %v", err)
	}
	_ = ctx
}

func TestNonRestartableFatalStopsSupervisor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownDeadline = time.Second
	s, _ := New(context.Background(), cfg)

	s.Spawn("failing", func(ctx context.Context) error {
		return &FatalError{Kind: KindClientValidation, Err: errors.New("boom")}
	})

	err := s.Wait()
	if err == nil {
		t.Fatal("expected a fatal error")
	}
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FatalError, got %T", err)
	}
}

func TestRestartableErrorRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.ShutdownDeadline = time.Second
	s, _ := New(context.Background(), cfg)

	var attempts int
	s.Spawn("flaky", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &FatalError{Kind: KindProverTransport, Err: errors.New("transient")}
		}
		<-ctx.Done()
		return nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.cancel()
	}()
	if err := s.Wait(); err != nil {
		t.Fatalf("expected eventual clean stop, got %v", err)
	}
	if attempts < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts)
	}
}

func TestKindRestartable(t *testing.T) {
	if !KindProverTransport.Restartable() {
		t.Fatal("KindProverTransport should be restartable")
	}
	if KindClientValidation.Restartable() {
		t.Fatal("KindClientValidation should not be restartable")
	}
}
