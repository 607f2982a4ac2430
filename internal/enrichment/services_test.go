package enrichment

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelemetryServiceEndsOnFeedError(t *testing.T) {
	f := newFixture(t)
	f.feed.err = errors.New("connection refused")
	svc := NewTelemetryService(f.engine(Config{}, Deps{}), time.Millisecond, 0)

	done := make(chan error, 1)
	go func() { done <- svc.Serve(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Serve returned nil on feed error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestRunEveryFinishesCycleOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var completed atomic.Int32
	started := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- runEvery(ctx, time.Hour, time.Second, func(cctx context.Context) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			if cctx.Err() == nil {
				completed.Add(1)
			}
			return nil
		})
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("runEvery = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runEvery did not return")
	}
	if completed.Load() != 1 {
		t.Error("in-flight cycle saw the shutdown cancellation")
	}
}

func TestDrainServiceRunsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.ledger.RecordRouteGap("TRA456")
	svc := NewDrainService(f.engine(Config{}, Deps{}), 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Serve = %v, want deadline exceeded", err)
	}
	if f.ledger.Contains("route", "TRA456") {
		t.Error("drain service never drained the backlog")
	}
}

func TestSupervisorRunsServices(t *testing.T) {
	f := newFixture(t)
	sup := NewSupervisor("test", zerolog.Nop())
	eng := f.engine(Config{}, Deps{})
	sup.Add(NewTelemetryService(eng, 10*time.Millisecond, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sup.Serve(ctx)

	if _, at := eng.Last(); at.IsZero() {
		t.Error("telemetry service never completed a cycle")
	}
}
