package enrichment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// TelemetryService runs telemetry cycles on a fixed interval under a suture
// supervisor. A feed failure ends Serve with an error so the supervisor
// applies its restart backoff.
type TelemetryService struct {
	engine   *Engine
	interval time.Duration
	timeout  time.Duration
}

// NewTelemetryService creates the telemetry service. timeout bounds a single
// cycle and defaults to the interval.
func NewTelemetryService(engine *Engine, interval, timeout time.Duration) *TelemetryService {
	if timeout <= 0 {
		timeout = interval
	}
	return &TelemetryService{engine: engine, interval: interval, timeout: timeout}
}

// Serve implements suture.Service.
func (s *TelemetryService) Serve(ctx context.Context) error {
	return runEvery(ctx, s.interval, s.timeout, func(ctx context.Context) error {
		if _, err := s.engine.TelemetryCycle(ctx); err != nil {
			return fmt.Errorf("telemetry cycle: %w", err)
		}
		return nil
	})
}

func (s *TelemetryService) String() string { return "telemetry" }

// DrainService runs drain cycles on a fixed interval. Drain failures are
// logged by the engine and never stop the service.
type DrainService struct {
	engine   *Engine
	interval time.Duration
	timeout  time.Duration
}

// NewDrainService creates the drain service.
func NewDrainService(engine *Engine, interval, timeout time.Duration) *DrainService {
	if timeout <= 0 {
		timeout = interval
	}
	return &DrainService{engine: engine, interval: interval, timeout: timeout}
}

// Serve implements suture.Service.
func (s *DrainService) Serve(ctx context.Context) error {
	return runEvery(ctx, s.interval, s.timeout, func(ctx context.Context) error {
		_, err := s.engine.DrainCycle(ctx)
		if err != nil {
			s.engine.log.Warn().Err(err).Msg("drain cycle interrupted")
		}
		return nil
	})
}

func (s *DrainService) String() string { return "drain" }

// runEvery runs fn immediately and then on every tick until ctx is done. A
// cycle that has started runs to completion on a context detached from ctx,
// bounded by timeout, so shutdown never interrupts a ledger rewrite.
func runEvery(ctx context.Context, interval, timeout time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		err := fn(cctx)
		cancel()
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// NewSupervisor creates the supervisor the engine services run under, logging
// its events through log.
func NewSupervisor(name string, log zerolog.Logger) *suture.Supervisor {
	log = log.With().Str("component", "supervisor").Logger()
	return suture.New(name, suture.Spec{
		EventHook: func(ev suture.Event) {
			var e *zerolog.Event
			switch ev.Type() {
			case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
				e = log.Error()
			case suture.EventTypeBackoff:
				e = log.Warn()
			default:
				e = log.Info()
			}
			e.Fields(ev.Map()).Msg(ev.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}
