// Package status publishes periodic swarm status snapshots to external
// consumers.
package status

import (
	"context"

	"go.uber.org/zap"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// Sink receives swarm status snapshots. Publish must not block the
// coordinator; slow transports should bound their own I/O.
type Sink interface {
	Publish(ctx context.Context, status *shared.SwarmStatus) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, status *shared.SwarmStatus) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, status *shared.SwarmStatus) error {
	return f(ctx, status)
}

// ============================================================================
// Log sink
// ============================================================================

// LogSink writes status snapshots to the structured log.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

// Publish logs a one-line status summary.
func (s *LogSink) Publish(ctx context.Context, status *shared.SwarmStatus) error {
	healthy := 0
	for _, d := range status.Domains {
		if d.Healthy {
			healthy++
		}
	}

	s.log.Info("swarm status",
		zap.Int("healthyDomains", healthy),
		zap.Int("totalDomains", len(status.Domains)),
		zap.Int("queueDepth", status.QueueDepth),
		zap.Float64("consensusHealth", status.ConsensusHealth),
		zap.Int64("etaMs", status.EstimatedCompletionMs),
		zap.Bool("degraded", status.Degraded))
	return nil
}

// ============================================================================
// Multi sink
// ============================================================================

// MultiSink fans a snapshot out to several sinks. The first error is
// returned after every sink has been attempted.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Publish delivers the snapshot to every sink.
func (s *MultiSink) Publish(ctx context.Context, status *shared.SwarmStatus) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, status); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
