package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-variant/pkg/simplevariant"
)

// Monitor defaults. The lag probe is diagnostic only: it samples how late
// the runtime delivers a ticker tick, which rises when render work starves
// the scheduler.
const (
	DefaultPingInterval  = 30 * time.Second
	DefaultProbeInterval = 5 * time.Second
	DefaultLagThreshold  = 1 * time.Second

	pingTimeout = 5 * time.Second
)

// Monitor periodically pings the job broker and samples scheduler latency.
type Monitor struct {
	queue         simplevariant.Queue
	logger        *slog.Logger
	pingInterval  time.Duration
	probeInterval time.Duration
	lagThreshold  time.Duration
}

// NewMonitor creates a Monitor with the default intervals.
func NewMonitor(queue simplevariant.Queue, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		queue:         queue,
		logger:        logger,
		pingInterval:  DefaultPingInterval,
		probeInterval: DefaultProbeInterval,
		lagThreshold:  DefaultLagThreshold,
	}
}

// Run blocks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	pingTicker := time.NewTicker(m.pingInterval)
	defer pingTicker.Stop()
	probeTicker := time.NewTicker(m.probeInterval)
	defer probeTicker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			if err := m.queue.Ping(pingCtx); err != nil {
				m.logger.Error("job broker unreachable", "error", err)
			} else {
				m.logger.Debug("job broker healthy")
			}
			cancel()

		case now := <-probeTicker.C:
			lag := now.Sub(last) - m.probeInterval
			if lag > m.lagThreshold {
				m.logger.Warn("scheduler latency high", "lag", lag.Round(time.Millisecond))
			}
			last = now
		}
	}
}
