// Package reaper sweeps the session registry for idle devices. The TCP
// read deadline already drops silent connections on a healthy gateway;
// the reaper is the backstop that also clears registry entries whose
// gateway died without cleaning up.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/dantte-lp/gogt06/internal/bus"
	"github.com/dantte-lp/gogt06/internal/config"
	"github.com/dantte-lp/gogt06/internal/handler"
	gwmetrics "github.com/dantte-lp/gogt06/internal/metrics"
	"github.com/dantte-lp/gogt06/internal/session"
	"github.com/dantte-lp/gogt06/pkg/trackpb"
)

// Closer closes a live device channel. Implemented by the connection
// handler.
type Closer interface {
	CloseChannel(channelID, reason string) bool
}

// Reaper periodically finds sessions past their idle deadline, closes
// their connections, and prunes orphaned registry entries.
type Reaper struct {
	registry  *session.Registry
	closer    Closer
	publisher *bus.Publisher
	metrics   *gwmetrics.Collector
	logger    *slog.Logger

	interval      time.Duration
	idleTimeout   time.Duration
	unauthTimeout time.Duration
}

// New creates a Reaper. Run must be called to start sweeping.
func New(reg *session.Registry, closer Closer, pub *bus.Publisher, m *gwmetrics.Collector, cfg *config.Config, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry:      reg,
		closer:        closer,
		publisher:     pub,
		metrics:       m,
		logger:        logger.With(slog.String("component", "reaper")),
		interval:      cfg.Reaper.Interval(),
		idleTimeout:   cfg.Session.IdleTimeout(),
		unauthTimeout: cfg.Session.UnauthTimeout(),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("idle_timeout", r.idleTimeout),
		slog.Duration("unauth_timeout", r.unauthTimeout))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case now := <-ticker.C:
			r.Sweep(ctx, now)
		}
	}
}

// Sweep runs one pass over the registry. Exported so tests can drive it
// without the ticker.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) {
	idle, err := r.registry.FindIdle(ctx, now, r.idleTimeout, r.unauthTimeout)
	if err != nil {
		r.logger.Error("find idle sessions", slog.Any("error", err))
		return
	}
	if len(idle) == 0 {
		return
	}

	var closed, orphaned int
	for _, s := range idle {
		if r.closer.CloseChannel(s.ChannelID, handler.ReasonReaped) {
			// The connection's own teardown deletes the session and
			// publishes the lifecycle record.
			closed++
			r.metrics.IncReaped()
			continue
		}
		r.reapOrphan(ctx, s, now)
		orphaned++
	}

	r.logger.Info("idle sweep complete",
		slog.Int("closed", closed),
		slog.Int("orphaned", orphaned))
}

// reapOrphan clears a registry entry with no live connection on this
// gateway, left behind by a crash or an unclean shutdown.
func (r *Reaper) reapOrphan(ctx context.Context, s session.IdleSession, now time.Time) {
	if err := r.registry.Delete(ctx, s.ID); err != nil {
		r.logger.Warn("delete orphaned session",
			slog.String("session_id", s.ID), slog.Any("error", err))
		return
	}
	r.metrics.IncReaped()

	r.publisher.SessionEvent(&trackpb.SessionEvent{
		Imei:      s.IMEI.String(),
		SessionId: s.ID,
		Event:     trackpb.SessionReaped,
		AtUnix:    now.Unix(),
		Reason:    handler.ReasonReaped,
	})

	r.logger.Info("reaped orphaned session",
		slog.String("session_id", s.ID),
		slog.String("imei", s.IMEI.String()))
}
