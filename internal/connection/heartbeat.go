package connection

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatChecker probes every session each interval. A session that showed
// no activity since the previous probe is closed and passed to onTimeout.
type HeartbeatChecker struct {
	manager   *Manager
	interval  time.Duration
	logger    *slog.Logger
	onTimeout func(conn *Connection)
	onAlive   func(conn *Connection)
}

func NewHeartbeatChecker(manager *Manager, interval time.Duration, logger *slog.Logger, onTimeout func(conn *Connection)) *HeartbeatChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &HeartbeatChecker{
		manager:   manager,
		interval:  interval,
		logger:    logger.With("component", "heartbeat"),
		onTimeout: onTimeout,
	}
}

// OnAlive registers a callback run for each session that passed a check.
func (h *HeartbeatChecker) OnAlive(fn func(conn *Connection)) {
	h.onAlive = fn
}

// Start runs the check loop until ctx is done. Call it in a goroutine.
func (h *HeartbeatChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("Heartbeat checker started", "interval", h.interval)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat checker stopped")
			return
		case <-ticker.C:
			h.Check(time.Now())
		}
	}
}

// Check runs one probe round.
func (h *HeartbeatChecker) Check(now time.Time) {
	conns := h.manager.All()
	timeoutCount := 0

	for _, conn := range conns {
		if conn.Closed() {
			continue
		}

		if !conn.markPinged(now) {
			timeoutCount++
			h.logger.Debug("Connection heartbeat timeout",
				"session_id", conn.ID(),
				"user_id", conn.UserID(),
				"last_heartbeat", conn.LastHeartbeat())

			conn.Close(CloseHeartbeatTimeout, "heartbeat timeout")
			if h.onTimeout != nil {
				h.onTimeout(conn)
			}
			continue
		}

		if err := conn.Transport().Ping(); err != nil {
			h.logger.Debug("Ping failed", "session_id", conn.ID(), "error", err)
		}
		if h.onAlive != nil {
			h.onAlive(conn)
		}
	}

	if timeoutCount > 0 {
		h.logger.Info("Heartbeat check completed",
			"total", len(conns),
			"timeout", timeoutCount)
	}
}
