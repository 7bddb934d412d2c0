package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Bootstrap restores on-disk sessions after a process restart. The legacy
// artifact reconciliation runs first, before any attach, so per-session
// attaches never race directory moves. Attempts are bounded; sessions
// that cannot attach even after one restart are removed as unrecoverable,
// while sessions that attach but miss the readiness window are left on
// the standard retry path (or awaiting pairing).
func (m *Manager) Bootstrap(ctx context.Context) {
	m.opts.Store.MigrateAllLegacy()

	ids, err := m.opts.Store.List()
	if err != nil {
		m.log.WithField("err", err.Error()).Warn("bootstrap could not enumerate sessions")
		return
	}

	for _, sessionID := range ids {
		if ctx.Err() != nil {
			return
		}
		m.bootstrapOne(ctx, sessionID)
	}
	m.log.WithField("sessions", len(ids)).Info("bootstrap sweep complete")
}

func (m *Manager) bootstrapOne(ctx context.Context, sessionID string) {
	log := m.log.WithField("sessionId", sessionID)

	rec, err := m.startClient(ctx, sessionID)
	if err != nil {
		// One more attach before giving up on the profile.
		rec, err = m.startClient(ctx, sessionID)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUnrecoverable, err)
		log.WithField("err", err.Error()).Warn("bootstrap attach failed twice; removing session data")
		if rmErr := m.opts.Store.Remove(sessionID); rmErr != nil {
			log.WithField("err", rmErr.Error()).Warn("could not remove unrecoverable session data")
		}
		return
	}

	ready := m.WaitForReady(sessionID, m.opts.BootstrapReadyTimeout)
	if ready {
		log.Info("bootstrapped session is ready")
		return
	}

	rec.mu.Lock()
	status := rec.status
	rec.mu.Unlock()
	switch status {
	case StatusQRCode, StatusAuthenticated:
		// Pairing or final handshake pending; nothing to retry, a user
		// has to act.
		log.WithField("status", status).Info("bootstrapped session awaiting pairing")
	case StatusFailed:
		// Already on the retry schedule via the disconnect path.
		log.Info("bootstrapped session is on the reconnect schedule")
	default:
		log.WithFields(logrus.Fields{"status": status}).Warn("bootstrapped session not ready in time; scheduling reconnect")
		m.scheduleRetry(sessionID, rec)
	}
}
