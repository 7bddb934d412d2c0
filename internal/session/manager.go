package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wamax/wamax/internal/logging"
	"github.com/wamax/wamax/internal/observability"
	"github.com/wamax/wamax/internal/qr"
	"github.com/wamax/wamax/internal/wapp"
	"github.com/wamax/wamax/internal/webhook"
)

const (
	readyPollInterval = 300 * time.Millisecond
	qrPollInterval    = 250 * time.Millisecond
	teardownTimeout   = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	Factory wapp.Factory
	Store   *MetaStore
	Emitter *webhook.Emitter
	Metrics *observability.Metrics

	CountryCode           string
	ReconnectMaxAttempts  int
	ReconnectBaseDelay    time.Duration
	ReconnectMaxDelay     time.Duration
	BootstrapReadyTimeout time.Duration
}

// Event is one lifecycle or traffic notification, fanned out to in-process
// subscribers and, when configured, to the session's webhook URL.
type Event struct {
	SessionID string         `json:"sessionId"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Manager is the session registry plus the lifecycle controller: the
// single authority for which sessions are attached to a live client.
type Manager struct {
	opts Options
	log  *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*Record
	pending  map[string]struct{}

	subMu sync.Mutex
	subs  map[string]map[chan Event]struct{}
}

func NewManager(opts Options) *Manager {
	if opts.ReconnectMaxAttempts <= 0 {
		opts.ReconnectMaxAttempts = 5
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = 2 * time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 15 * time.Second
	}
	if opts.BootstrapReadyTimeout <= 0 {
		opts.BootstrapReadyTimeout = 2 * time.Minute
	}
	if opts.CountryCode == "" {
		opts.CountryCode = "55"
	}
	return &Manager{
		opts:     opts,
		log:      logging.NewLogger("session"),
		sessions: make(map[string]*Record),
		pending:  make(map[string]struct{}),
		subs:     make(map[string]map[chan Event]struct{}),
	}
}

func (m *Manager) get(sessionID string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *Manager) liveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) setGauge() {
	if m.opts.Metrics != nil {
		m.opts.Metrics.LiveSessions.Set(float64(m.liveCount()))
	}
}

// Create starts a brand new session. It is rejected when a live record or
// an on-disk session directory already exists.
func (m *Manager) Create(ctx context.Context, sessionID string) (Snapshot, error) {
	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return Snapshot{}, ErrConflictMemory
	}
	if _, ok := m.pending[sessionID]; ok {
		m.mu.Unlock()
		return Snapshot{}, ErrConflictMemory
	}
	m.pending[sessionID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, sessionID)
		m.mu.Unlock()
	}()

	if m.opts.Store.Exists(sessionID) {
		return Snapshot{}, ErrConflictDisk
	}
	if err := m.opts.Store.EnsureDir(sessionID); err != nil {
		return Snapshot{}, err
	}
	meta, err := m.opts.Store.Read(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := m.opts.Store.Write(meta); err != nil {
		return Snapshot{}, err
	}

	rec, err := m.startClient(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return rec.snapshot(), nil
}

// startClient attaches a client for sessionID and registers the record.
// Connection events arriving before registration are dropped; the adapter
// re-emits pairing codes and state while unauthenticated.
func (m *Manager) startClient(ctx context.Context, sessionID string) (*Record, error) {
	if rec := m.get(sessionID); rec != nil {
		return rec, nil
	}
	if err := m.opts.Store.EnsureDir(sessionID); err != nil {
		return nil, err
	}
	m.opts.Store.MigrateLegacy(sessionID)

	meta, err := m.opts.Store.Read(sessionID)
	if err != nil {
		return nil, err
	}

	client, err := m.opts.Factory.Attach(ctx, sessionID, m.opts.Store.Dir(sessionID), m.eventsFor(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapter, err)
	}

	rec := newRecord(meta, client)
	m.mu.Lock()
	m.sessions[sessionID] = rec
	m.mu.Unlock()
	m.setGauge()
	m.log.WithField("sessionId", sessionID).Info("client attached")
	return rec, nil
}

// eventsFor builds the adapter event subscriptions for one session. The
// handlers look the record up on every event so a destroyed session stops
// reacting immediately.
func (m *Manager) eventsFor(sessionID string) wapp.Events {
	return wapp.Events{
		OnQR: func(raw string) {
			rec := m.get(sessionID)
			if rec == nil {
				return
			}
			dataURL, err := qr.DataURL(raw)
			if err != nil {
				m.log.WithFields(logrus.Fields{"sessionId": sessionID, "err": err.Error()}).
					Warn("could not render pairing code")
			}
			rec.mu.Lock()
			rec.setStatus(StatusQRCode)
			rec.qrRaw = raw
			rec.qrData = dataURL
			rec.mu.Unlock()
			m.emit(sessionID, "qr", map[string]any{"status": StatusQRCode})
		},
		OnState: func(state wapp.State, reason string) {
			rec := m.get(sessionID)
			if rec == nil {
				return
			}
			switch state {
			case wapp.StateAuthenticated:
				rec.mu.Lock()
				already := rec.status == StatusReady
				if !already {
					rec.setStatus(StatusAuthenticated)
				}
				rec.mu.Unlock()
				if !already {
					m.emit(sessionID, "authenticated", map[string]any{"status": StatusAuthenticated})
				}
			case wapp.StateReady:
				m.markReady(sessionID, rec)
			case wapp.StateAuthFailure:
				rec.mu.Lock()
				rec.setStatus(StatusAuthFailure)
				rec.mu.Unlock()
				m.emit(sessionID, "auth_failure", map[string]any{"status": StatusAuthFailure})
			case wapp.StateDisconnected:
				m.markDisconnected(sessionID, rec, reason)
			}
		},
		OnMessage: func(msg wapp.Message) {
			rec := m.get(sessionID)
			if rec == nil {
				return
			}
			chatID := msg.ChatID
			if chatID == "" {
				chatID = "unknown"
			}
			rec.mu.Lock()
			rec.chats[chatID] = struct{}{}
			rec.cacheMessage(chatID, msg)
			rec.mu.Unlock()
			m.emit(sessionID, "message", map[string]any{
				"id":        msg.ID,
				"from":      msg.From,
				"to":        chatID,
				"timestamp": msg.Timestamp,
				"type":      msg.Type,
				"body":      msg.Body,
				"fromMe":    msg.FromMe,
				"hasMedia":  msg.HasMedia,
				"ack":       msg.Ack,
			})
		},
		OnAck: func(ack wapp.Ack) {
			if m.get(sessionID) == nil {
				return
			}
			m.emit(sessionID, "message_ack", map[string]any{
				"id":  ack.ID,
				"to":  ack.ChatID,
				"ack": ack.Ack,
			})
		},
	}
}

// markReady is idempotent: a READY event while already READY re-emits
// nothing and leaves lastConnectionAt untouched.
func (m *Manager) markReady(sessionID string, rec *Record) {
	rec.mu.Lock()
	wasReady := rec.status == StatusReady
	rec.setStatus(StatusReady)
	rec.qrRaw = ""
	rec.qrData = ""
	rec.retryAttempt = 0
	rec.cancelRetryLocked()
	var meta Meta
	if !wasReady {
		now := time.Now().UTC()
		rec.meta.LastConnectionAt = &now
		meta = *rec.meta
	}
	rec.mu.Unlock()

	if wasReady {
		return
	}
	if err := m.opts.Store.Write(&meta); err != nil {
		m.log.WithFields(logrus.Fields{"sessionId": sessionID, "err": err.Error()}).
			Warn("could not persist meta on ready")
	} else {
		rec.mu.Lock()
		rec.meta.UpdatedAt = meta.UpdatedAt
		rec.mu.Unlock()
	}
	m.log.WithField("sessionId", sessionID).Info("session ready")
	m.emit(sessionID, "ready", map[string]any{"status": StatusReady})
}

// markDisconnected records the transient DISCONNECTED notification, then
// hands the session to the retry scheduler (FAILED).
func (m *Manager) markDisconnected(sessionID string, rec *Record, reason string) {
	rec.mu.Lock()
	if rec.closing {
		rec.mu.Unlock()
		return
	}
	rec.setStatus(StatusDisconnected)
	rec.mu.Unlock()
	m.log.WithFields(logrus.Fields{"sessionId": sessionID, "reason": reason}).
		Warn("connection closed")
	m.emit(sessionID, "disconnected", map[string]any{"status": StatusDisconnected, "reason": reason})
	m.scheduleRetry(sessionID, rec)
}

// backoffDelay is min(base * 2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// scheduleRetry moves the session to FAILED and arms the reconnect timer.
// Scheduling is idempotent; once the attempt cap is hit the session stays
// FAILED until an operator unfails it.
func (m *Manager) scheduleRetry(sessionID string, rec *Record) {
	rec.mu.Lock()
	rec.setStatus(StatusFailed)
	if rec.retryTimer != nil {
		rec.mu.Unlock()
		return
	}
	if rec.retryAttempt >= m.opts.ReconnectMaxAttempts {
		rec.mu.Unlock()
		m.log.WithFields(logrus.Fields{"sessionId": sessionID, "attempts": m.opts.ReconnectMaxAttempts}).
			Warn("reconnect attempts exhausted; session stays FAILED until unfail")
		return
	}
	attempt := rec.retryAttempt
	rec.retryAttempt++
	delay := backoffDelay(m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay, attempt)
	rec.retryTimer = time.AfterFunc(delay, func() { m.retry(sessionID) })
	rec.mu.Unlock()
	m.log.WithFields(logrus.Fields{"sessionId": sessionID, "attempt": attempt + 1, "delay": delay.String()}).
		Info("reconnect scheduled")
}

// retry replaces the stale client handle with a freshly attached one. The
// old handle is closed, never reused.
func (m *Manager) retry(sessionID string) {
	rec := m.get(sessionID)
	if rec == nil {
		return
	}
	rec.opMu.Lock()
	defer rec.opMu.Unlock()
	// A destroy or restart may have won the op mutex after this record was
	// looked up; a retry must never resurrect a removed session.
	if m.get(sessionID) != rec {
		return
	}

	rec.mu.Lock()
	if rec.status != StatusFailed {
		rec.mu.Unlock()
		return
	}
	rec.retryTimer = nil
	rec.closing = true
	old := rec.client
	rec.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.ReconnectRetries.Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	if old != nil {
		_ = old.Close(ctx)
	}
	cancel()

	client, err := m.opts.Factory.Attach(context.Background(), sessionID, m.opts.Store.Dir(sessionID), m.eventsFor(sessionID))
	rec.mu.Lock()
	rec.closing = false
	if err != nil {
		rec.mu.Unlock()
		m.log.WithFields(logrus.Fields{"sessionId": sessionID, "err": err.Error()}).
			Warn("reconnect attach failed")
		m.scheduleRetry(sessionID, rec)
		return
	}
	rec.client = client
	rec.setStatus(StatusInitializing)
	rec.mu.Unlock()
	m.log.WithField("sessionId", sessionID).Info("reconnect attach succeeded")
}

// closeClient tears a handle down best-effort: teardown failures are
// swallowed so destroy and restart always complete.
func (m *Manager) closeClient(rec *Record, logout bool) {
	rec.mu.Lock()
	rec.closing = true
	rec.cancelRetryLocked()
	client := rec.client
	rec.mu.Unlock()

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if logout {
			_ = client.Logout(ctx)
		}
		_ = client.Close(ctx)
	}

	rec.mu.Lock()
	rec.closing = false
	rec.mu.Unlock()
}

func (m *Manager) removeRecord(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.setGauge()
}

// Destroy tears the session down and removes the live record; with
// deleteData it also erases the on-disk artifacts.
func (m *Manager) Destroy(ctx context.Context, sessionID string, deleteData bool) error {
	rec := m.get(sessionID)
	if rec == nil {
		return ErrNotFound
	}
	rec.opMu.Lock()
	defer rec.opMu.Unlock()

	m.closeClient(rec, true)
	m.removeRecord(sessionID)
	m.dropSubscribers(sessionID)

	if deleteData {
		if err := m.opts.Store.Remove(sessionID); err != nil {
			return err
		}
	}
	m.log.WithFields(logrus.Fields{"sessionId": sessionID, "deletedData": deleteData}).
		Info("session destroyed")
	return nil
}

// Restart re-runs the attach sequence with credentials preserved.
func (m *Manager) Restart(ctx context.Context, sessionID string) (Snapshot, error) {
	rec := m.get(sessionID)
	if rec == nil {
		return Snapshot{}, ErrNotFound
	}
	rec.opMu.Lock()
	m.closeClient(rec, false)
	m.removeRecord(sessionID)
	rec.opMu.Unlock()

	next, err := m.startClient(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return next.snapshot(), nil
}

// ResetAuth wipes credential artifacts and re-attaches, always forcing a
// fresh pairing. It works with or without a live record.
func (m *Manager) ResetAuth(ctx context.Context, sessionID string) (Snapshot, error) {
	if rec := m.get(sessionID); rec != nil {
		rec.opMu.Lock()
		m.closeClient(rec, true)
		m.removeRecord(sessionID)
		rec.opMu.Unlock()
	}
	if err := m.opts.Store.Reset(sessionID); err != nil {
		return Snapshot{}, err
	}
	meta, err := m.opts.Store.Read(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := m.opts.Store.Write(meta); err != nil {
		return Snapshot{}, err
	}
	rec, err := m.startClient(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return rec.snapshot(), nil
}

// Unfail restarts a session stuck in FAILED, DISCONNECTED or AUTH_FAILURE;
// for any other status it is a no-op reporting the current status.
func (m *Manager) Unfail(ctx context.Context, sessionID string) (Snapshot, error) {
	rec := m.get(sessionID)
	if rec == nil {
		return Snapshot{}, ErrNotFound
	}
	rec.mu.Lock()
	st := rec.status
	rec.mu.Unlock()
	switch st {
	case StatusFailed, StatusDisconnected, StatusAuthFailure:
		return m.Restart(ctx, sessionID)
	default:
		return rec.snapshot(), nil
	}
}

// List returns a stable-ordered snapshot of all live sessions.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	recs := make([]*Record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// GetStatus returns the live snapshot for one session.
func (m *Manager) GetStatus(sessionID string) (Snapshot, error) {
	rec := m.get(sessionID)
	if rec == nil {
		return Snapshot{}, ErrNotFound
	}
	return rec.snapshot(), nil
}

// SetWebhook sets or clears the session's webhook URL and persists it.
func (m *Manager) SetWebhook(sessionID, url string) error {
	rec := m.get(sessionID)
	if rec == nil {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.meta.WebhookURL = url
	meta := *rec.meta
	rec.mu.Unlock()
	if err := m.opts.Store.Write(&meta); err != nil {
		return err
	}
	rec.mu.Lock()
	rec.meta.UpdatedAt = meta.UpdatedAt
	rec.mu.Unlock()
	return nil
}

// GetQRDataURL returns the renderable pairing code, or the reason it is
// not available.
func (m *Manager) GetQRDataURL(sessionID string) (string, error) {
	rec := m.get(sessionID)
	if rec == nil {
		return "", ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status == StatusReady || rec.status == StatusAuthenticated {
		return "", ErrAlreadyAuthenticated
	}
	if rec.qrData == "" && rec.qrRaw == "" {
		return "", ErrQRNotReady
	}
	if rec.qrData != "" {
		return rec.qrData, nil
	}
	return qr.DataURL(rec.qrRaw)
}

// GetQRPNG renders the pairing code as PNG bytes at the given width.
func (m *Manager) GetQRPNG(sessionID string, width int) ([]byte, error) {
	rec := m.get(sessionID)
	if rec == nil {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	raw, dataURL, status := rec.qrRaw, rec.qrData, rec.status
	rec.mu.Unlock()
	if status == StatusReady || status == StatusAuthenticated {
		return nil, ErrAlreadyAuthenticated
	}
	if raw != "" {
		return qr.PNG(raw, width)
	}
	if dataURL != "" {
		return qr.PNGFromDataURL(dataURL)
	}
	return nil, ErrQRNotReady
}

// WaitForQRDataURL blocks until a pairing code is available, the session
// authenticates, the record disappears, or the timeout expires.
func (m *Manager) WaitForQRDataURL(sessionID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		dataURL, err := m.GetQRDataURL(sessionID)
		switch {
		case err == nil:
			return dataURL, nil
		case errors.Is(err, ErrQRNotReady):
			if time.Now().After(deadline) {
				return "", ErrQRTimeout
			}
			time.Sleep(qrPollInterval)
		default:
			return "", err
		}
	}
}

// WaitForQRPNG is WaitForQRDataURL rendered as PNG bytes.
func (m *Manager) WaitForQRPNG(sessionID string, width int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		png, err := m.GetQRPNG(sessionID, width)
		switch {
		case err == nil:
			return png, nil
		case errors.Is(err, ErrQRNotReady):
			if time.Now().After(deadline) {
				return nil, ErrQRTimeout
			}
			time.Sleep(qrPollInterval)
		default:
			return nil, err
		}
	}
}

// WaitForReady blocks until the session reaches READY or the timeout
// expires. A removed record counts as not ready.
func (m *Manager) WaitForReady(sessionID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		rec := m.get(sessionID)
		if rec == nil {
			return false
		}
		rec.mu.Lock()
		ready := rec.status == StatusReady
		rec.mu.Unlock()
		if ready {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(readyPollInterval)
	}
}

// Subscribe registers an in-process listener for a session's events. Slow
// listeners drop events rather than blocking the event path.
func (m *Manager) Subscribe(sessionID string) (<-chan Event, func(), error) {
	if m.get(sessionID) == nil {
		return nil, nil, ErrNotFound
	}
	ch := make(chan Event, 16)
	m.subMu.Lock()
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[chan Event]struct{})
	}
	m.subs[sessionID][ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if set, ok := m.subs[sessionID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(m.subs, sessionID)
			}
		}
		m.subMu.Unlock()
	}
	return ch, cancel, nil
}

func (m *Manager) dropSubscribers(sessionID string) {
	m.subMu.Lock()
	for ch := range m.subs[sessionID] {
		close(ch)
	}
	delete(m.subs, sessionID)
	m.subMu.Unlock()
}

// emit fans one event out to in-process subscribers and, when the session
// has a webhook URL, to the webhook emitter. Webhook delivery runs on its
// own goroutine and never blocks event processing.
func (m *Manager) emit(sessionID, event string, payload map[string]any) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["sessionId"] = sessionID

	ev := Event{SessionID: sessionID, Event: event, Payload: body}
	m.subMu.Lock()
	for ch := range m.subs[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
	m.subMu.Unlock()

	rec := m.get(sessionID)
	if rec == nil || m.opts.Emitter == nil {
		return
	}
	rec.mu.Lock()
	url := rec.meta.WebhookURL
	rec.mu.Unlock()
	if url == "" {
		return
	}
	go func() {
		err := m.opts.Emitter.Emit(context.Background(), url, event, body)
		if m.opts.Metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "failed"
			}
			m.opts.Metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
		}
	}()
}

// Shutdown cancels pending retries and closes every attached client.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	recs := make(map[string]*Record, len(m.sessions))
	for id, rec := range m.sessions {
		recs[id] = rec
	}
	m.sessions = make(map[string]*Record)
	m.mu.Unlock()
	m.setGauge()

	for id, rec := range recs {
		rec.mu.Lock()
		rec.closing = true
		rec.cancelRetryLocked()
		client := rec.client
		rec.mu.Unlock()
		if client != nil {
			_ = client.Close(ctx)
		}
		m.dropSubscribers(id)
	}
}
