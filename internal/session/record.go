package session

import (
	"sync"
	"time"

	"github.com/wamax/wamax/internal/wapp"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing  Status = "INITIALIZING"
	StatusQRCode        Status = "QRCODE"
	StatusAuthenticated Status = "AUTHENTICATED"
	StatusReady         Status = "READY"
	StatusDisconnected  Status = "DISCONNECTED"
	StatusAuthFailure   Status = "AUTH_FAILURE"
	StatusFailed        Status = "FAILED"
)

// maxCachedMessages bounds the per-chat recent-message ring.
const maxCachedMessages = 500

// Record is the in-memory state of one live session. A Record exists in
// the registry iff a client handle is attached; the record exclusively
// owns that handle.
type Record struct {
	// opMu serializes lifecycle-transition operations (create, destroy,
	// restart, reset, retry firing) for this session. Lock it before mu.
	opMu sync.Mutex

	mu           sync.Mutex
	status       Status
	qrRaw        string
	qrData       string
	meta         *Meta
	client       wapp.Client
	closing      bool
	retryAttempt int
	retryTimer   *time.Timer
	messages     map[string][]wapp.Message
	chats        map[string]struct{}
}

func newRecord(meta *Meta, client wapp.Client) *Record {
	return &Record{
		status:   StatusInitializing,
		meta:     meta,
		client:   client,
		messages: make(map[string][]wapp.Message),
		chats:    make(map[string]struct{}),
	}
}

// setStatus transitions the record, clearing pairing data on any move
// away from QRCODE. Caller holds mu.
func (r *Record) setStatus(next Status) {
	if r.status == StatusQRCode && next != StatusQRCode {
		r.qrRaw = ""
		r.qrData = ""
	}
	r.status = next
}

// cancelRetryLocked stops a pending retry timer. Caller holds mu.
func (r *Record) cancelRetryLocked() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

// cacheMessage appends to the chat's ring, evicting the oldest entry once
// the ring is full. Caller holds mu.
func (r *Record) cacheMessage(chatID string, msg wapp.Message) {
	list := r.messages[chatID]
	if len(list) >= maxCachedMessages {
		copy(list, list[1:])
		list = list[:len(list)-1]
	}
	r.messages[chatID] = append(list, msg)
}

// Snapshot is a read-only view of a record's externally visible state.
type Snapshot struct {
	SessionID        string     `json:"sessionId"`
	Status           Status     `json:"status"`
	WebhookURL       string     `json:"webhookUrl,omitempty"`
	LastConnectionAt *time.Time `json:"lastConnectionAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func (r *Record) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		SessionID:        r.meta.SessionID,
		Status:           r.status,
		WebhookURL:       r.meta.WebhookURL,
		LastConnectionAt: r.meta.LastConnectionAt,
		UpdatedAt:        r.meta.UpdatedAt,
	}
}
