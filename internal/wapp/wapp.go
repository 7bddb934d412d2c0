// Package wapp defines the boundary to the underlying messaging client:
// a command interface for one attached account plus the event callbacks a
// session registers at attach time. The real protocol client lives behind
// this boundary; the package ships a deterministic mock used for tests and
// for running the service without a paired device.
package wapp

import (
	"context"
	"fmt"
	"strings"

	"github.com/wamax/wamax/internal/media"
)

// State is a connection state reported by the underlying client.
type State string

const (
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateAuthFailure   State = "auth_failure"
	StateDisconnected  State = "disconnected"
)

// Message is a normalized inbound (or echoed outbound) message.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Type      string `json:"type"`
	Body      string `json:"body"`
	FromMe    bool   `json:"fromMe"`
	HasMedia  bool   `json:"hasMedia"`
	Ack       int    `json:"ack"`
}

// Ack is a delivery acknowledgment for a previously sent message.
type Ack struct {
	ID     string `json:"id"`
	ChatID string `json:"to"`
	Ack    int    `json:"ack"`
}

// SentMessage is the adapter's receipt for an outbound send.
type SentMessage struct {
	ID        string
	Timestamp int64 // unix milliseconds
}

// Button is one interactive button. Exactly one of ID (reply style) or
// URL/PhoneNumber/Code (action style) should be set besides Text.
type Button struct {
	ID          string `json:"id,omitempty"`
	Text        string `json:"text"`
	URL         string `json:"url,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Code        string `json:"code,omitempty"`
}

// TextOptions carries the interactive extras of a text send.
type TextOptions struct {
	Buttons        []Button
	Title          string
	Footer         string
	UseInteractive bool
}

// ListRow is one selectable row of a list message.
type ListRow struct {
	RowID       string `json:"rowId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups list rows under a section title.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// ListMessage is an interactive list send.
type ListMessage struct {
	ButtonText  string
	Description string
	Title       string
	Footer      string
	Sections    []ListSection
}

// NumberStatus reports whether a chat id routes to a reachable account.
type NumberStatus struct {
	Exists     bool
	CanReceive bool
}

// Events are the callbacks one session registers when attaching. The
// client invokes them in emission order; handlers must not assume any
// cross-session ordering.
type Events struct {
	OnQR      func(raw string)
	OnState   func(state State, reason string)
	OnMessage func(msg Message)
	OnAck     func(ack Ack)
}

// Client is one attached, independently authenticated messaging account.
// A Client is exclusively owned by the session record holding it.
type Client interface {
	SendText(ctx context.Context, chatID, body string, opts *TextOptions) (*SentMessage, error)
	SendImage(ctx context.Context, chatID string, m media.Built, caption string) (*SentMessage, error)
	SendAudio(ctx context.Context, chatID string, m media.Built) (*SentMessage, error)
	SendDocument(ctx context.Context, chatID string, m media.Built, caption string) (*SentMessage, error)
	SendList(ctx context.Context, chatID string, list ListMessage) (*SentMessage, error)
	ListChats(ctx context.Context) ([]string, error)
	CheckNumber(ctx context.Context, chatID string) (*NumberStatus, error)
	Logout(ctx context.Context) error
	Close(ctx context.Context) error
}

// Factory attaches a fresh client for a session. Attach may suspend for
// tens of seconds while the underlying client starts; credential and
// profile artifacts live under dataDir.
type Factory interface {
	Attach(ctx context.Context, sessionID, dataDir string, events Events) (Client, error)
}

// Config controls factory construction.
type Config struct {
	Mode     string
	Headless bool
}

// NewFactory selects the client implementation by mode. The real protocol
// client is an external integration point, so auto currently resolves to
// the mock.
func NewFactory(cfg Config) (Factory, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto", "mock":
		f := NewMockFactory()
		f.AutoPair = true
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported adapter mode %q", cfg.Mode)
	}
}
