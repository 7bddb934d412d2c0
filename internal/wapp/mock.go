package wapp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wamax/wamax/internal/media"
)

// MockFactory attaches MockClients. Tests script attach failures and drive
// connection events by hand; with AutoPair set the mock emits a pairing
// code and goes ready on its own, which is what mock adapter mode uses.
type MockFactory struct {
	mu sync.Mutex

	AutoPair    bool
	AttachErr   error
	AttachDelay time.Duration

	clients map[string][]*MockClient
}

func NewMockFactory() *MockFactory {
	return &MockFactory{clients: make(map[string][]*MockClient)}
}

func (f *MockFactory) Attach(ctx context.Context, sessionID, dataDir string, events Events) (Client, error) {
	f.mu.Lock()
	attachErr := f.AttachErr
	delay := f.AttachDelay
	autoPair := f.AutoPair
	f.mu.Unlock()

	if attachErr != nil {
		return nil, attachErr
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	c := &MockClient{
		SessionID: sessionID,
		DataDir:   dataDir,
		events:    events,
	}

	f.mu.Lock()
	f.clients[sessionID] = append(f.clients[sessionID], c)
	f.mu.Unlock()

	if autoPair {
		go func() {
			time.Sleep(50 * time.Millisecond)
			c.EmitQR("wamax-mock:" + sessionID)
			time.Sleep(150 * time.Millisecond)
			c.EmitState(StateReady, "mock pairing complete")
		}()
	}
	return c, nil
}

// SetAttachErr makes subsequent Attach calls fail with err (nil clears).
func (f *MockFactory) SetAttachErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AttachErr = err
}

// Client returns the most recently attached client for a session.
func (f *MockFactory) Client(sessionID string) *MockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.clients[sessionID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// AttachCount reports how many times a session attached a client.
func (f *MockFactory) AttachCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[sessionID])
}

// SentCall records one outbound send issued against a MockClient.
type SentCall struct {
	Kind    string
	ChatID  string
	Body    string
	Caption string
	Media   media.Built
	Options *TextOptions
	List    ListMessage
}

// MockClient is a scriptable in-memory Client.
type MockClient struct {
	SessionID string
	DataDir   string

	mu             sync.Mutex
	events         Events
	sends          []SentCall
	chats          []string
	unknown        map[string]bool
	sendErr        error
	interactiveErr error
	logoutErr      error
	closeErr       error
	loggedOut      bool
	closed         bool
}

func (c *MockClient) EmitQR(raw string) {
	c.mu.Lock()
	h := c.events.OnQR
	c.mu.Unlock()
	if h != nil {
		h(raw)
	}
}

func (c *MockClient) EmitState(state State, reason string) {
	c.mu.Lock()
	h := c.events.OnState
	c.mu.Unlock()
	if h != nil {
		h(state, reason)
	}
}

func (c *MockClient) EmitMessage(msg Message) {
	c.mu.Lock()
	h := c.events.OnMessage
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (c *MockClient) EmitAck(ack Ack) {
	c.mu.Lock()
	h := c.events.OnAck
	c.mu.Unlock()
	if h != nil {
		h(ack)
	}
}

// SetChats scripts the ListChats result.
func (c *MockClient) SetChats(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = append([]string(nil), ids...)
}

// SetUnknownNumber scripts CheckNumber to report chatID as unreachable.
func (c *MockClient) SetUnknownNumber(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unknown == nil {
		c.unknown = make(map[string]bool)
	}
	c.unknown[chatID] = true
}

// SetSendErr makes all send calls fail with err (nil clears).
func (c *MockClient) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SetInteractiveErr makes button-carrying text sends fail with err,
// leaving plain sends alone (nil clears).
func (c *MockClient) SetInteractiveErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interactiveErr = err
}

// SetTeardownErrs scripts Logout and Close failures.
func (c *MockClient) SetTeardownErrs(logoutErr, closeErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutErr = logoutErr
	c.closeErr = closeErr
}

// Sends returns a copy of the recorded outbound calls.
func (c *MockClient) Sends() []SentCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentCall(nil), c.sends...)
}

func (c *MockClient) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *MockClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) record(call SentCall) (*SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.sends = append(c.sends, call)
	return &SentMessage{ID: uuid.NewString(), Timestamp: time.Now().UnixMilli()}, nil
}

func (c *MockClient) SendText(_ context.Context, chatID, body string, opts *TextOptions) (*SentMessage, error) {
	if opts != nil && len(opts.Buttons) > 0 {
		c.mu.Lock()
		err := c.interactiveErr
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return c.record(SentCall{Kind: "text", ChatID: chatID, Body: body, Options: opts})
}

func (c *MockClient) SendImage(_ context.Context, chatID string, m media.Built, caption string) (*SentMessage, error) {
	return c.record(SentCall{Kind: "image", ChatID: chatID, Media: m, Caption: caption})
}

func (c *MockClient) SendAudio(_ context.Context, chatID string, m media.Built) (*SentMessage, error) {
	return c.record(SentCall{Kind: "audio", ChatID: chatID, Media: m})
}

func (c *MockClient) SendDocument(_ context.Context, chatID string, m media.Built, caption string) (*SentMessage, error) {
	return c.record(SentCall{Kind: "document", ChatID: chatID, Media: m, Caption: caption})
}

func (c *MockClient) SendList(_ context.Context, chatID string, list ListMessage) (*SentMessage, error) {
	return c.record(SentCall{Kind: "list", ChatID: chatID, List: list})
}

func (c *MockClient) ListChats(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chats...), nil
}

func (c *MockClient) CheckNumber(_ context.Context, chatID string) (*NumberStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unknown[chatID] {
		return &NumberStatus{Exists: false, CanReceive: false}, nil
	}
	return &NumberStatus{Exists: true, CanReceive: true}, nil
}

func (c *MockClient) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logoutErr != nil {
		return c.logoutErr
	}
	c.loggedOut = true
	return nil
}

func (c *MockClient) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	c.closed = true
	return nil
}
