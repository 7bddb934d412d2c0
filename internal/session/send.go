package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wamax/wamax/internal/media"
	"github.com/wamax/wamax/internal/wapp"
)

// SendPayload is the generic send request of the messages API.
type SendPayload struct {
	SessionID string       `json:"sessionId"`
	ChatID    string       `json:"chatId,omitempty"`
	To        string       `json:"to,omitempty"`
	Type      string       `json:"type,omitempty"`
	Body      string       `json:"body,omitempty"`
	Media     *media.Input `json:"media,omitempty"`
	Caption   string       `json:"caption,omitempty"`

	Buttons               []wapp.Button `json:"buttons,omitempty"`
	Title                 string        `json:"title,omitempty"`
	Footer                string        `json:"footer,omitempty"`
	UseInteractiveMessage *bool         `json:"useInteractiveMessage,omitempty"`
	CopyCode              string        `json:"copyCode,omitempty"`
	CopyButtonText        string        `json:"copyButtonText,omitempty"`
	FallbackToText        *bool         `json:"fallbackToText,omitempty"`

	ButtonText  string             `json:"buttonText,omitempty"`
	Description string             `json:"description,omitempty"`
	Sections    []wapp.ListSection `json:"sections,omitempty"`
}

// SendResult is the receipt returned for any outbound send.
type SendResult struct {
	ID             string `json:"id"`
	To             string `json:"to"`
	ChatID         string `json:"chatId"`
	Timestamp      int64  `json:"timestamp"`
	Type           string `json:"type"`
	Body           string `json:"body,omitempty"`
	CopyCode       string `json:"copyCode,omitempty"`
	FallbackUsed   bool   `json:"fallbackUsed,omitempty"`
	FallbackReason string `json:"fallbackReason,omitempty"`
}

const chatSuffix = "@c.us"

// normalizeJID turns an explicit chat id or a raw phone number into the
// adapter's routable address. Digits already carrying the default country
// code are not prefixed twice.
func (m *Manager) normalizeJID(to string) string {
	raw := strings.TrimSpace(to)
	if strings.HasSuffix(raw, "@c.us") || strings.HasSuffix(raw, "@g.us") {
		return raw
	}
	digits := keepDigits(raw)
	if !strings.HasPrefix(digits, m.opts.CountryCode) {
		digits = m.opts.CountryCode + digits
	}
	return digits + chatSuffix
}

func keepDigits(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// resolveTarget prefers an explicit chat id over a raw phone number.
func (m *Manager) resolveTarget(chatID, to string) (string, error) {
	if strings.TrimSpace(chatID) != "" {
		return m.normalizeJID(chatID), nil
	}
	if strings.TrimSpace(to) != "" {
		return m.normalizeJID(to), nil
	}
	return "", fmt.Errorf("%w: chatId or to is required", ErrValidation)
}

// readyClient returns the session's client when it is READY.
func (m *Manager) readyClient(sessionID string) (*Record, wapp.Client, error) {
	rec := m.get(sessionID)
	if rec == nil {
		return nil, nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != StatusReady {
		return nil, nil, fmt.Errorf("%w (status=%s)", ErrNotReady, rec.status)
	}
	return rec, rec.client, nil
}

// normalizeButtons merges the copy-code convenience pair into the button
// array and drops entries without text.
func normalizeButtons(p SendPayload) []wapp.Button {
	buttons := append([]wapp.Button(nil), p.Buttons...)
	if code := strings.TrimSpace(p.CopyCode); code != "" {
		text := strings.TrimSpace(p.CopyButtonText)
		if text == "" {
			text = "Copiar codigo"
		}
		buttons = append(buttons, wapp.Button{Code: code, Text: text})
	}
	out := buttons[:0]
	for _, b := range buttons {
		if strings.TrimSpace(b.Text) != "" {
			out = append(out, b)
		}
	}
	return out
}

// validateButtons enforces 1..3 options and forbids mixing reply-style
// (id) with action-style (url/phoneNumber/code) buttons in one message.
func validateButtons(buttons []wapp.Button) error {
	if len(buttons) < 1 || len(buttons) > 3 {
		return fmt.Errorf("%w: buttons must have between 1 and 3 options", ErrValidation)
	}
	var hasReply, hasAction bool
	for _, b := range buttons {
		if b.ID != "" {
			hasReply = true
		}
		if b.URL != "" || b.PhoneNumber != "" || b.Code != "" {
			hasAction = true
		}
	}
	if hasReply && hasAction {
		return fmt.Errorf("%w: do not mix reply buttons (id) with action buttons (url/phoneNumber/code)", ErrValidation)
	}
	return nil
}

// Send maps the generic payload onto the matching adapter call.
func (m *Manager) Send(ctx context.Context, sessionID string, p SendPayload) (SendResult, error) {
	kind := strings.ToLower(strings.TrimSpace(p.Type))
	switch kind {
	case "list":
		return m.sendList(ctx, sessionID, p)
	case "copycode":
		return m.SendCopyCode(ctx, sessionID, p)
	}

	_, client, err := m.readyClient(sessionID)
	if err != nil {
		return SendResult{}, err
	}
	target, err := m.resolveTarget(p.ChatID, p.To)
	if err != nil {
		return SendResult{}, err
	}

	if kind == "" {
		if p.Media != nil {
			kind = "media"
		} else {
			kind = "text"
		}
	}

	if kind == "text" || kind == "buttons" {
		buttons := normalizeButtons(p)
		if kind == "buttons" {
			if strings.TrimSpace(p.Body) == "" {
				return SendResult{}, fmt.Errorf("%w: body is required", ErrValidation)
			}
			if len(buttons) == 0 {
				return SendResult{}, fmt.Errorf("%w: buttons is required", ErrValidation)
			}
		}
		if len(buttons) > 0 {
			if err := validateButtons(buttons); err != nil {
				return SendResult{}, err
			}
		}
		var opts *wapp.TextOptions
		if len(buttons) > 0 || p.Title != "" || p.Footer != "" || p.UseInteractiveMessage != nil {
			interactive := true
			if p.UseInteractiveMessage != nil {
				interactive = *p.UseInteractiveMessage
			}
			opts = &wapp.TextOptions{
				Buttons:        buttons,
				Title:          p.Title,
				Footer:         p.Footer,
				UseInteractive: interactive,
			}
		}
		sent, err := client.SendText(ctx, target, p.Body, opts)
		if err != nil {
			return SendResult{}, fmt.Errorf("%w: %v", ErrAdapter, err)
		}
		m.countSend("text")
		return sendResult(sent, target, "text", p.Body), nil
	}

	return m.sendMedia(ctx, client, target, kind, p)
}

func (m *Manager) sendMedia(ctx context.Context, client wapp.Client, target, kind string, p SendPayload) (SendResult, error) {
	if p.Media == nil {
		return SendResult{}, fmt.Errorf("%w: media is required", ErrValidation)
	}
	built, err := media.Build(ctx, *p.Media)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	caption := p.Caption
	if caption == "" {
		caption = p.Body
	}

	var sent *wapp.SentMessage
	var sentKind string
	switch {
	case kind == "image" || strings.HasPrefix(built.Mimetype, "image/"):
		sent, err = client.SendImage(ctx, target, built, caption)
		sentKind = "image"
	case kind == "audio" || strings.HasPrefix(built.Mimetype, "audio/"):
		sent, err = client.SendAudio(ctx, target, built)
		sentKind = "audio"
	default:
		sent, err = client.SendDocument(ctx, target, built, caption)
		sentKind = "document"
	}
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	m.countSend(sentKind)
	resultType := p.Type
	if resultType == "" {
		resultType = sentKind
	}
	return sendResult(sent, target, resultType, p.Body), nil
}

// SendCopyCode sends a single copy-code action button, falling back to a
// plain text message carrying the code when interactive sending fails.
func (m *Manager) SendCopyCode(ctx context.Context, sessionID string, p SendPayload) (SendResult, error) {
	code := strings.TrimSpace(p.CopyCode)
	if code == "" {
		return SendResult{}, fmt.Errorf("%w: copyCode is required", ErrValidation)
	}
	body := strings.TrimSpace(p.Body)
	if body == "" {
		body = "Use este codigo: " + code
	}
	buttonText := strings.TrimSpace(p.CopyButtonText)
	if buttonText == "" {
		buttonText = "Copiar codigo"
	}

	res, err := m.Send(ctx, sessionID, SendPayload{
		ChatID:                p.ChatID,
		To:                    p.To,
		Type:                  "buttons",
		Body:                  body,
		Title:                 p.Title,
		Footer:                p.Footer,
		UseInteractiveMessage: p.UseInteractiveMessage,
		Buttons:               []wapp.Button{{Code: code, Text: buttonText}},
	})
	if err == nil {
		res.CopyCode = code
		return res, nil
	}
	if p.FallbackToText != nil && !*p.FallbackToText {
		return SendResult{}, err
	}

	fallback, ferr := m.Send(ctx, sessionID, SendPayload{
		ChatID: p.ChatID,
		To:     p.To,
		Type:   "text",
		Body:   body + "\n\nCodigo: " + code,
	})
	if ferr != nil {
		return SendResult{}, ferr
	}
	fallback.CopyCode = code
	fallback.FallbackUsed = true
	fallback.FallbackReason = err.Error()
	return fallback, nil
}

func (m *Manager) sendList(ctx context.Context, sessionID string, p SendPayload) (SendResult, error) {
	_, client, err := m.readyClient(sessionID)
	if err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(p.ButtonText) == "" || strings.TrimSpace(p.Description) == "" {
		return SendResult{}, fmt.Errorf("%w: buttonText and description are required", ErrValidation)
	}
	if len(p.Sections) < 1 {
		return SendResult{}, fmt.Errorf("%w: sections is required", ErrValidation)
	}
	for _, sec := range p.Sections {
		if strings.TrimSpace(sec.Title) == "" || len(sec.Rows) < 1 {
			return SendResult{}, fmt.Errorf("%w: each section must have title and at least one row", ErrValidation)
		}
		for _, row := range sec.Rows {
			if strings.TrimSpace(row.RowID) == "" || strings.TrimSpace(row.Title) == "" {
				return SendResult{}, fmt.Errorf("%w: each row must have rowId and title", ErrValidation)
			}
		}
	}
	target, err := m.resolveTarget(p.ChatID, p.To)
	if err != nil {
		return SendResult{}, err
	}
	sent, err := client.SendList(ctx, target, wapp.ListMessage{
		ButtonText:  p.ButtonText,
		Description: p.Description,
		Title:       p.Title,
		Footer:      p.Footer,
		Sections:    p.Sections,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	m.countSend("list")
	return sendResult(sent, target, "list", p.Description), nil
}

func (m *Manager) countSend(kind string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.OutboundSends.WithLabelValues(kind).Inc()
	}
}

func sendResult(sent *wapp.SentMessage, target, kind, body string) SendResult {
	res := SendResult{To: target, ChatID: target, Type: kind, Body: body}
	if sent != nil {
		res.ID = sent.ID
		res.Timestamp = sent.Timestamp
	}
	if res.Timestamp == 0 {
		res.Timestamp = time.Now().UnixMilli()
	}
	return res
}

// ChatPage is one page of known chat ids.
type ChatPage struct {
	SessionID string   `json:"sessionId"`
	Page      int      `json:"page"`
	Limit     int      `json:"limit"`
	Total     int      `json:"total"`
	Pages     int      `json:"pages"`
	IDs       []string `json:"ids"`
}

// ListChats pages through the adapter's chat listing, falling back to the
// chats observed from traffic when the adapter reports none.
func (m *Manager) ListChats(ctx context.Context, sessionID string, page, limit int) (ChatPage, error) {
	rec, client, err := m.readyClient(sessionID)
	if err != nil {
		return ChatPage{}, err
	}
	ids, err := client.ListChats(ctx)
	if err != nil {
		return ChatPage{}, fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	if len(ids) == 0 {
		rec.mu.Lock()
		for id := range rec.chats {
			ids = append(ids, id)
		}
		rec.mu.Unlock()
		sort.Strings(ids)
	}

	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}
	total := len(ids)
	pages := (total + limit - 1) / limit
	if pages < 1 {
		pages = 1
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return ChatPage{
		SessionID: sessionID,
		Page:      page,
		Limit:     limit,
		Total:     total,
		Pages:     pages,
		IDs:       ids[start:end],
	}, nil
}

// HistoryMessage is one cached message of a chat history response.
type HistoryMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
	DateSent  string `json:"dateSent"`
	Type      string `json:"type"`
	Body      string `json:"body"`
	FromMe    bool   `json:"fromMe"`
	HasMedia  bool   `json:"hasMedia"`
	Ack       int    `json:"ack"`
}

// History is the cached recent-message listing for one chat.
type History struct {
	SessionID string           `json:"sessionId"`
	ChatID    string           `json:"chatId"`
	Total     int              `json:"total"`
	Messages  []HistoryMessage `json:"messages"`
}

// GetMessages returns the cached recent messages for a chat.
func (m *Manager) GetMessages(sessionID, chatID string) (History, error) {
	rec, _, err := m.readyClient(sessionID)
	if err != nil {
		return History{}, err
	}
	if strings.TrimSpace(chatID) == "" {
		return History{}, fmt.Errorf("%w: chatId is required", ErrValidation)
	}
	jid := m.normalizeJID(chatID)

	rec.mu.Lock()
	cached := append([]wapp.Message(nil), rec.messages[jid]...)
	rec.mu.Unlock()

	out := make([]HistoryMessage, 0, len(cached))
	for _, msg := range cached {
		out = append(out, HistoryMessage{
			ID:        msg.ID,
			From:      msg.From,
			To:        msg.ChatID,
			Timestamp: msg.Timestamp,
			DateSent:  time.UnixMilli(msg.Timestamp).UTC().Format(time.RFC3339),
			Type:      msg.Type,
			Body:      msg.Body,
			FromMe:    msg.FromMe,
			HasMedia:  msg.HasMedia,
			Ack:       msg.Ack,
		})
	}
	return History{SessionID: sessionID, ChatID: jid, Total: len(out), Messages: out}, nil
}

// Resolution is the outcome of resolving a phone number to a chat id.
type Resolution struct {
	SessionID string `json:"sessionId"`
	Phone     string `json:"phone"`
	Exists    bool   `json:"exists"`
	ChatID    string `json:"chatId"`
}

// ResolveChatID normalizes a raw phone number and asks the adapter
// whether it routes to a reachable account.
func (m *Manager) ResolveChatID(ctx context.Context, sessionID, phone string) (Resolution, error) {
	rec := m.get(sessionID)
	if rec == nil {
		return Resolution{}, ErrNotFound
	}
	if strings.TrimSpace(phone) == "" {
		return Resolution{}, fmt.Errorf("%w: phone is required", ErrValidation)
	}
	digits := keepDigits(phone)
	if !strings.HasPrefix(digits, m.opts.CountryCode) {
		digits = m.opts.CountryCode + digits
	}
	jid := digits + chatSuffix

	rec.mu.Lock()
	client := rec.client
	rec.mu.Unlock()
	status, err := client.CheckNumber(ctx, jid)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	return Resolution{
		SessionID: sessionID,
		Phone:     digits,
		Exists:    status.Exists && status.CanReceive,
		ChatID:    jid,
	}, nil
}
