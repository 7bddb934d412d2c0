package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/wamax/wamax/internal/media"
	"github.com/wamax/wamax/internal/wapp"
)

func readySession(t *testing.T, f *wapp.MockFactory, m *Manager, id string) *wapp.MockClient {
	t.Helper()
	if _, err := m.Create(context.Background(), id); err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
	client := f.Client(id)
	client.EmitState(wapp.StateReady, "connected")
	return client
}

func TestNormalizeJID(t *testing.T) {
	m := newTestManager(t, wapp.NewMockFactory())
	cases := []struct {
		in   string
		want string
	}{
		{"+55 11 99999-0000", "5511999990000@c.us"},
		{"11999990000", "5511999990000@c.us"},
		{"5511999990000", "5511999990000@c.us"},
		{"5511999990000@c.us", "5511999990000@c.us"},
		{"1203630xxxx-123456@g.us", "1203630xxxx-123456@g.us"},
	}
	for _, tc := range cases {
		if got := m.normalizeJID(tc.in); got != tc.want {
			t.Fatalf("normalizeJID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSendRequiresReadySession(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	if _, err := m.Create(context.Background(), "s1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err := m.Send(context.Background(), "s1", SendPayload{To: "11999990000", Body: "hi"})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send() error = %v, want ErrNotReady", err)
	}
	if !strings.Contains(err.Error(), string(StatusInitializing)) {
		t.Fatalf("Send() error = %q, want current status included", err)
	}
	if _, err := m.Send(context.Background(), "missing", SendPayload{To: "1", Body: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Send() error = %v, want ErrNotFound", err)
	}
}

func TestSendTextNormalizesTarget(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")

	res, err := m.Send(context.Background(), "s1", SendPayload{To: "+55 11 99999-0000", Body: "oi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.ChatID != "5511999990000@c.us" {
		t.Fatalf("ChatID = %q, want %q", res.ChatID, "5511999990000@c.us")
	}
	if res.Type != "text" || res.ID == "" || res.Timestamp == 0 {
		t.Fatalf("result = %+v, want text receipt with id and timestamp", res)
	}
	sends := client.Sends()
	if len(sends) != 1 || sends[0].Kind != "text" || sends[0].ChatID != "5511999990000@c.us" {
		t.Fatalf("sends = %+v, want one text to the normalized chat id", sends)
	}
}

func TestSendPrefersChatIDOverPhone(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")

	if _, err := m.Send(context.Background(), "s1", SendPayload{
		ChatID: "5544333322222@c.us",
		To:     "11999990000",
		Body:   "oi",
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := client.Sends()[0].ChatID; got != "5544333322222@c.us" {
		t.Fatalf("ChatID = %q, want explicit chatId to win over phone", got)
	}

	if _, err := m.Send(context.Background(), "s1", SendPayload{Body: "oi"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Send() without target error = %v, want ErrValidation", err)
	}
}

func TestSendButtonsValidation(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	readySession(t, f, m, "s1")

	send := func(buttons []wapp.Button) error {
		_, err := m.Send(context.Background(), "s1", SendPayload{
			To:      "11999990000",
			Type:    "buttons",
			Body:    "pick one",
			Buttons: buttons,
		})
		return err
	}

	if err := send(nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty buttons error = %v, want ErrValidation", err)
	}
	four := []wapp.Button{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}, {ID: "c", Text: "C"}, {ID: "d", Text: "D"}}
	if err := send(four); !errors.Is(err, ErrValidation) {
		t.Fatalf("four buttons error = %v, want ErrValidation without trimming to three", err)
	}
	mixed := []wapp.Button{{ID: "a", Text: "A"}, {URL: "https://example.com", Text: "Open"}}
	if err := send(mixed); !errors.Is(err, ErrValidation) {
		t.Fatalf("mixed reply/action buttons error = %v, want ErrValidation", err)
	}
	if err := send([]wapp.Button{{ID: "yes", Text: "Sim"}, {ID: "no", Text: "Nao"}}); err != nil {
		t.Fatalf("two reply buttons error = %v, want nil", err)
	}
	if _, err := m.Send(context.Background(), "s1", SendPayload{
		To:      "11999990000",
		Type:    "buttons",
		Buttons: []wapp.Button{{ID: "yes", Text: "Sim"}},
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("buttons without body error = %v, want ErrValidation", err)
	}
}

func TestSendMediaDispatch(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")

	payload := base64.StdEncoding.EncodeToString([]byte("fake-bytes"))
	cases := []struct {
		mimetype string
		wantKind string
	}{
		{"image/png", "image"},
		{"audio/ogg", "audio"},
		{"application/pdf", "document"},
	}
	for i, tc := range cases {
		res, err := m.Send(context.Background(), "s1", SendPayload{
			To:      "11999990000",
			Media:   &media.Input{Base64: payload, Mimetype: tc.mimetype},
			Caption: "look",
		})
		if err != nil {
			t.Fatalf("Send(%s) error = %v", tc.mimetype, err)
		}
		if res.Type != tc.wantKind {
			t.Fatalf("result Type = %q, want %q", res.Type, tc.wantKind)
		}
		call := client.Sends()[i]
		if call.Kind != tc.wantKind {
			t.Fatalf("adapter call = %q, want %q", call.Kind, tc.wantKind)
		}
		if call.Media.Mimetype != tc.mimetype {
			t.Fatalf("Media.Mimetype = %q, want %q", call.Media.Mimetype, tc.mimetype)
		}
	}

	if _, err := m.Send(context.Background(), "s1", SendPayload{To: "1", Type: "image"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("typed media send without media error = %v, want ErrValidation", err)
	}
}

func TestSendCopyCodeFallsBackToText(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")
	client.SetInteractiveErr(errors.New("interactive messages unsupported"))

	res, err := m.SendCopyCode(context.Background(), "s1", SendPayload{
		To:       "11999990000",
		Body:     "Seu codigo chegou",
		CopyCode: "123-456",
	})
	if err != nil {
		t.Fatalf("SendCopyCode() error = %v", err)
	}
	if !res.FallbackUsed {
		t.Fatalf("FallbackUsed = false, want true when the interactive send fails")
	}
	if res.CopyCode != "123-456" {
		t.Fatalf("CopyCode = %q, want %q", res.CopyCode, "123-456")
	}
	if res.FallbackReason == "" {
		t.Fatalf("FallbackReason empty, want the interactive failure recorded")
	}
	sends := client.Sends()
	if len(sends) != 1 || sends[0].Kind != "text" {
		t.Fatalf("sends = %+v, want a single plain text fallback", sends)
	}
	if !strings.Contains(sends[0].Body, "123-456") {
		t.Fatalf("fallback body = %q, want the code included", sends[0].Body)
	}
	if sends[0].Options != nil {
		t.Fatalf("fallback carried interactive options: %+v", sends[0].Options)
	}
}

func TestSendCopyCodeNoFallbackWhenDisabled(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")
	client.SetInteractiveErr(errors.New("interactive messages unsupported"))

	off := false
	_, err := m.SendCopyCode(context.Background(), "s1", SendPayload{
		To:             "11999990000",
		CopyCode:       "123-456",
		FallbackToText: &off,
	})
	if !errors.Is(err, ErrAdapter) {
		t.Fatalf("SendCopyCode() error = %v, want ErrAdapter with fallback disabled", err)
	}
	if got := len(client.Sends()); got != 0 {
		t.Fatalf("sends = %d, want 0", got)
	}
}

func TestSendCopyCodeViaGenericSend(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")

	res, err := m.Send(context.Background(), "s1", SendPayload{
		To:       "11999990000",
		Type:     "copycode",
		CopyCode: "987654",
	})
	if err != nil {
		t.Fatalf("Send(copycode) error = %v", err)
	}
	if res.CopyCode != "987654" || res.FallbackUsed {
		t.Fatalf("result = %+v, want interactive copy-code receipt", res)
	}
	call := client.Sends()[0]
	if call.Options == nil || len(call.Options.Buttons) != 1 {
		t.Fatalf("options = %+v, want exactly one code button", call.Options)
	}
	if call.Options.Buttons[0].Code != "987654" {
		t.Fatalf("button code = %q, want %q", call.Options.Buttons[0].Code, "987654")
	}
}

func TestSendListValidation(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")

	valid := SendPayload{
		To:          "11999990000",
		Type:        "list",
		ButtonText:  "Menu",
		Description: "Escolha",
		Sections: []wapp.ListSection{
			{Title: "Lanches", Rows: []wapp.ListRow{{RowID: "r1", Title: "X-Burger"}}},
		},
	}
	if _, err := m.Send(context.Background(), "s1", valid); err != nil {
		t.Fatalf("Send(list) error = %v", err)
	}
	if got := client.Sends()[0]; got.Kind != "list" || got.List.ButtonText != "Menu" {
		t.Fatalf("adapter call = %+v, want the list forwarded", got)
	}

	broken := valid
	broken.Sections = []wapp.ListSection{{Title: "Lanches"}}
	if _, err := m.Send(context.Background(), "s1", broken); !errors.Is(err, ErrValidation) {
		t.Fatalf("section without rows error = %v, want ErrValidation", err)
	}
	broken = valid
	broken.ButtonText = ""
	if _, err := m.Send(context.Background(), "s1", broken); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing buttonText error = %v, want ErrValidation", err)
	}
	broken = valid
	broken.Sections = nil
	if _, err := m.Send(context.Background(), "s1", broken); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing sections error = %v, want ErrValidation", err)
	}
}

func TestListChatsPagination(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")

	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprintf("55119999%04d@c.us", i)
	}
	client.SetChats(ids)

	page, err := m.ListChats(context.Background(), "s1", 2, 10)
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if page.Total != 25 || page.Pages != 3 || len(page.IDs) != 10 {
		t.Fatalf("page = %+v, want total 25, pages 3, 10 ids", page)
	}
	if page.IDs[0] != ids[10] {
		t.Fatalf("first id on page 2 = %q, want %q", page.IDs[0], ids[10])
	}

	past, err := m.ListChats(context.Background(), "s1", 9, 10)
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(past.IDs) != 0 {
		t.Fatalf("ids past the end = %d, want 0", len(past.IDs))
	}

	// A missing limit falls back to 10; an oversized one clamps to 100.
	deflt, err := m.ListChats(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if deflt.Page != 1 || deflt.Limit != 10 {
		t.Fatalf("page/limit = %d/%d, want 1/10", deflt.Page, deflt.Limit)
	}
	clamped, err := m.ListChats(context.Background(), "s1", 1, 500)
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if clamped.Limit != 100 {
		t.Fatalf("Limit = %d, want clamped to 100", clamped.Limit)
	}
	if len(clamped.IDs) != 25 {
		t.Fatalf("ids = %d, want all 25 on one clamped page", len(clamped.IDs))
	}
}

func TestListChatsFallsBackToObservedTraffic(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")

	client.EmitMessage(wapp.Message{ID: "m1", ChatID: "5511000000002@c.us", Body: "b"})
	client.EmitMessage(wapp.Message{ID: "m2", ChatID: "5511000000001@c.us", Body: "a"})

	page, err := m.ListChats(context.Background(), "s1", 1, 10)
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	want := []string{"5511000000001@c.us", "5511000000002@c.us"}
	if len(page.IDs) != 2 || page.IDs[0] != want[0] || page.IDs[1] != want[1] {
		t.Fatalf("IDs = %v, want %v sorted", page.IDs, want)
	}
}

func TestMessageCacheEvictsOldest(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")

	chat := "5511999990000@c.us"
	for i := 0; i <= maxCachedMessages; i++ {
		client.EmitMessage(wapp.Message{
			ID:        fmt.Sprintf("m%d", i),
			ChatID:    chat,
			Body:      "hello",
			Timestamp: time.Now().UnixMilli(),
		})
	}

	history, err := m.GetMessages("s1", "+55 11 99999-0000")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if history.Total != maxCachedMessages {
		t.Fatalf("Total = %d, want %d", history.Total, maxCachedMessages)
	}
	if history.Messages[0].ID != "m1" {
		t.Fatalf("oldest kept = %q, want %q (m0 evicted)", history.Messages[0].ID, "m1")
	}
	if last := history.Messages[len(history.Messages)-1]; last.ID != fmt.Sprintf("m%d", maxCachedMessages) {
		t.Fatalf("newest = %q, want m%d", last.ID, maxCachedMessages)
	}
	if history.Messages[0].DateSent == "" {
		t.Fatalf("DateSent empty, want RFC3339 rendering of the timestamp")
	}
}

func TestGetMessagesRequiresChatID(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	readySession(t, f, m, "s1")

	if _, err := m.GetMessages("s1", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("GetMessages() error = %v, want ErrValidation", err)
	}
	history, err := m.GetMessages("s1", "11999990000")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if history.Total != 0 || history.Messages == nil {
		t.Fatalf("history = %+v, want empty non-nil message list", history)
	}
}

func TestResolveChatID(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")

	res, err := m.ResolveChatID(context.Background(), "s1", "+55 (11) 99999-0000")
	if err != nil {
		t.Fatalf("ResolveChatID() error = %v", err)
	}
	if !res.Exists || res.ChatID != "5511999990000@c.us" || res.Phone != "5511999990000" {
		t.Fatalf("resolution = %+v, want reachable normalized number", res)
	}

	client.SetUnknownNumber("5511888880000@c.us")
	res, err = m.ResolveChatID(context.Background(), "s1", "11888880000")
	if err != nil {
		t.Fatalf("ResolveChatID() error = %v", err)
	}
	if res.Exists {
		t.Fatalf("Exists = true for an unknown number, want false")
	}

	if _, err := m.ResolveChatID(context.Background(), "s1", "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("ResolveChatID() error = %v, want ErrValidation for blank phone", err)
	}
}

func TestSendAdapterErrorWrapped(t *testing.T) {
	f := wapp.NewMockFactory()
	m := newTestManager(t, f)
	client := readySession(t, f, m, "s1")
	client.SetSendErr(errors.New("socket torn down"))

	_, err := m.Send(context.Background(), "s1", SendPayload{To: "11999990000", Body: "hi"})
	if !errors.Is(err, ErrAdapter) {
		t.Fatalf("Send() error = %v, want ErrAdapter", err)
	}
}
