package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/history"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/llm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ---------- Fakes ----------

type appended struct {
	conversation string
	text         string
	raw          any
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[string][]history.Record
	appends  []appended
	calls    []string
	readErr  error
	writeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string][]history.Record{}}
}

func (s *fakeStore) Append(_ context.Context, conversationID, text string, raw any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "append")
	if s.writeErr != nil {
		return s.writeErr
	}
	s.appends = append(s.appends, appended{conversationID, text, raw})
	s.records[conversationID] = append(s.records[conversationID], history.Record{
		ID:             fmt.Sprint(len(s.appends)),
		ConversationID: conversationID,
		Content:        text,
		CreatedAt:      time.Now(),
	})
	return nil
}

func (s *fakeStore) Recent(_ context.Context, conversationID string, limit int) ([]history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "recent")
	if s.readErr != nil {
		return nil, s.readErr
	}
	recs := s.records[conversationID]
	if limit <= 0 {
		return []history.Record{}, nil
	}
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return append([]history.Record(nil), recs...), nil
}

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls [][]llm.Turn
}

func (c *fakeCompleter) Complete(_ context.Context, turns []llm.Turn) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, turns)
	return c.reply, c.err
}

type fakeTranscriber struct {
	text  string
	err   error
	audio []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte) (string, error) {
	f.audio = audio
	return f.text, f.err
}

type sent struct {
	channel, to string
	msg         *channels.OutgoingMessage
}

type fakeOutbound struct {
	mu        sync.Mutex
	sent      []sent
	typing    int
	media     []byte
	mediaErr  error
	downloads int
	sendErr   error
}

func (o *fakeOutbound) Send(_ context.Context, channelName, to string, msg *channels.OutgoingMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, sent{channelName, to, msg})
	return o.sendErr
}

func (o *fakeOutbound) DownloadMedia(context.Context, *channels.IncomingMessage) ([]byte, string, error) {
	o.downloads++
	return o.media, "audio/ogg", o.mediaErr
}

func (o *fakeOutbound) SendTyping(context.Context, string, string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.typing++
	return nil
}

type harness struct {
	store *fakeStore
	llm   *fakeCompleter
	stt   *fakeTranscriber
	out   *fakeOutbound
	r     *Router
}

func newHarness(cfg Config) *harness {
	h := &harness{
		store: newFakeStore(),
		llm:   &fakeCompleter{reply: "Hello!"},
		stt:   &fakeTranscriber{text: "what time is it"},
		out:   &fakeOutbound{media: []byte("OGG")},
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = 10
	}
	h.r = New(cfg, h.store, h.llm, h.out, nil, WithTranscriber(h.stt))
	return h
}

func (h *harness) assertUntouched(t *testing.T) {
	t.Helper()
	if len(h.store.calls) != 0 {
		t.Errorf("store calls = %v, want none", h.store.calls)
	}
	if len(h.llm.calls) != 0 {
		t.Errorf("completion calls = %d, want 0", len(h.llm.calls))
	}
	if len(h.out.sent) != 0 {
		t.Errorf("sent = %d messages, want 0", len(h.out.sent))
	}
}

func textMsg(chat, text string, group bool) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      "m1",
		Channel: "telegram",
		From:    "u1",
		ChatID:  chat,
		IsGroup: group,
		Type:    channels.MessageText,
		Content: text,
	}
}

// ---------- Tests ----------

func TestHandle_PrivateText(t *testing.T) {
	h := newHarness(Config{})

	if err := h.r.Handle(context.Background(), textMsg("42", "hi", false)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(h.llm.calls) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(h.llm.calls))
	}
	turns := h.llm.calls[0]
	if len(turns) != 1 || turns[0] != (llm.Turn{Role: "user", Content: "hi"}) {
		t.Errorf("turns = %+v, want [{user hi}]", turns)
	}

	if got := strings.Join(h.store.calls, ","); got != "recent,append,append" {
		t.Errorf("store calls = %s", got)
	}
	if len(h.store.appends) != 2 {
		t.Fatalf("appends = %d, want 2", len(h.store.appends))
	}
	in, out := h.store.appends[0], h.store.appends[1]
	if in.conversation != "42" || in.text != "hi" {
		t.Errorf("input record = %+v", in)
	}
	if raw, ok := in.raw.(*channels.IncomingMessage); !ok || raw.Content != "hi" {
		t.Errorf("input raw = %#v, want the inbound event", in.raw)
	}
	if out.text != "Hello!" {
		t.Errorf("reply record = %q", out.text)
	}
	rawJSON, _ := json.Marshal(out.raw)
	if string(rawJSON) != `{"reply":"Hello!","reply_to":"hi"}` {
		t.Errorf("reply raw = %s", rawJSON)
	}

	if len(h.out.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(h.out.sent))
	}
	s := h.out.sent[0]
	if s.channel != "telegram" || s.to != "42" || s.msg.Content != "Hello!" || s.msg.ReplyTo != "m1" {
		t.Errorf("sent %+v %+v", s, s.msg)
	}
}

func TestHandle_HistoryReplayedAsUserTurns(t *testing.T) {
	h := newHarness(Config{HistoryWindow: 2})
	ctx := context.Background()

	h.store.Append(ctx, "42", "first", nil)
	h.store.Append(ctx, "42", "assistant said", nil)
	h.store.Append(ctx, "42", "second", nil)
	h.store.calls = nil

	if err := h.r.Handle(ctx, textMsg("42", "now", false)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := []llm.Turn{
		{Role: "user", Content: "assistant said"},
		{Role: "user", Content: "second"},
		{Role: "user", Content: "now"},
	}
	got := h.llm.calls[0]
	if len(got) != len(want) {
		t.Fatalf("turns = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestHandle_GroupPolicy(t *testing.T) {
	tests := []struct {
		name     string
		bot      string
		text     string
		replyTo  *channels.ReplyInfo
		answered bool
	}{
		{"no mention", "@relaybot", "hello everyone", nil, false},
		{"mention", "@relaybot", "hey @relaybot what's up", nil, true},
		{"mention is case sensitive", "@relaybot", "hey @RelayBot", nil, false},
		{"reply to bot flag", "@relaybot", "thanks", &channels.ReplyInfo{FromBot: true}, true},
		{"reply to bot by username", "@relaybot", "thanks", &channels.ReplyInfo{FromUsername: "relaybot"}, true},
		{"reply to someone else", "@relaybot", "thanks", &channels.ReplyInfo{FromUsername: "alice"}, false},
		{"no bot identity", "", "hey @relaybot", nil, false},
		{"no bot identity, reply flagged", "", "thanks", &channels.ReplyInfo{FromBot: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(Config{BotUsername: tt.bot})
			msg := textMsg("-100", tt.text, true)
			msg.ReplyTo = tt.replyTo

			if err := h.r.Handle(context.Background(), msg); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if !tt.answered {
				h.assertUntouched(t)
				return
			}
			if len(h.out.sent) != 1 || len(h.store.appends) != 2 {
				t.Errorf("sent=%d appends=%d, want 1 and 2", len(h.out.sent), len(h.store.appends))
			}
		})
	}
}

func TestHandle_StartCommand(t *testing.T) {
	for _, text := range []string{"/start", "/start@relaybot", "/START now"} {
		t.Run(text, func(t *testing.T) {
			h := newHarness(Config{})
			if err := h.r.Handle(context.Background(), textMsg("42", text, false)); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if len(h.store.calls) != 0 || len(h.llm.calls) != 0 {
				t.Errorf("store=%v completion=%d, want untouched", h.store.calls, len(h.llm.calls))
			}
			if len(h.out.sent) != 1 || h.out.sent[0].msg.Content != DefaultGreeting {
				t.Errorf("sent = %+v", h.out.sent)
			}
		})
	}
}

func TestHandle_OtherCommandsIgnored(t *testing.T) {
	h := newHarness(Config{})
	if err := h.r.Handle(context.Background(), textMsg("42", "/help", false)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	h.assertUntouched(t)
}

func TestHandle_OtherMediaIgnored(t *testing.T) {
	for _, typ := range []channels.MessageType{channels.MessageImage, channels.MessageSticker, channels.MessageDocument} {
		h := newHarness(Config{})
		msg := textMsg("42", "caption", false)
		msg.Type = typ
		if err := h.r.Handle(context.Background(), msg); err != nil {
			t.Fatalf("Handle(%s): %v", typ, err)
		}
		h.assertUntouched(t)
		if h.out.downloads != 0 {
			t.Errorf("%s: media downloaded", typ)
		}
	}
}

func TestHandle_Voice(t *testing.T) {
	h := newHarness(Config{BotUsername: "@relaybot"})
	msg := &channels.IncomingMessage{
		ID:      "v1",
		Channel: "telegram",
		ChatID:  "-100",
		IsGroup: true,
		Type:    channels.MessageVoice,
		Media:   &channels.MediaInfo{Type: channels.MessageVoice, URL: "f1"},
	}
	h.llm.reply = "It is noon."

	if err := h.r.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if string(h.stt.audio) != "OGG" {
		t.Errorf("transcribed audio = %q", h.stt.audio)
	}
	if len(h.store.appends) != 2 || h.store.appends[0].text != "what time is it" {
		t.Errorf("appends = %+v", h.store.appends)
	}
	turns := h.llm.calls[0]
	if turns[len(turns)-1].Content != "what time is it" {
		t.Errorf("last turn = %+v", turns[len(turns)-1])
	}
	want := "🗣️ **You said:** what time is it\n\n🤖 **Assistant says:** It is noon."
	if len(h.out.sent) != 1 || h.out.sent[0].msg.Content != want {
		t.Errorf("sent = %+v", h.out.sent)
	}
}

func TestHandle_VoiceFailures(t *testing.T) {
	t.Run("download", func(t *testing.T) {
		h := newHarness(Config{})
		h.out.mediaErr = channels.ErrMediaDownloadFailed
		err := h.r.Handle(context.Background(), &channels.IncomingMessage{Channel: "telegram", ChatID: "1", Type: channels.MessageVoice})
		if !errors.Is(err, channels.ErrMediaDownloadFailed) {
			t.Errorf("err = %v", err)
		}
		if len(h.store.calls) != 0 {
			t.Error("store touched after failed download")
		}
	})

	t.Run("no transcriber", func(t *testing.T) {
		h := newHarness(Config{})
		h.r.transcriber = nil
		err := h.r.Handle(context.Background(), &channels.IncomingMessage{Channel: "telegram", ChatID: "1", Type: channels.MessageVoice})
		if !errors.Is(err, ErrNoTranscriber) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestHandle_CompletionFailureKeepsInput(t *testing.T) {
	h := newHarness(Config{})
	boom := errors.New("upstream down")
	h.llm.err = boom

	err := h.r.Handle(context.Background(), textMsg("42", "hi", false))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped completion error", err)
	}
	if len(h.store.appends) != 1 || h.store.appends[0].text != "hi" {
		t.Errorf("appends = %+v, want only the input", h.store.appends)
	}
	if len(h.llm.calls) != 1 {
		t.Errorf("completion calls = %d, want 1 (no retry)", len(h.llm.calls))
	}
	if len(h.out.sent) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestHandle_StoreFailures(t *testing.T) {
	boom := errors.New("store down")

	t.Run("read", func(t *testing.T) {
		h := newHarness(Config{})
		h.store.readErr = boom
		if err := h.r.Handle(context.Background(), textMsg("42", "hi", false)); !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
		if len(h.llm.calls) != 0 {
			t.Error("completion called after history read failure")
		}
	})

	t.Run("write", func(t *testing.T) {
		h := newHarness(Config{})
		h.store.writeErr = boom
		if err := h.r.Handle(context.Background(), textMsg("42", "hi", false)); !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
		if len(h.llm.calls) != 0 {
			t.Error("completion called after input write failure")
		}
	})
}

func TestHandle_EmptyCompletion(t *testing.T) {
	t.Run("reply still sent", func(t *testing.T) {
		h := newHarness(Config{})
		h.llm.reply = ""

		if err := h.r.Handle(context.Background(), textMsg("42", "hi", false)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if len(h.store.appends) != 2 || h.store.appends[1].text != "" {
			t.Errorf("appends = %+v, want input and empty reply", h.store.appends)
		}
		if len(h.out.sent) != 1 || h.out.sent[0].msg.Content != "" {
			t.Errorf("sent = %+v, want one send of the empty reply", h.out.sent)
		}
	})

	t.Run("channel rejection surfaces", func(t *testing.T) {
		h := newHarness(Config{})
		h.llm.reply = ""
		h.out.sendErr = errors.New("message text is empty")

		err := h.r.Handle(context.Background(), textMsg("42", "hi", false))
		if err == nil || !strings.Contains(err.Error(), "message text is empty") {
			t.Errorf("err = %v, want the channel error", err)
		}
		if len(h.store.appends) != 2 {
			t.Errorf("appends = %d, want both records kept", len(h.store.appends))
		}
	})
}

func TestHandle_TypingIndicator(t *testing.T) {
	h := newHarness(Config{})
	h.r.Handle(context.Background(), textMsg("42", "hi", false))
	if h.out.typing != 1 {
		t.Errorf("typing = %d, want 1", h.out.typing)
	}
}

func TestRun_OrdersPerConversation(t *testing.T) {
	h := newHarness(Config{MaxConcurrent: 4})
	in := make(chan *channels.IncomingMessage)

	done := make(chan struct{})
	go func() {
		h.r.Run(context.Background(), in)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		in <- textMsg("42", fmt.Sprintf("msg %d", i), false)
		in <- textMsg("7", fmt.Sprintf("other %d", i), false)
	}
	close(in)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after input closed")
	}

	var inputs []string
	for _, a := range h.store.appends {
		if a.conversation == "42" && a.text != "Hello!" {
			inputs = append(inputs, a.text)
		}
	}
	for i, text := range inputs {
		if want := fmt.Sprintf("msg %d", i); text != want {
			t.Errorf("input %d = %q, want %q", i, text, want)
		}
	}
	if len(inputs) != 5 {
		t.Errorf("handled %d inputs for chat 42, want 5", len(inputs))
	}
	if len(h.out.sent) != 10 {
		t.Errorf("sent = %d, want 10", len(h.out.sent))
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(Config{})
	h.r.metrics = m

	h.r.Handle(context.Background(), textMsg("42", "hi", false))
	h.r.Handle(context.Background(), textMsg("-1", "noise", true))
	h.llm.err = errors.New("boom")
	h.r.Handle(context.Background(), textMsg("42", "again", false))

	if got := testutil.ToFloat64(m.events.WithLabelValues("telegram", "text", "replied")); got != 1 {
		t.Errorf("replied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("telegram", "text", "ignored")); got != 1 {
		t.Errorf("ignored = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("completion")); got != 1 {
		t.Errorf("completion failures = %v, want 1", got)
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		text  string
		name  string
		isCmd bool
	}{
		{"/start", "start", true},
		{"/start@bot hello", "start", true},
		{"/Help", "help", true},
		{"hello /start", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		name, ok := command(tt.text)
		if name != tt.name || ok != tt.isCmd {
			t.Errorf("command(%q) = %q, %v; want %q, %v", tt.text, name, ok, tt.name, tt.isCmd)
		}
	}
}
