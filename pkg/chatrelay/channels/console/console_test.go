package console

import (
	"bytes"
	"context"
	"testing"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
)

func TestConsole_NewMessage(t *testing.T) {
	c := New(Config{ConversationID: "local", User: "dev"}, nil)

	first := c.NewMessage("hello")
	second := c.NewMessage("again")

	if first.ChatID != "local" || first.From != "dev" || first.IsGroup {
		t.Errorf("unexpected message %+v", first)
	}
	if first.Channel != "console" || first.Type != channels.MessageText {
		t.Errorf("Channel/Type = %q/%q", first.Channel, first.Type)
	}
	if first.ID == second.ID {
		t.Error("message IDs should be unique")
	}
}

func TestConsole_SendWritesFormattedReply(t *testing.T) {
	var out bytes.Buffer
	c := New(Config{Stdout: &out}, nil)

	msg := &channels.OutgoingMessage{Content: c.FormatText("**hi** there")}
	if err := c.Send(context.Background(), "console", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, want := out.String(), "bot> hi there\n\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestConsole_Defaults(t *testing.T) {
	c := New(Config{}, nil)
	if c.cfg.ConversationID != "console" {
		t.Errorf("ConversationID = %q, want console", c.cfg.ConversationID)
	}
	if c.Name() != "console" {
		t.Errorf("Name = %q", c.Name())
	}
}
