package messaging

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

func collectTurns(t *testing.T, ch <-chan models.Turn) []models.Turn {
	t.Helper()
	var turns []models.Turn
	timeout := time.After(2 * time.Second)
	for {
		select {
		case turn, ok := <-ch:
			if !ok {
				return turns
			}
			turns = append(turns, turn)
		case <-timeout:
			t.Fatalf("turns channel not closed, got %d turns", len(turns))
		}
	}
}

func TestConsoleService_ReadsLines(t *testing.T) {
	svc := NewConsoleService("console_abc", strings.NewReader("Max\r\nMustermann\n"), &bytes.Buffer{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	turns := collectTurns(t, svc.Turns())
	if len(turns) != 3 {
		t.Fatalf("expected opening turn plus two lines, got %d", len(turns))
	}
	want := []string{"", "Max", "Mustermann"}
	seen := map[string]bool{}
	for i, turn := range turns {
		if turn.Text != want[i] {
			t.Errorf("turn %d text = %q, want %q", i, turn.Text, want[i])
		}
		if turn.ConversationID != "console_abc" || turn.Channel != ChannelConsole {
			t.Errorf("turn %d unexpected: %+v", i, turn)
		}
		if turn.MessageID == "" || seen[turn.MessageID] {
			t.Errorf("turn %d needs a unique message ID, got %q", i, turn.MessageID)
		}
		seen[turn.MessageID] = true
	}
}

func TestConsoleService_SendMessage(t *testing.T) {
	var out bytes.Buffer
	svc := NewConsoleService("console_abc", strings.NewReader(""), &out)

	if err := svc.SendMessage(context.Background(), "console_abc", "Wie lautet Ihr Vorname?"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if out.String() != "Wie lautet Ihr Vorname?\n" {
		t.Errorf("unexpected output %q", out.String())
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusDelivered {
		t.Errorf("unexpected receipt %+v", r)
	}
	if err := svc.SendMessage(context.Background(), "someone-else", "x"); err == nil {
		t.Error("expected error for a foreign recipient")
	}
}
