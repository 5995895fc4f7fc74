package messaging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// ChannelConsole labels turns typed on a local terminal.
const ChannelConsole = "console"

// ConsoleService runs one conversation over a reader and a writer, one line
// per turn. The turns channel closes at EOF.
type ConsoleService struct {
	conversationID string
	in             io.Reader
	out            io.Writer
	outMu          sync.Mutex
	events         *eventChannels
}

// Compile-time check that ConsoleService implements Service.
var _ Service = (*ConsoleService)(nil)

// NewConsoleService creates a console conversation with the given ID.
func NewConsoleService(conversationID string, in io.Reader, out io.Writer) *ConsoleService {
	return &ConsoleService{
		conversationID: conversationID,
		in:             in,
		out:            out,
		events:         newEventChannels(),
	}
}

// ValidateAndCanonicalizeRecipient only accepts the console's own conversation.
func (s *ConsoleService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient != s.conversationID {
		return "", fmt.Errorf("unknown console recipient %q", recipient)
	}
	return recipient, nil
}

// Start opens the conversation with an empty turn, then reads lines until
// EOF or ctx is done.
func (s *ConsoleService) Start(ctx context.Context) error {
	go s.readLoop(ctx)
	return nil
}

func (s *ConsoleService) readLoop(ctx context.Context) {
	defer s.Stop()

	if !s.events.emitTurn(s.newTurn("")) {
		return
	}
	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		s.events.emitTurn(s.newTurn(strings.TrimRight(scanner.Text(), "\r")))
	}
	if err := scanner.Err(); err != nil {
		slog.Error("ConsoleService readLoop: read failed", "error", err)
	}
}

func (s *ConsoleService) newTurn(text string) models.Turn {
	return models.Turn{
		ConversationID: s.conversationID,
		UserID:         s.conversationID,
		Channel:        ChannelConsole,
		MessageID:      uuid.NewString(),
		Text:           text,
		ReceivedAt:     time.Now(),
	}
}

// Stop closes the event channels. Replies still in flight are written.
func (s *ConsoleService) Stop() error {
	s.events.stop()
	return nil
}

// SendMessage writes body as one line.
func (s *ConsoleService) SendMessage(ctx context.Context, to string, body string) error {
	if _, err := s.ValidateAndCanonicalizeRecipient(to); err != nil {
		return err
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := fmt.Fprintln(s.out, body); err != nil {
		return fmt.Errorf("console write failed: %w", err)
	}
	s.events.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusDelivered, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel of receipt events.
func (s *ConsoleService) Receipts() <-chan models.Receipt {
	return s.events.receipts
}

// Turns returns the channel of typed lines.
func (s *ConsoleService) Turns() <-chan models.Turn {
	return s.events.turns
}
