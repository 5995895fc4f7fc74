package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// ChannelWhatsApp labels turns received through whatsmeow.
const ChannelWhatsApp = "whatsapp"

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // nil when client is a mock
	events   *eventChannels
	handler  uint32
}

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		events: newEventChannels(),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	}
	return service
}

// ValidateAndCanonicalizeRecipient accepts a full JID unchanged, otherwise a
// phone number reduced to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(recipient, "@") {
		jid, err := whatsapp.RecipientJID(recipient)
		if err != nil {
			return "", err
		}
		return jid.String(), nil
	}
	canonical, ok := canonicalPhone(recipient)
	if !ok {
		return "", fmt.Errorf("invalid phone number %q: at least %d digits required", recipient, minPhoneDigits)
	}
	return canonical, nil
}

// Start registers the whatsmeow event handler. It is a no-op for mocks.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService Start: no live client, skipping event handling")
		return nil
	}
	s.handler = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService Start: event handler registered")
	return nil
}

// Stop unregisters the event handler and closes the channels.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handler != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
	}
	if s.events.stop() {
		slog.Info("WhatsAppService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	s.events.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	slog.Debug("WhatsAppService message sent", "to", canonicalTo)
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.events.receipts
}

// Turns returns a channel of inbound turns.
func (s *WhatsAppService) Turns() <-chan models.Turn {
	return s.events.turns
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	case *events.Connected:
		slog.Info("WhatsAppService connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService disconnected")
	}
}

// messageText extracts the text of plain and extended text messages.
func messageText(evt *events.Message) (string, bool) {
	if evt.Message == nil {
		return "", false
	}
	if evt.Message.Conversation != nil {
		return evt.Message.GetConversation(), true
	}
	if ext := evt.Message.GetExtendedTextMessage(); ext != nil && ext.Text != nil {
		return ext.GetText(), true
	}
	return "", false
}

// turnFromMessage maps a direct text message to a Turn. Group chats, our own
// messages and non-text messages are skipped.
func turnFromMessage(evt *events.Message) (models.Turn, bool) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Turn{}, false
	}
	text, ok := messageText(evt)
	if !ok {
		return models.Turn{}, false
	}
	chat := evt.Info.Chat.ToNonAD().String()
	return models.Turn{
		ConversationID: chat,
		UserID:         evt.Info.Sender.User,
		Channel:        ChannelWhatsApp,
		MessageID:      string(evt.Info.ID),
		ReplyTo:        chat,
		Text:           text,
		ReceivedAt:     evt.Info.Timestamp,
	}, true
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	turn, ok := turnFromMessage(evt)
	if !ok {
		slog.Debug("WhatsAppService ignoring message", "chat", evt.Info.Chat.String(), "id", evt.Info.ID)
		return
	}
	if s.events.emitTurn(turn) {
		slog.Debug("WhatsAppService incoming message forwarded", "conversationID", turn.ConversationID, "messageID", turn.MessageID)
	}
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.events.emitReceipt(models.Receipt{
		To:     evt.MessageSource.Chat.ToNonAD().String(),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}
