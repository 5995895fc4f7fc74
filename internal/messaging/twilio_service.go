package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/twiliowhatsapp"
)

// ChannelTwilio labels turns received through the Twilio webhook.
const ChannelTwilio = "twilio"

// TwilioSignatureHeader carries the request signature of webhook calls.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioService implements Service on top of the Twilio REST API. Inbound
// messages arrive through TwilioWebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender // real Twilio client or MockClient
	validator *twiliowhatsapp.SignatureValidator  // nil disables signature checks
	events    *eventChannels
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService. A nil validator accepts unsigned
// webhook calls.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, validator *twiliowhatsapp.SignatureValidator) *TwilioService {
	if validator == nil {
		slog.Warn("TwilioService: webhook signature validation disabled")
	}
	return &TwilioService{
		client:    client,
		validator: validator,
		events:    newEventChannels(),
	}
}

// ValidateAndCanonicalizeRecipient reduces a WhatsApp number to E.164 form
// ("+" followed by digits).
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits, ok := canonicalPhone(strings.TrimPrefix(recipient, twiliowhatsapp.WhatsAppPrefix))
	if !ok {
		return "", fmt.Errorf("invalid phone number %q: at least %d digits required", recipient, minPhoneDigits)
	}
	return "+" + digits, nil
}

// Start is a no-op; inbound traffic arrives via the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	if s.events.stop() {
		slog.Info("TwilioService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.events.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.events.receipts
}

// Turns returns the channel of inbound turns.
func (s *TwilioService) Turns() <-chan models.Turn {
	return s.events.turns
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits
// each message as a Turn. The conversation is keyed by the sender number.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService webhook: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.Validate(params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("TwilioService webhook: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	if from == "" {
		slog.Warn("TwilioService webhook: missing From")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	sender, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService webhook: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	turn := models.Turn{
		ConversationID: sender,
		UserID:         sender,
		Channel:        ChannelTwilio,
		MessageID:      r.FormValue("MessageSid"),
		ReplyTo:        sender,
		Text:           r.FormValue("Body"),
		ReceivedAt:     time.Now(),
	}
	if !s.events.emitTurn(turn) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Debug("TwilioService webhook: inbound message queued", "conversationID", sender, "messageID", turn.MessageID)

	// Replies go out through the REST API, so the TwiML answer is empty.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
