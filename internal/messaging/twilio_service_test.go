package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/IntakePipe/internal/twiliowhatsapp"
)

const testWebhookURL = "https://bot.example.com/webhook/twilio"

func signForm(token string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(testWebhookURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(svc *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(TwilioSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	return rec
}

func TestTwilioService_Canonicalize(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), nil)
	cases := map[string]string{
		"whatsapp:+4917012345678": "+4917012345678",
		"+49 170 12345678":        "+4917012345678",
		"4917012345678":           "+4917012345678",
	}
	for in, want := range cases {
		got, err := svc.ValidateAndCanonicalizeRecipient(in)
		if err != nil || got != want {
			t.Errorf("canonicalize(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient("whatsapp:+12"); err == nil {
		t.Error("expected error for a short number")
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock, nil)

	if err := svc.SendMessage(context.Background(), "whatsapp:+4917012345678", "Wie lautet Ihr Nachname?"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "+4917012345678" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}
	select {
	case r := <-svc.Receipts():
		if r.To != "+4917012345678" {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected a receipt")
	}
}

func TestTwilioWebhook_EmitsTurn(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), nil)
	form := url.Values{
		"From":       {"whatsapp:+4917012345678"},
		"Body":       {"Max"},
		"MessageSid": {"SM0123456789"},
	}

	rec := postWebhook(svc, form, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "<Response></Response>" {
		t.Errorf("expected empty TwiML, got %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected text/xml, got %q", ct)
	}

	select {
	case turn := <-svc.Turns():
		if turn.ConversationID != "+4917012345678" || turn.ReplyTo != "+4917012345678" {
			t.Errorf("unexpected addressing: %+v", turn)
		}
		if turn.Text != "Max" || turn.MessageID != "SM0123456789" || turn.Channel != ChannelTwilio {
			t.Errorf("unexpected turn: %+v", turn)
		}
	default:
		t.Fatal("expected a turn")
	}
}

func TestTwilioWebhook_MissingFrom(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), nil)
	rec := postWebhook(svc, url.Values{"Body": {"Max"}}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTwilioWebhook_Signature(t *testing.T) {
	validator := twiliowhatsapp.NewSignatureValidator("secret-token", testWebhookURL)
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), validator)
	form := url.Values{
		"From":       {"whatsapp:+4917012345678"},
		"Body":       {"Max"},
		"MessageSid": {"SM0123456789"},
	}

	if rec := postWebhook(svc, form, ""); rec.Code != http.StatusForbidden {
		t.Errorf("unsigned request: expected 403, got %d", rec.Code)
	}
	if rec := postWebhook(svc, form, signForm("other-token", form)); rec.Code != http.StatusForbidden {
		t.Errorf("wrongly signed request: expected 403, got %d", rec.Code)
	}
	if rec := postWebhook(svc, form, signForm("secret-token", form)); rec.Code != http.StatusOK {
		t.Errorf("signed request: expected 200, got %d", rec.Code)
	}
	if len(svc.Turns()) != 1 {
		t.Errorf("expected exactly one accepted turn, got %d", len(svc.Turns()))
	}
}

func TestTwilioWebhook_AfterStop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), nil)
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	rec := postWebhook(svc, url.Values{"From": {"whatsapp:+4917012345678"}, "Body": {"Max"}}, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}
