package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageCreator is the subset of the Twilio REST API used for delivery.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio delivery service.
type Opts struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	PageSenders map[string]string
}

// Option defines a configuration option for the Twilio delivery service.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the default WhatsApp sender, e.g. "whatsapp:+15550001111".
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithPageSender routes messages for pageID through a dedicated sender number.
func WithPageSender(pageID, from string) Option {
	return func(o *Opts) {
		if o.PageSenders == nil {
			o.PageSenders = make(map[string]string)
		}
		o.PageSenders[pageID] = from
	}
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// TwilioService implements Service on top of the Twilio WhatsApp API.
type TwilioService struct {
	creator     messageCreator
	from        string
	pageSenders map[string]string
	mu          sync.RWMutex
	stopped     bool
}

// NewTwilioService creates a TwilioService. Credentials fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewTwilioService(opts ...Option) (*TwilioService, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("TwilioService config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"pageSenders", len(cfg.PageSenders))

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" && len(cfg.PageSenders) == 0 {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioService(client.Api, cfg), nil
}

func newTwilioService(creator messageCreator, cfg Opts) *TwilioService {
	senders := make(map[string]string, len(cfg.PageSenders))
	for page, from := range cfg.PageSenders {
		senders[page] = whatsappAddress(from)
	}
	from := ""
	if cfg.FromNumber != "" {
		from = whatsappAddress(cfg.FromNumber)
	}
	return &TwilioService{creator: creator, from: from, pageSenders: senders}
}

// CanonicalizeRecipient strips everything but digits from a phone number and requires at least 6 of them.
func CanonicalizeRecipient(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// whatsappAddress turns "+1 555 000" or "whatsapp:+1555000" into "whatsapp:+1555000".
func whatsappAddress(number string) string {
	number = strings.TrimPrefix(strings.TrimSpace(number), "whatsapp:")
	return "whatsapp:+" + phoneNumberRegex.ReplaceAllString(number, "")
}

func (s *TwilioService) senderFor(pageID string) string {
	if from, ok := s.pageSenders[pageID]; ok {
		return from
	}
	return s.from
}

// Send delivers text via the Twilio API and returns the message SID.
func (s *TwilioService) Send(ctx context.Context, pageID, recipientID, text string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	canonical, err := CanonicalizeRecipient(strings.TrimPrefix(recipientID, "whatsapp:"))
	if err != nil {
		slog.Warn("TwilioService.Send: invalid recipient", "pageID", pageID, "recipientID", recipientID, "error", err)
		return "", err
	}
	from := s.senderFor(pageID)
	if from == "" {
		return "", fmt.Errorf("no sender configured for page %s", pageID)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + canonical)
	params.SetFrom(from)
	params.SetBody(text)

	msg, err := s.creator.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioService.Send: create message failed", "pageID", pageID, "to", canonical, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("TwilioService.Send: message sent", "pageID", pageID, "to", canonical, "sid", sid)
	return sid, nil
}

// Stop marks the service stopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
