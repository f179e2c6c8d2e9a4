// Package notify tells human operators that a conversation needs them.
//
// Notification is fire-and-forget: callers log failures and move on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject handoff events are published on.
const DefaultSubject = "flowpipe.handoff"

// Notifier delivers a human handoff notification.
type Notifier interface {
	Notify(ctx context.Context, orgID, conversationID, reason string) error
}

// HandoffEvent is the payload published for every handoff.
type HandoffEvent struct {
	OrgID          string    `json:"orgId"`
	ConversationID string    `json:"conversationId"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// publisher is the subset of *natsgo.Conn used by NATSNotifier.
type publisher interface {
	Publish(subj string, data []byte) error
	IsClosed() bool
}

// Compile-time checks.
var (
	_ Notifier = (*NATSNotifier)(nil)
	_ Notifier = LogNotifier{}
)

// NATSNotifier publishes HandoffEvents to a NATS subject.
type NATSNotifier struct {
	pub     publisher
	conn    *natsgo.Conn
	subject string
}

// Opts holds configuration options for NATSNotifier.
type Opts struct {
	Subject string
	Name    string
}

// Option defines a configuration option for NATSNotifier.
type Option func(*Opts)

// WithSubject overrides DefaultSubject.
func WithSubject(subject string) Option {
	return func(o *Opts) { o.Subject = subject }
}

// WithClientName sets the connection name reported to the NATS server.
func WithClientName(name string) Option {
	return func(o *Opts) { o.Name = name }
}

// NewNATSNotifier connects to url and returns a notifier publishing on the configured subject.
func NewNATSNotifier(url string, opts ...Option) (*NATSNotifier, error) {
	cfg := Opts{Subject: DefaultSubject, Name: "flowpipe"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	nc, err := natsgo.Connect(url,
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.Name(cfg.Name),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			slog.Warn("NATSNotifier: disconnected", "error", err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			slog.Info("NATSNotifier: reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	slog.Info("NATSNotifier: connected", "url", nc.ConnectedUrl(), "subject", cfg.Subject)
	return &NATSNotifier{pub: nc, conn: nc, subject: cfg.Subject}, nil
}

// Notify publishes a HandoffEvent.
func (n *NATSNotifier) Notify(ctx context.Context, orgID, conversationID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.pub.IsClosed() {
		return fmt.Errorf("nats connection closed")
	}
	payload, err := json.Marshal(HandoffEvent{
		OrgID:          orgID,
		ConversationID: conversationID,
		Reason:         reason,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode handoff event: %w", err)
	}
	if err := n.pub.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("publish handoff event: %w", err)
	}
	slog.Debug("NATSNotifier.Notify: published", "subject", n.subject, "conversationID", conversationID, "reason", reason)
	return nil
}

// Close drains the underlying connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// LogNotifier only logs handoffs. It is used when no NATS server is configured.
type LogNotifier struct{}

// Notify logs the handoff.
func (LogNotifier) Notify(ctx context.Context, orgID, conversationID, reason string) error {
	slog.Info("LogNotifier.Notify: conversation handed off to a human", "orgID", orgID, "conversationID", conversationID, "reason", reason)
	return nil
}
