// Package natsmsg is an agent transport over NATS. Inbound messages arrive
// on one subject as JSON envelopes; each reply is published to the outbound
// prefix followed by the recipient's address.
package natsmsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/isomw/proofgate/pkg/agent"
)

// Envelope is the JSON body of both inbound and outbound messages.
type Envelope struct {
	ID     string    `json:"id,omitempty"`
	From   string    `json:"from"`
	To     string    `json:"to,omitempty"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

const inboxSize = 64

type Transport struct {
	conn      *nats.Conn
	sub       *nats.Subscription
	msgs      chan *nats.Msg
	outPrefix string
	self      string
	logger    *slog.Logger
}

// Dial connects to url and subscribes to subjectIn.
func Dial(url, subjectIn, outPrefix, self string, opts ...nats.Option) (*Transport, error) {
	opts = append([]nats.Option{nats.Name(self), nats.MaxReconnects(-1)}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	t, err := New(nc, subjectIn, outPrefix, self)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

// New subscribes on an existing connection.
func New(nc *nats.Conn, subjectIn, outPrefix, self string) (*Transport, error) {
	t := &Transport{
		conn:      nc,
		msgs:      make(chan *nats.Msg, inboxSize),
		outPrefix: outPrefix,
		self:      self,
		logger:    slog.Default().With("component", "natsmsg"),
	}
	sub, err := nc.ChanSubscribe(subjectIn, t.msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subjectIn, err)
	}
	t.sub = sub
	return t, nil
}

func (t *Transport) Self() string { return t.self }

func (t *Transport) Receive(ctx context.Context) (agent.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return agent.Message{}, ctx.Err()
		case m, ok := <-t.msgs:
			if !ok {
				return agent.Message{}, agent.ErrClosed
			}
			msg, err := decode(m.Data)
			if err != nil {
				t.logger.WarnContext(ctx, "dropping malformed message", "subject", m.Subject, "error", err)
				continue
			}
			return msg, nil
		}
	}
}

func (t *Transport) Send(_ context.Context, to, text string) error {
	data, err := json.Marshal(Envelope{ID: uuid.NewString(), From: t.self, To: to, Text: text, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	subject := ReplySubject(t.outPrefix, to)
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the subscription and the connection.
func (t *Transport) Close() error {
	if t.conn.IsClosed() {
		return nil
	}
	return t.conn.Drain()
}

// ReplySubject turns an address into a single NATS subject token.
func ReplySubject(prefix, to string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, to)
	return prefix + token
}

func decode(data []byte) (agent.Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return agent.Message{}, err
	}
	if env.From == "" {
		return agent.Message{}, errors.New("envelope has no sender")
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	return agent.Message{ID: env.ID, Sender: env.From, Text: env.Text, ReceivedAt: env.SentAt}, nil
}
