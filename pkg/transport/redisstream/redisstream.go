// Package redisstream is an agent transport over Redis Streams. Inbound
// messages are read through a consumer group and acknowledged after the
// agent has replied; replies are appended to an outbound stream.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/isomw/proofgate/pkg/agent"
)

// Stream entry fields.
const (
	FieldSender = "sender"
	FieldText   = "text"
	FieldTo     = "to"
	FieldFrom   = "from"
)

type Options struct {
	StreamIn  string
	StreamOut string
	Group     string
	Consumer  string
	Self      string
	// Block bounds each XREADGROUP call so ctx is checked regularly.
	Block time.Duration
	Count int64
}

type Transport struct {
	client  redis.UniversalClient
	opts    Options
	pending []agent.Message
	logger  *slog.Logger
}

// New wraps client. Call Setup once before Receive.
func New(client redis.UniversalClient, opts Options) *Transport {
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 16
	}
	if opts.Consumer == "" {
		opts.Consumer = opts.Self
	}
	return &Transport{client: client, opts: opts, logger: slog.Default().With("component", "redisstream")}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, opts Options) (*Transport, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(client, opts), nil
}

// Setup creates the consumer group (and the stream) if they do not exist.
func (t *Transport) Setup(ctx context.Context) error {
	err := t.client.XGroupCreateMkStream(ctx, t.opts.StreamIn, t.opts.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", t.opts.Group, t.opts.StreamIn, err)
	}
	t.logger.InfoContext(ctx, "consumer group ready", "stream", t.opts.StreamIn, "group", t.opts.Group, "consumer", t.opts.Consumer)
	return nil
}

func (t *Transport) Self() string { return t.opts.Self }

func (t *Transport) Receive(ctx context.Context) (agent.Message, error) {
	for len(t.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return agent.Message{}, err
		}
		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.opts.Group,
			Consumer: t.opts.Consumer,
			Streams:  []string{t.opts.StreamIn, ">"},
			Count:    t.opts.Count,
			Block:    t.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, redis.ErrClosed) {
			return agent.Message{}, agent.ErrClosed
		}
		if err != nil {
			return agent.Message{}, fmt.Errorf("xreadgroup %s: %w", t.opts.StreamIn, err)
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				t.pending = append(t.pending, toMessage(m))
			}
		}
	}
	m := t.pending[0]
	t.pending = t.pending[1:]
	return m, nil
}

func (t *Transport) Ack(ctx context.Context, m agent.Message) error {
	return t.client.XAck(ctx, t.opts.StreamIn, t.opts.Group, m.ID).Err()
}

func (t *Transport) Send(ctx context.Context, to, text string) error {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.opts.StreamOut,
		Values: map[string]any{FieldTo: to, FieldText: text, FieldFrom: t.opts.Self},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", t.opts.StreamOut, err)
	}
	return nil
}

func (t *Transport) Close() error { return t.client.Close() }

// toMessage converts a stream entry. Entries without a sender still become
// messages so the agent can skip and acknowledge them.
func toMessage(m redis.XMessage) agent.Message {
	msg := agent.Message{ID: m.ID, ReceivedAt: entryTime(m.ID)}
	if v, ok := m.Values[FieldSender].(string); ok {
		msg.Sender = v
	}
	if v, ok := m.Values[FieldText].(string); ok {
		msg.Text = v
	}
	return msg
}

// entryTime reads the millisecond timestamp in a stream entry id.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMilli(n).UTC()
}
