package redisstream

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestToMessage(t *testing.T) {
	m := toMessage(redis.XMessage{
		ID:     "1768903200000-0",
		Values: map[string]any{FieldSender: "0xalice", FieldText: "get r-1"},
	})
	assert.Equal(t, "1768903200000-0", m.ID)
	assert.Equal(t, "0xalice", m.Sender)
	assert.Equal(t, "get r-1", m.Text)
	assert.Equal(t, time.UnixMilli(1768903200000).UTC(), m.ReceivedAt)
}

func TestToMessageMissingFields(t *testing.T) {
	m := toMessage(redis.XMessage{ID: "5-1", Values: map[string]any{"other": 1}})
	assert.Empty(t, m.Sender)
	assert.Empty(t, m.Text)
}

func TestNewDefaults(t *testing.T) {
	tr := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Options{StreamIn: "in", Self: "agent-1"})
	defer tr.Close()
	assert.Equal(t, "agent-1", tr.opts.Consumer)
	assert.Equal(t, 5*time.Second, tr.opts.Block)
	assert.Equal(t, "agent-1", tr.Self())
}
