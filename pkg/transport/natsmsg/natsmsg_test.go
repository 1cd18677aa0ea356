package natsmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "proofgate.outbox.0xabc", ReplySubject("proofgate.outbox.", "0xabc"))
	assert.Equal(t, "out.alice_example_com", ReplySubject("out.", "alice.example.com"))
	assert.Equal(t, "out.a__b_c", ReplySubject("out.", "a*>b c"))
}

func TestDecode(t *testing.T) {
	m, err := decode([]byte(`{"id":"m1","from":"0xalice","text":"list 3","sent_at":"2026-01-20T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "0xalice", m.Sender)
	assert.Equal(t, "list 3", m.Text)
	assert.Equal(t, 2026, m.ReceivedAt.Year())
}

func TestDecodeFillsIDAndTime(t *testing.T) {
	m, err := decode([]byte(`{"from":"0xalice","text":"help"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.ReceivedAt.IsZero())
}

func TestDecodeRejects(t *testing.T) {
	_, err := decode([]byte(`not json`))
	assert.Error(t, err)
	_, err = decode([]byte(`{"text":"help"}`))
	assert.Error(t, err)
}
