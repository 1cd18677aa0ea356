// Package console is an agent transport over a line-oriented reader and a
// writer, normally stdin and stdout. Every line comes from one local sender.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/isomw/proofgate/pkg/agent"
)

// Sender is the address console messages are attributed to.
const Sender = "console"

type Transport struct {
	in    io.Reader
	out   io.Writer
	self  string
	once  sync.Once
	lines chan string
	errc  chan error
	mu    sync.Mutex
	seq   int
}

func New(in io.Reader, out io.Writer, self string) *Transport {
	return &Transport{in: in, out: out, self: self}
}

func (t *Transport) Self() string { return t.self }

// pump reads lines in the background so Receive can honor ctx.
func (t *Transport) pump() {
	t.lines = make(chan string)
	t.errc = make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(t.in)
		for sc.Scan() {
			t.lines <- sc.Text()
		}
		if err := sc.Err(); err != nil {
			t.errc <- err
		}
		close(t.lines)
	}()
}

func (t *Transport) Receive(ctx context.Context) (agent.Message, error) {
	t.once.Do(t.pump)
	for {
		select {
		case <-ctx.Done():
			return agent.Message{}, ctx.Err()
		case err := <-t.errc:
			return agent.Message{}, fmt.Errorf("console: %w", err)
		case line, ok := <-t.lines:
			if !ok {
				return agent.Message{}, agent.ErrClosed
			}
			if line == "" {
				continue
			}
			t.mu.Lock()
			t.seq++
			id := strconv.Itoa(t.seq)
			t.mu.Unlock()
			return agent.Message{ID: id, Sender: Sender, Text: line, ReceivedAt: time.Now().UTC()}, nil
		}
	}
}

func (t *Transport) Send(_ context.Context, _ string, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.out, "%s\n\n", text)
	return err
}
