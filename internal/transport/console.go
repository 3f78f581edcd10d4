package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Console is a Transport that reads lines from stdin and writes
// responses to stdout, useful for local development and the test
// battery in internal/evaluation.
type Console struct {
	sender string
	out    io.Writer

	mu      sync.Mutex
	scanner *bufio.Scanner
}

// NewConsole builds a Console transport reading from stdin and
// writing to stdout. sender is the synthetic sender name attached to
// every line read.
func NewConsole(sender string) *Console {
	return NewConsoleIO(sender, os.Stdin, os.Stdout)
}

// NewConsoleIO builds a Console transport over explicit reader/writer,
// for tests and embedding in non-terminal contexts.
func NewConsoleIO(sender string, in io.Reader, out io.Writer) *Console {
	return &Console{sender: sender, out: out, scanner: bufio.NewScanner(in)}
}

func (c *Console) Name() string { return "console" }

// Poll blocks on a single stdin line read (bufio.Scanner.Scan blocks
// until input or EOF). It does not observe ctx: cancellation does not
// interrupt a pending read, and Poll returns io.EOF once input ends.
func (c *Console) Poll(ctx context.Context) ([]Inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	return []Inbound{{Sender: c.sender, Content: c.scanner.Text(), Timestamp: time.Now()}}, nil
}

func (c *Console) Send(ctx context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s: %s\n", recipient, text)
	return err
}

func (c *Console) Close() error { return nil }
