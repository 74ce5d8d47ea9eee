// Package console is the interactive terminal channel.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/service"
)

const (
	channelName = "console"
	prompt      = "\n>> "
	goodbye     = "Goodbye!"
)

const banner = `╔══════════════════════════════════════╗
║      █████╗ ██╗██╗   ██╗ █████╗      ║
║     ██╔══██╗██║██║   ██║██╔══██╗     ║
║     ███████║██║██║   ██║███████║     ║
║     ██╔══██║██║╚██╗ ██╔╝██╔══██║     ║
║     ██║  ██║██║ ╚████╔╝ ██║  ██║     ║
║     ╚═╝  ╚═╝╚═╝  ╚═══╝  ╚═╝  ╚═╝     ║
║                                      ║
║    AI Virtual Assistant - v1.0.0     ║
╚══════════════════════════════════════╝
Type /help for commands`

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Submitter runs turns.
type Submitter interface {
	Submit(ctx context.Context, ev domain.InboundEvent, opts ...service.SubmitOption) (*domain.TurnResult, error)
}

// Options configures a Console.
type Options struct {
	ConversationID string
	// Spinner animates while a turn runs. Leave off when out is not a terminal.
	Spinner bool
	Logger  *zap.Logger
}

// Console reads one message per line and prints each reply.
type Console struct {
	svc  Submitter
	in   io.Reader
	out  io.Writer
	opts Options
}

// New creates a console over in and out.
func New(svc Submitter, in io.Reader, out io.Writer, opts Options) *Console {
	if opts.ConversationID == "" {
		opts.ConversationID = "console"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Console{svc: svc, in: in, out: out, opts: opts}
}

// Run loops until the user quits, input ends or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(c.out, banner)
	for {
		fmt.Fprint(c.out, prompt)

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintf(c.out, "\n%s\n", goodbye)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			fmt.Fprintf(c.out, "\n%s\n", goodbye)
			select {
			case err := <-readErr:
				return err
			default:
				return nil
			}
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		res, err := c.submit(ctx, line)
		if err != nil {
			c.opts.Logger.Warn("console submit failed", zap.Error(err))
			continue
		}
		if res.Action == domain.TurnActionQuit {
			fmt.Fprintf(c.out, "\n%s\n", goodbye)
			return nil
		}
		if reply := res.Reply(); reply != "" {
			fmt.Fprintf(c.out, "\n── AIVA ────────────\n%s\n────────────────────\n", reply)
		}
	}
}

func (c *Console) submit(ctx context.Context, line string) (*domain.TurnResult, error) {
	if !c.opts.Spinner {
		return c.svc.Submit(ctx, c.event(line))
	}
	stop := c.spin()
	defer stop()
	return c.svc.Submit(ctx, c.event(line))
}

func (c *Console) event(line string) domain.InboundEvent {
	return domain.InboundEvent{ConversationID: c.opts.ConversationID, Channel: channelName, Text: line}
}

// spin animates until the returned func is called.
func (c *Console) spin() func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			fmt.Fprintf(c.out, "\r\033[K%s Thinking%s", spinnerFrames[i%len(spinnerFrames)], strings.Repeat(".", 1+i%3))
			select {
			case <-done:
				fmt.Fprint(c.out, "\r\033[K")
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
