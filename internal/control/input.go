package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"

	"github.com/lexiqai/livecaption/internal/config"
)

// Source produces operator commands until ctx ends, input ends or a quit is sent
type Source interface {
	Run(ctx context.Context, cmds chan<- Command) error
}

// submit parses one line and queues the command; it reports whether the line was a quit
func submit(ctx context.Context, parser *Parser, line string, cmds chan<- Command, out io.Writer) (bool, error) {
	if strings.TrimSpace(line) == "" {
		return false, nil
	}
	cmd, err := parser.Parse(line)
	if err != nil {
		fmt.Fprintln(out, err)
		return false, nil
	}
	select {
	case cmds <- cmd:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return cmd.Kind == KindQuit, nil
}

// LineSource reads one command per line from a plain reader (a pipe or a FIFO)
type LineSource struct {
	parser *Parser
	reader io.Reader
	out    io.Writer
}

// NewLineSource creates a line-oriented command source
func NewLineSource(parser *Parser, r io.Reader, out io.Writer) *LineSource {
	if out == nil {
		out = os.Stdout
	}
	return &LineSource{parser: parser, reader: r, out: out}
}

// Run reads lines until EOF, a quit command or ctx cancellation
func (s *LineSource) Run(ctx context.Context, cmds chan<- Command) error {
	fmt.Fprintln(s.out, s.parser.Usage())
	scanner := bufio.NewScanner(s.reader)
	for scanner.Scan() {
		quit, err := submit(ctx, s.parser, scanner.Text(), cmds, s.out)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if quit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read operator input: %w", err)
	}
	return nil
}

// Console is the interactive operator prompt with command and language completion.
// The prompt reads the controlling terminal, so raw audio may still arrive on stdin.
type Console struct {
	parser *Parser
	out    io.Writer
}

// NewConsole creates an interactive console
func NewConsole(parser *Parser) *Console {
	return &Console{parser: parser, out: os.Stdout}
}

// Run prompts until a quit command or ctx cancellation. A prompt already
// waiting for input when ctx ends returns after the next line.
func (c *Console) Run(ctx context.Context, cmds chan<- Command) error {
	fmt.Fprintln(c.out, c.parser.Usage())
	for {
		line := prompt.Input("> ", c.complete,
			prompt.OptionTitle("livecaption"),
			prompt.OptionMaxSuggestion(8),
		)
		if ctx.Err() != nil {
			return nil
		}
		quit, err := submit(ctx, c.parser, line, cmds, c.out)
		if err != nil {
			return nil
		}
		if quit {
			return nil
		}
	}
}

func (c *Console) complete(d prompt.Document) []prompt.Suggest {
	return prompt.FilterHasPrefix(c.suggestions(), d.GetWordBeforeCursor(), true)
}

func (c *Console) suggestions() []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "nt", Description: "Send a New Talk marker"},
		{Text: "p", Description: "Pause or resume transcription"},
		{Text: "q", Description: "Quit"},
	}
	for _, code := range c.parser.Languages() {
		s = append(s, prompt.Suggest{Text: code, Description: "Transcribe " + config.DisplayName(code)})
	}
	return s
}
