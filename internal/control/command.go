// Package control turns operator input into commands and applies them to the
// running session and broadcast hub from a single consumer goroutine.
package control

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand is returned for tokens that are neither commands nor configured languages
var ErrUnknownCommand = errors.New("unknown command or language code")

// Kind of operator command
type Kind int

const (
	KindPause Kind = iota
	KindResume
	KindTogglePause
	KindNewTalk
	KindSwitchLanguage
	KindQuit
)

func (k Kind) String() string {
	switch k {
	case KindPause:
		return "pause"
	case KindResume:
		return "resume"
	case KindTogglePause:
		return "toggle_pause"
	case KindNewTalk:
		return "new_talk"
	case KindSwitchLanguage:
		return "switch_language"
	case KindQuit:
		return "quit"
	}
	return "unknown"
}

// Command is one operator instruction. Language is set for KindSwitchLanguage.
type Command struct {
	Kind     Kind
	Language string
}

// Parser maps console tokens to commands
type Parser struct {
	languages []string
	known     map[string]bool
}

// NewParser creates a parser accepting the given language codes as source switches
func NewParser(languages []string) *Parser {
	p := &Parser{known: make(map[string]bool, len(languages))}
	for _, code := range languages {
		code = strings.ToLower(code)
		if !p.known[code] {
			p.known[code] = true
			p.languages = append(p.languages, code)
		}
	}
	return p
}

// Parse maps one token: q|quit, nt|new, p, pause, resume or a configured language code
func (p *Parser) Parse(token string) (Command, error) {
	token = strings.ToLower(strings.TrimSpace(token))
	switch token {
	case "q", "quit", "exit":
		return Command{Kind: KindQuit}, nil
	case "nt", "new":
		return Command{Kind: KindNewTalk}, nil
	case "p":
		return Command{Kind: KindTogglePause}, nil
	case "pause":
		return Command{Kind: KindPause}, nil
	case "resume":
		return Command{Kind: KindResume}, nil
	}
	if p.known[token] {
		return Command{Kind: KindSwitchLanguage, Language: token}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, token)
}

// Languages returns the accepted language codes in configuration order
func (p *Parser) Languages() []string {
	out := make([]string, len(p.languages))
	copy(out, p.languages)
	return out
}

// Usage is the one-line help printed by the console
func (p *Parser) Usage() string {
	return fmt.Sprintf("Commands: 'q' to quit, 'nt' for New Talk, 'p' pause/resume, or a language code to switch transcription (%s)",
		strings.Join(p.languages, ", "))
}
