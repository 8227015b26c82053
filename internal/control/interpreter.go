package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/lexiqai/livecaption/internal/config"
	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/session"
)

// Session is the part of the session manager the operator can drive
type Session interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	TogglePause(ctx context.Context) (session.State, error)
	SetSourceLanguage(ctx context.Context, code string) error
}

// TalkMarker broadcasts a new-talk marker; the translation dispatcher implements it
type TalkMarker interface {
	NewTalk() int
}

// Interpreter is the single consumer of the command queue
type Interpreter struct {
	session Session
	talks   TalkMarker
	quit    func()
	out     io.Writer
	logger  zerolog.Logger
}

// NewInterpreter creates an interpreter. quit is called once when a quit command arrives.
func NewInterpreter(s Session, talks TalkMarker, quit func()) *Interpreter {
	return &Interpreter{
		session: s,
		talks:   talks,
		quit:    quit,
		out:     os.Stdout,
		logger:  observability.Component("control"),
	}
}

// SetOutput redirects operator feedback
func (i *Interpreter) SetOutput(w io.Writer) {
	i.out = w
}

// Run applies commands in arrival order until ctx ends, cmds closes or a quit arrives
func (i *Interpreter) Run(ctx context.Context, cmds <-chan Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			if cmd.Kind == KindQuit {
				fmt.Fprintln(i.out, "Quitting...")
				i.logger.Info().Msg("Quit requested by operator")
				if i.quit != nil {
					i.quit()
				}
				return
			}
			if err := i.apply(ctx, cmd); err != nil {
				if errors.Is(err, session.ErrStopped) {
					i.logger.Warn().Str("command", cmd.Kind.String()).Msg("Session already stopped")
					continue
				}
				i.logger.Error().Err(err).Str("command", cmd.Kind.String()).Msg("Command failed")
			}
		}
	}
}

func (i *Interpreter) apply(ctx context.Context, cmd Command) error {
	i.logger.Debug().Str("command", cmd.Kind.String()).Str("language", cmd.Language).Msg("Applying command")

	switch cmd.Kind {
	case KindPause:
		if err := i.session.Pause(ctx); err != nil {
			return err
		}
		fmt.Fprintln(i.out, "Transcription paused")
	case KindResume:
		if err := i.session.Resume(ctx); err != nil {
			return err
		}
		fmt.Fprintln(i.out, "Transcription resumed")
	case KindTogglePause:
		state, err := i.session.TogglePause(ctx)
		if err != nil {
			return err
		}
		if state == session.StatePaused {
			fmt.Fprintln(i.out, "Transcription paused")
		} else {
			fmt.Fprintln(i.out, "Transcription resumed")
		}
	case KindNewTalk:
		n := i.talks.NewTalk()
		fmt.Fprintf(i.out, "New Talk marker sent to %d subscribers\n", n)
	case KindSwitchLanguage:
		if err := i.session.SetSourceLanguage(ctx, cmd.Language); err != nil {
			return err
		}
		fmt.Fprintf(i.out, "Switching transcription to: %s\n", config.DisplayName(cmd.Language))
	default:
		return fmt.Errorf("unhandled command %s", cmd.Kind)
	}
	return nil
}
