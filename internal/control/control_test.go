package control

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"github.com/lexiqai/livecaption/internal/session"
)

func TestParser_Parse(t *testing.T) {
	p := NewParser([]string{"en", "es", "fr"})

	tests := []struct {
		token    string
		kind     Kind
		language string
		wantErr  bool
	}{
		{"q", KindQuit, "", false},
		{"quit", KindQuit, "", false},
		{"nt", KindNewTalk, "", false},
		{"new", KindNewTalk, "", false},
		{"p", KindTogglePause, "", false},
		{"pause", KindPause, "", false},
		{"resume", KindResume, "", false},
		{" ES ", KindSwitchLanguage, "es", false},
		{"fr", KindSwitchLanguage, "fr", false},
		{"de", 0, "", true},
		{"hello", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			cmd, err := p.Parse(tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownCommand) {
					t.Errorf("Expected ErrUnknownCommand, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if cmd.Kind != tt.kind || cmd.Language != tt.language {
				t.Errorf("Expected %s/%q, got %s/%q", tt.kind, tt.language, cmd.Kind, cmd.Language)
			}
		})
	}
}

type fakeSession struct {
	mu       sync.Mutex
	calls    []string
	paused   bool
	language string
	err      error
}

func (f *fakeSession) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeSession) Pause(context.Context) error {
	f.paused = true
	return f.record("pause")
}

func (f *fakeSession) Resume(context.Context) error {
	f.paused = false
	return f.record("resume")
}

func (f *fakeSession) TogglePause(context.Context) (session.State, error) {
	f.paused = !f.paused
	if err := f.record("toggle"); err != nil {
		return session.StateStopped, err
	}
	if f.paused {
		return session.StatePaused, nil
	}
	return session.StateStreaming, nil
}

func (f *fakeSession) SetSourceLanguage(_ context.Context, code string) error {
	f.language = code
	return f.record("language:" + code)
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeTalks struct{ count int }

func (f *fakeTalks) NewTalk() int {
	f.count++
	return 3
}

func TestInterpreter_AppliesCommandsInOrder(t *testing.T) {
	s := &fakeSession{}
	talks := &fakeTalks{}
	quitCalled := false
	interp := NewInterpreter(s, talks, func() { quitCalled = true })
	var out bytes.Buffer
	interp.SetOutput(&out)

	cmds := make(chan Command, 8)
	cmds <- Command{Kind: KindTogglePause}
	cmds <- Command{Kind: KindTogglePause}
	cmds <- Command{Kind: KindSwitchLanguage, Language: "es"}
	cmds <- Command{Kind: KindNewTalk}
	cmds <- Command{Kind: KindQuit}
	cmds <- Command{Kind: KindPause} // after quit, never applied

	done := make(chan struct{})
	go func() {
		interp.Run(context.Background(), cmds)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Interpreter did not stop on quit")
	}

	expected := []string{"toggle", "toggle", "language:es"}
	calls := s.Calls()
	if len(calls) != len(expected) {
		t.Fatalf("Expected calls %v, got %v", expected, calls)
	}
	for i := range expected {
		if calls[i] != expected[i] {
			t.Errorf("Expected call %d to be %s, got %s", i, expected[i], calls[i])
		}
	}
	if talks.count != 1 {
		t.Errorf("Expected 1 new talk, got %d", talks.count)
	}
	if !quitCalled {
		t.Error("Expected quit callback")
	}
	for _, want := range []string{"Transcription paused", "Transcription resumed", "Switching transcription to: Spanish", "New Talk marker sent to 3 subscribers"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected output to contain %q, got %q", want, out.String())
		}
	}
}

func TestInterpreter_StoppedSessionKeepsRunning(t *testing.T) {
	s := &fakeSession{err: session.ErrStopped}
	interp := NewInterpreter(s, &fakeTalks{}, nil)
	interp.SetOutput(&bytes.Buffer{})

	cmds := make(chan Command, 2)
	cmds <- Command{Kind: KindPause}
	cmds <- Command{Kind: KindResume}
	close(cmds)

	interp.Run(context.Background(), cmds)
	if len(s.Calls()) != 2 {
		t.Errorf("Expected both commands attempted, got %v", s.Calls())
	}
}

func TestLineSource_Run(t *testing.T) {
	p := NewParser([]string{"en", "es"})
	var out bytes.Buffer
	src := NewLineSource(p, strings.NewReader("p\n\nbogus\nes\nq\nnt\n"), &out)

	cmds := make(chan Command, 8)
	if err := src.Run(context.Background(), cmds); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	close(cmds)

	var got []Command
	for cmd := range cmds {
		got = append(got, cmd)
	}
	expected := []Command{{Kind: KindTogglePause}, {Kind: KindSwitchLanguage, Language: "es"}, {Kind: KindQuit}}
	if len(got) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Expected %v at %d, got %v", expected[i], i, got[i])
		}
	}
	if !strings.Contains(out.String(), "bogus") {
		t.Errorf("Expected unknown token to be reported, got %q", out.String())
	}
}

func TestLineSource_CancelledWhileQueueFull(t *testing.T) {
	p := NewParser([]string{"en"})
	src := NewLineSource(p, strings.NewReader("p\np\n"), &bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cmds := make(chan Command) // nobody reads
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := src.Run(ctx, cmds); err != nil {
		t.Errorf("Expected nil on cancellation, got %v", err)
	}
}

func TestConsole_Suggestions(t *testing.T) {
	c := NewConsole(NewParser([]string{"en", "es"}))

	got := prompt.FilterHasPrefix(c.suggestions(), "e", true)
	if len(got) != 2 {
		t.Fatalf("Expected 2 suggestions for 'e', got %v", got)
	}
	if got[1].Text != "es" || got[1].Description != "Transcribe Spanish" {
		t.Errorf("Unexpected suggestion %+v", got[1])
	}
}
