// Package translate turns final source segments into per-language messages,
// calling the translation provider only for languages someone is listening to.
package translate

import (
	"context"
	"fmt"
	"strings"
)

// Translator translates a single text
type Translator interface {
	// Translate renders text from source into target; codes are provider codes
	Translate(ctx context.Context, text, source, target string) (string, error)

	// Name identifies the provider in logs and metrics
	Name() string
}

// StubTranslator tags text with the target code. Used for local runs without a provider.
type StubTranslator struct{}

// Translate implements Translator
func (StubTranslator) Translate(_ context.Context, text, _, target string) (string, error) {
	return fmt.Sprintf("[%s] %s", strings.ToLower(target), text), nil
}

// Name implements Translator
func (StubTranslator) Name() string { return "stub" }
