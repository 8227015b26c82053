package config

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Language is one configured output language together with its device port
type Language struct {
	Code          string
	Name          string
	TranslateCode string // code sent to the translation provider
	Voice         string // optional TTS voice
	Port          int
}

// ValidateLanguageCode reports whether code is a well-formed BCP 47 language tag
func ValidateLanguageCode(code string) error {
	if code == "" {
		return fmt.Errorf("empty language code")
	}
	tag, err := language.Parse(code)
	if err != nil {
		return fmt.Errorf("invalid language code %q: %w", code, err)
	}
	if tag == language.Und {
		return fmt.Errorf("undetermined language code %q", code)
	}
	return nil
}

// DisplayName returns the English name for a language code, or the code itself
func DisplayName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

// LanguagePlan returns the configured languages in port order.
// Ports are deterministic: BasePort + index.
func (c *Config) LanguagePlan() []Language {
	plan := make([]Language, 0, len(c.Languages))
	for i, code := range c.Languages {
		lang := Language{
			Code:          code,
			Name:          DisplayName(code),
			TranslateCode: code,
			Port:          c.BasePort + i,
		}
		if entry, ok := c.catalogue[code]; ok {
			if entry.Name != "" {
				lang.Name = entry.Name
			}
			if entry.TranslateCode != "" {
				lang.TranslateCode = entry.TranslateCode
			}
			lang.Voice = entry.Voice
		}
		plan = append(plan, lang)
	}
	return plan
}

// HasLanguage reports whether code is one of the configured output languages
func (c *Config) HasLanguage(code string) bool {
	for _, l := range c.Languages {
		if l == code {
			return true
		}
	}
	return false
}
