package artifact

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// TimestampLayout gives artifact names second resolution.
const TimestampLayout = "20060102_150405"

// Name builds {model}_{sanitized_prompt}_{timestamp}.{ext}. Two jobs for the
// same model and prompt within one second get the same name.
func Name(model, prompt, ext string, now time.Time, maxPromptLen int) string {
	return fmt.Sprintf("%s_%s_%s.%s", model, SanitizePrompt(prompt, maxPromptLen), now.UTC().Format(TimestampLayout), strings.TrimPrefix(ext, "."))
}

// SanitizePrompt keeps letters, digits, spaces and underscores, trims, truncates
// to maxLen runes (0 = unbounded) and replaces spaces with underscores.
func SanitizePrompt(prompt string, maxLen int) string {
	var b strings.Builder
	for _, r := range prompt {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' {
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	if maxLen > 0 {
		if runes := []rune(s); len(runes) > maxLen {
			s = string(runes[:maxLen])
		}
	}
	return strings.ReplaceAll(s, " ", "_")
}
