package orchestrator

import "strings"

var mentionReplacer = strings.NewReplacer(
	"@everyone", "(NULL)",
	"@here", "(NULL)",
)

// Sanitize neutralizes channel-wide mentions in generated text. The result is
// what gets recorded in history and delivered, so the raw form never survives.
func Sanitize(text string) string {
	return mentionReplacer.Replace(text)
}
