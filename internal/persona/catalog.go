// Package persona defines the fixed catalog of personas a channel can be
// bound to. A persona is either real (served by the generation backend) or
// simulated (presence-only).
package persona

// ID identifies a persona. IDs are carried end-to-end through events and
// settings; display labels are derived from the ID, never the reverse.
type ID string

const (
	// MistralLarge is the primary real persona and the default binding for
	// newly seen channels.
	MistralLarge ID = "mistral-large"
	ClaudeOpus   ID = "claude-opus-4.5"
	GPTCodex     ID = "gpt-5.2-codex"
	GeminiPro    ID = "gemini-3-pro"
	// Realtime is the distinguished always-on persona: real generation with
	// the custom identity prompt, and an unbounded presence phase when it is
	// driven by the simulator.
	Realtime ID = "ssbaxys-realtime-1"
)

// Spec describes one catalog entry.
type Spec struct {
	ID           ID
	DisplayName  string
	BackendModel string
	Real         bool
}

// catalog is the fixed, ordered persona table. Order matters: blocked-persona
// fallback always picks the first unblocked entry in this order.
var catalog = []Spec{
	{ID: MistralLarge, DisplayName: "Mistral Large", BackendModel: "mistral-large-latest", Real: true},
	{ID: ClaudeOpus, DisplayName: "Claude Opus 4.5", BackendModel: "claude-opus-4.5-fake", Real: false},
	{ID: GPTCodex, DisplayName: "GPT-5.2 Codex", BackendModel: "gpt-5.2-fake", Real: false},
	{ID: GeminiPro, DisplayName: "Gemini 3 Pro", BackendModel: "gemini-3-pro-fake", Real: false},
	{ID: Realtime, DisplayName: "ssbaxys-realtime-1", BackendModel: "mistral-large-latest", Real: true},
}

// Default is the persona bound to channels on first sight.
const Default = MistralLarge

// Catalog returns the ordered persona table. Callers must not mutate the
// returned slice.
func Catalog() []Spec {
	return catalog
}

// Lookup returns the spec for id. The second return is false for unknown ids.
func Lookup(id ID) (Spec, bool) {
	for _, spec := range catalog {
		if spec.ID == id {
			return spec, true
		}
	}
	return Spec{}, false
}

// IsReal reports whether id maps to a real backend persona. Unknown ids are
// treated as simulated so they never reach the backend.
func IsReal(id ID) bool {
	spec, ok := Lookup(id)
	return ok && spec.Real
}

// FirstUnblocked returns the first catalog entry not present in blocked, in
// declaration order. The second return is false when every persona is blocked.
func FirstUnblocked(blocked map[ID]bool) (ID, bool) {
	for _, spec := range catalog {
		if !blocked[spec.ID] {
			return spec.ID, true
		}
	}
	return "", false
}
