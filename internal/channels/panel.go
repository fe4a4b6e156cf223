package channels

import (
	"context"

	"mirra/internal/persona"
)

// Button action tags carried end-to-end through button events. The persona a
// button refers to travels as a typed id, never as a display label.
const (
	ActionSelectPersona        = "select_persona"
	ActionToggleDeepWork       = "toggle_deepwork"
	ActionToggleGlobalDeepWork = "toggle_global_deepwork"
	ActionTogglePersonaBlock   = "toggle_persona_block"
)

// Button is one interactive control on a panel.
type Button struct {
	Label   string     `json:"label"`
	Action  string     `json:"action"`
	Persona persona.ID `json:"persona,omitempty"`
}

// Panel is a rich message card with interactive buttons.
type Panel struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Buttons []Button `json:"buttons,omitempty"`
}

// PanelMessenger is implemented by gateways whose platform can render panels.
// Callers fall back to plain text when the messenger cannot.
type PanelMessenger interface {
	SendPanel(ctx context.Context, channelID string, panel Panel) error
}

// SendPanelOrText delivers a panel, degrading to the title and body as plain
// text when m has no panel support.
func SendPanelOrText(ctx context.Context, m Messenger, channelID string, panel Panel) error {
	if pm, ok := m.(PanelMessenger); ok {
		return pm.SendPanel(ctx, channelID, panel)
	}
	text := panel.Title
	if panel.Body != "" {
		text += "\n" + panel.Body
	}
	return SendChunked(ctx, m, channelID, text)
}
