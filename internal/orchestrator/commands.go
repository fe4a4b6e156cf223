package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mirra/internal/channels"
	"mirra/internal/persona"
	"mirra/internal/policy"
)

const commandPrefix = "+"

const helpText = `**Mirra relay commands**
+toggle — enable or disable the relay in this channel
+clear — wipe this channel's conversation history
+ping — measure gateway round-trip latency
+settings — this channel's settings panel
+models — choose the persona bound to this channel
+admin — persona availability and global switches
+status — relay and backend health for this channel
+uptime — 30-day backend stability heatmap
+help — this message

Personas marked unavailable were blocked by an operator; channels bound to a
blocked persona are moved to the first available one automatically.`

// latencyReporter is implemented by gateways that measure their own transport
// round trip. Without it +ping degrades to a plain acknowledgement.
type latencyReporter interface {
	Latency() time.Duration
}

type commandFunc func(ctx context.Context, channelID string, snap Session, pv policyView) error

// commandHandler resolves a trimmed, lowercased message to its handler.
// Unknown command-shaped tokens return false and are dropped by the caller.
func (o *Orchestrator) commandHandler(token string) (commandFunc, bool) {
	switch token {
	case "+toggle":
		return o.cmdToggle, true
	case "+clear":
		return o.cmdClear, true
	case "+ping":
		return o.cmdPing, true
	case "+settings":
		return o.cmdSettings, true
	case "+models":
		return o.cmdModels, true
	case "+admin":
		return o.cmdAdmin, true
	case "+status":
		return o.cmdStatus, true
	case "+uptime":
		return o.cmdUptime, true
	case "+help":
		return o.cmdHelp, true
	default:
		return nil, false
	}
}

func (o *Orchestrator) cmdToggle(ctx context.Context, channelID string, _ Session, _ policyView) error {
	lock := o.ChannelLock(channelID)
	lock.Lock()
	sess, _ := o.session(channelID)
	sess.Settings.Enabled = !sess.Settings.Enabled
	enabled := sess.Settings.Enabled
	lock.Unlock()

	o.persist()
	o.logger.Info("Channel %s enabled=%v", channelID, enabled)

	text := "✅ Relay enabled in this channel."
	if !enabled {
		o.simulator.Cancel(channelID)
		text = "💤 Relay disabled in this channel."
	}
	return o.messenger.Send(ctx, channelID, text)
}

func (o *Orchestrator) cmdClear(ctx context.Context, channelID string, _ Session, _ policyView) error {
	lock := o.ChannelLock(channelID)
	lock.Lock()
	sess, _ := o.session(channelID)
	sess.History = nil
	lock.Unlock()

	o.logger.Info("History cleared for channel %s", channelID)
	return o.messenger.Send(ctx, channelID, "🧹 Conversation history cleared.")
}

func (o *Orchestrator) cmdPing(ctx context.Context, channelID string, _ Session, _ policyView) error {
	if reporter, ok := o.messenger.(latencyReporter); ok {
		return o.messenger.Send(ctx, channelID,
			fmt.Sprintf("🏓 Pong! Gateway latency: %dms", reporter.Latency().Milliseconds()))
	}
	return o.messenger.Send(ctx, channelID, "🏓 Pong!")
}

func (o *Orchestrator) cmdSettings(ctx context.Context, channelID string, snap Session, pv policyView) error {
	display := string(snap.Settings.Persona)
	if spec, ok := persona.Lookup(snap.Settings.Persona); ok {
		display = spec.DisplayName
	}

	deepWork := "off"
	if snap.Settings.DeepWork {
		deepWork = "on"
	}
	if !pv.deepWorkAllowed {
		deepWork += " (globally disallowed)"
	}

	panel := channels.Panel{
		Title: "⚙️ Channel settings",
		Body: fmt.Sprintf("Enabled: %v\nPersona: %s\nDeep work: %s",
			snap.Settings.Enabled, display, deepWork),
		Buttons: []channels.Button{
			{Label: "Toggle deep work", Action: channels.ActionToggleDeepWork},
		},
	}
	return channels.SendPanelOrText(ctx, o.messenger, channelID, panel)
}

func (o *Orchestrator) cmdModels(ctx context.Context, channelID string, snap Session, pv policyView) error {
	var body strings.Builder
	var buttons []channels.Button
	for _, spec := range persona.Catalog() {
		marker := "  "
		if spec.ID == snap.Settings.Persona {
			marker = "▶ "
		}
		label := spec.DisplayName
		if pv.blocked[spec.ID] {
			label += " (unavailable)"
		}
		fmt.Fprintf(&body, "%s%s\n", marker, label)
		buttons = append(buttons, channels.Button{
			Label:   label,
			Action:  channels.ActionSelectPersona,
			Persona: spec.ID,
		})
	}
	panel := channels.Panel{
		Title:   "🤖 Personas",
		Body:    strings.TrimRight(body.String(), "\n"),
		Buttons: buttons,
	}
	return channels.SendPanelOrText(ctx, o.messenger, channelID, panel)
}

func (o *Orchestrator) cmdAdmin(ctx context.Context, channelID string, _ Session, pv policyView) error {
	var body strings.Builder
	var buttons []channels.Button
	for _, spec := range persona.Catalog() {
		state := "available"
		verb := "Block"
		if pv.blocked[spec.ID] {
			state = "blocked"
			verb = "Unblock"
		}
		fmt.Fprintf(&body, "%s: %s\n", spec.DisplayName, state)
		buttons = append(buttons, channels.Button{
			Label:   fmt.Sprintf("%s %s", verb, spec.DisplayName),
			Action:  channels.ActionTogglePersonaBlock,
			Persona: spec.ID,
		})
	}
	deepWork := "allowed"
	if !pv.deepWorkAllowed {
		deepWork = "disallowed"
	}
	fmt.Fprintf(&body, "Deep work globally: %s", deepWork)
	buttons = append(buttons, channels.Button{
		Label:  "Toggle global deep work",
		Action: channels.ActionToggleGlobalDeepWork,
	})

	panel := channels.Panel{
		Title:   "🛠️ Administration",
		Body:    body.String(),
		Buttons: buttons,
	}
	return channels.SendPanelOrText(ctx, o.messenger, channelID, panel)
}

func (o *Orchestrator) cmdStatus(ctx context.Context, channelID string, snap Session, _ policyView) error {
	display := string(snap.Settings.Persona)
	if spec, ok := persona.Lookup(snap.Settings.Persona); ok {
		display = spec.DisplayName
	}

	backend := "unknown (no probe available)"
	if o.prober != nil {
		if o.prober.Probe(ctx) {
			backend = "reachable ✅"
		} else {
			backend = "unreachable ❌"
		}
	}

	text := fmt.Sprintf("📊 **Status**\nEnabled: %v\nPersona: %s\nBackend: %s\nUp for: %s",
		snap.Settings.Enabled, display, backend, o.Uptime().Round(time.Second))
	return o.messenger.Send(ctx, channelID, text)
}

func (o *Orchestrator) cmdUptime(ctx context.Context, channelID string, _ Session, _ policyView) error {
	history := o.policy.UptimeHistory(30)
	return o.messenger.Send(ctx, channelID, renderUptimeHeatmap(history))
}

func (o *Orchestrator) cmdHelp(ctx context.Context, channelID string, _ Session, _ policyView) error {
	return o.messenger.Send(ctx, channelID, helpText)
}

func severityEmoji(s policy.Severity) string {
	switch s {
	case policy.SeverityStable:
		return "🟩"
	case policy.SeverityDegraded:
		return "🟨"
	case policy.SeverityImpaired:
		return "🟧"
	default:
		return "🟥"
	}
}

// renderUptimeHeatmap draws one cell per day, oldest first, in rows of ten.
func renderUptimeHeatmap(history []policy.DayStatus) string {
	var sb strings.Builder
	sb.WriteString("📈 **Backend stability, last 30 days**\n")
	for i, day := range history {
		sb.WriteString(severityEmoji(day.Severity))
		if (i+1)%10 == 0 {
			sb.WriteString("\n")
		}
	}
	if len(history)%10 != 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("🟩 stable · 🟨 degraded · 🟧 impaired · 🟥 critical")
	return sb.String()
}

// ButtonEvent is one inbound button interaction from a panel.
type ButtonEvent struct {
	ChannelID string
	Action    string
	Persona   persona.ID
}

// HandleButton funnels panel interactions into the same mutations the
// commands use. Policy mutations run without any channel lock held; the
// controller takes channel locks itself during fan-out.
func (o *Orchestrator) HandleButton(ctx context.Context, ev ButtonEvent) error {
	switch ev.Action {
	case channels.ActionSelectPersona:
		return o.selectPersona(ctx, ev.ChannelID, ev.Persona)
	case channels.ActionToggleDeepWork:
		return o.toggleDeepWork(ctx, ev.ChannelID)
	case channels.ActionToggleGlobalDeepWork:
		allowed := !o.policy.DeepWorkAllowed()
		o.policy.SetDeepWorkAllowed(allowed)
		state := "allowed"
		if !allowed {
			state = "disallowed"
		}
		return o.messenger.Send(ctx, ev.ChannelID, "🌐 Deep work is now globally "+state+".")
	case channels.ActionTogglePersonaBlock:
		spec, ok := persona.Lookup(ev.Persona)
		if !ok {
			o.logger.Warn("Block toggle for unknown persona %q ignored", ev.Persona)
			return nil
		}
		blocked := !o.policy.IsBlocked(spec.ID)
		o.policy.SetPersonaBlocked(spec.ID, blocked)
		state := "blocked"
		if !blocked {
			state = "unblocked"
		}
		return o.messenger.Send(ctx, ev.ChannelID,
			fmt.Sprintf("🛠️ %s is now %s.", spec.DisplayName, state))
	default:
		o.logger.Debug("Unknown button action %q ignored", ev.Action)
		return nil
	}
}

func (o *Orchestrator) selectPersona(ctx context.Context, channelID string, id persona.ID) error {
	spec, ok := persona.Lookup(id)
	if !ok {
		o.logger.Warn("Persona selection for unknown id %q ignored", id)
		return nil
	}
	if o.policy.IsBlocked(id) {
		return o.messenger.Send(ctx, channelID,
			fmt.Sprintf("🚫 %s is currently unavailable.", spec.DisplayName))
	}

	lock := o.ChannelLock(channelID)
	lock.Lock()
	sess, _ := o.session(channelID)
	sess.Settings.Persona = id
	lock.Unlock()

	o.persist()
	o.logger.Info("Channel %s bound to persona %s", channelID, id)
	return o.messenger.Send(ctx, channelID,
		fmt.Sprintf("🤖 This channel now talks to %s.", spec.DisplayName))
}

func (o *Orchestrator) toggleDeepWork(ctx context.Context, channelID string) error {
	if !o.policy.DeepWorkAllowed() {
		return o.messenger.Send(ctx, channelID,
			"🚫 Deep work is globally disallowed right now.")
	}

	lock := o.ChannelLock(channelID)
	lock.Lock()
	sess, _ := o.session(channelID)
	sess.Settings.DeepWork = !sess.Settings.DeepWork
	enabled := sess.Settings.DeepWork
	lock.Unlock()

	o.persist()
	state := "on"
	if !enabled {
		state = "off"
	}
	return o.messenger.Send(ctx, channelID, "🧠 Deep work is now "+state+" for this channel.")
}
