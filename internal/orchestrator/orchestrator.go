// Package orchestrator is the per-channel state machine at the center of the
// relay: it routes inbound events to command handling, presence simulation,
// or real generation, and owns the conversation window.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mirra/internal/channels"
	"mirra/internal/llm"
	"mirra/internal/logging"
	"mirra/internal/observability"
	"mirra/internal/persona"
	"mirra/internal/policy"
	"mirra/internal/presence"
	"mirra/internal/prompt"
	"mirra/internal/settings"
)

const (
	// historyWindow bounds the conversation window per channel; the oldest
	// turns are evicted first.
	historyWindow = 15

	messageDedupCacheSize = 2048
	messageDedupTTL       = 10 * time.Minute

	typingRenewInterval = 9 * time.Second

	apologyText = "⚠️ The model is unreachable right now. Try again later."
)

// MessageEvent is one inbound chat message.
type MessageEvent struct {
	ChannelID   string
	MessageID   string
	AuthorID    string
	AuthorIsBot bool
	Content     string
}

// Session is the in-memory state for one channel. Contents are guarded by the
// channel's lock; the simulation slot lives in the presence simulator keyed by
// channel id.
type Session struct {
	Settings settings.ChannelSettings
	History  []llm.Message
}

// Prober optionally reports backend reachability for the status command.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Config holds orchestrator wiring that is not a collaborator.
type Config struct {
	// SelfID is this relay's own author id on the platform; messages it
	// authored are never fed back into processing.
	SelfID string
}

// Orchestrator composes the settings store, policy controller, presence
// simulator, prompt assembler, and backend client into the event loop core.
//
// Locking: per-channel mutexes from BaseGateway guard session contents; mu
// guards the session map structure. Policy methods and persist are never
// called while a channel lock is held, because the policy controller takes
// channel locks during blocked-persona fan-out and write-through.
type Orchestrator struct {
	channels.BaseGateway

	cfg       Config
	messenger channels.Messenger
	client    llm.Client
	prober    Prober
	assembler *prompt.Assembler
	policy    *policy.Controller
	simulator *presence.Simulator
	store     *settings.Store
	metrics   *observability.Metrics
	logger    logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	dedupMu    sync.Mutex
	dedupCache *lru.Cache[string, time.Time]
	now        func() time.Time

	startTime time.Time
}

// New builds the orchestrator, seeds sessions from the loaded snapshot, and
// binds itself to the policy controller for fan-out and persistence.
func New(
	cfg Config,
	snap settings.Snapshot,
	messenger channels.Messenger,
	client llm.Client,
	assembler *prompt.Assembler,
	ctrl *policy.Controller,
	simulator *presence.Simulator,
	store *settings.Store,
	metrics *observability.Metrics,
	logger logging.Logger,
) (*Orchestrator, error) {
	dedupCache, err := lru.New[string, time.Time](messageDedupCacheSize)
	if err != nil {
		return nil, err
	}

	sessions := make(map[string]*Session, len(snap.Channels))
	for id, ch := range snap.Channels {
		sessions[id] = &Session{Settings: ch}
	}

	o := &Orchestrator{
		cfg:        cfg,
		messenger:  messenger,
		client:     client,
		assembler:  assembler,
		policy:     ctrl,
		simulator:  simulator,
		store:      store,
		metrics:    metrics,
		logger:     logging.OrNop(logger),
		sessions:   sessions,
		dedupCache: dedupCache,
		now:        time.Now,
		startTime:  time.Now(),
	}
	if prober, ok := client.(Prober); ok {
		o.prober = prober
	}

	ctrl.BindDirectory(o)
	ctrl.BindPersist(o.persistGlobal)
	return o, nil
}

// policyView is the policy data captured once per event, before any channel
// lock is taken.
type policyView struct {
	blocked         map[persona.ID]bool
	instructions    []string
	deepWorkAllowed bool
}

func (o *Orchestrator) capturePolicy() policyView {
	return policyView{
		blocked:         o.policy.BlockedSet(),
		instructions:    o.policy.Instructions(),
		deepWorkAllowed: o.policy.DeepWorkAllowed(),
	}
}

// HandleMessage processes one inbound message event end to end.
func (o *Orchestrator) HandleMessage(ctx context.Context, ev MessageEvent) error {
	if ev.AuthorIsBot {
		// Any bot-authored message means the simulated thinking must stop.
		o.simulator.Cancel(ev.ChannelID)
		if ev.AuthorID != "" && ev.AuthorID == o.cfg.SelfID {
			return nil
		}
	}
	if ev.MessageID != "" && o.isDuplicateMessage(ev.MessageID) {
		o.logger.Debug("Duplicate message skipped: %s", ev.MessageID)
		return nil
	}
	o.metrics.MessageHandled(ctx)

	pv := o.capturePolicy()
	sessSnapshot := o.ensureSession(ev.ChannelID, pv.blocked)

	trimmed := strings.TrimSpace(ev.Content)
	token := strings.ToLower(trimmed)
	if strings.HasPrefix(token, commandPrefix) {
		handler, known := o.commandHandler(token)
		if !known {
			// Command-shaped but unrecognized: silently dropped, never chat.
			return nil
		}
		return handler(ctx, ev.ChannelID, sessSnapshot, pv)
	}

	if !sessSnapshot.Settings.Enabled {
		return nil
	}

	boundPersona := sessSnapshot.Settings.Persona
	if !persona.IsReal(boundPersona) {
		task := o.simulator.Start(ctx, ev.ChannelID, boundPersona)
		o.metrics.SimulationStarted(ctx)
		go func() {
			<-task.Done()
			o.metrics.SimulationEnded(context.Background())
		}()
		return nil
	}

	return o.handleChat(ctx, ev.ChannelID, boundPersona, trimmed, pv)
}

// ensureSession resolves or creates the channel session, applies defaults,
// and corrects a binding to a blocked persona. It returns a copy of the
// session taken under the channel lock.
func (o *Orchestrator) ensureSession(channelID string, blocked map[persona.ID]bool) Session {
	lock := o.ChannelLock(channelID)
	lock.Lock()

	sess, created := o.session(channelID)
	reassigned := false
	if blocked[sess.Settings.Persona] {
		if fallback, ok := persona.FirstUnblocked(blocked); ok {
			o.logger.Info("Persona %s is blocked; switching channel %s to %s",
				sess.Settings.Persona, channelID, fallback)
			sess.Settings.Persona = fallback
			reassigned = true
		}
	}
	snapshot := Session{Settings: sess.Settings, History: append([]llm.Message(nil), sess.History...)}
	lock.Unlock()

	if created || reassigned {
		o.persist()
	}
	return snapshot
}

// session returns the channel's session, creating the default one on first
// sight. Caller holds the channel lock.
func (o *Orchestrator) session(channelID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[channelID]
	if ok {
		return sess, false
	}
	o.logger.Info("Initializing settings for new channel: %s", channelID)
	sess = &Session{Settings: settings.DefaultChannelSettings()}
	o.sessions[channelID] = sess
	return sess, true
}

// handleChat runs the real-generation path. The channel lock is held only for
// the history mutations, never across the backend round trip.
func (o *Orchestrator) handleChat(ctx context.Context, channelID string, p persona.ID, text string, pv policyView) error {
	lock := o.ChannelLock(channelID)
	lock.Lock()
	sess, _ := o.session(channelID)
	sess.History = appendTurn(sess.History, llm.Message{Role: llm.RoleUser, Content: text})
	historyCopy := append([]llm.Message(nil), sess.History...)
	lock.Unlock()

	messages := o.assembler.Assemble(p, historyCopy, pv.instructions)

	typingCtx, stopTyping := context.WithCancel(ctx)
	go o.holdTyping(typingCtx, channelID)

	start := o.now()
	reply, err := o.client.Complete(ctx, messages)
	stopTyping()
	o.metrics.ObserveGeneration(ctx, o.now().Sub(start), err == nil)

	failed := err != nil
	if failed {
		o.logger.Error("Generation failed for channel %s: %v", channelID, err)
		reply = apologyText
	}
	reply = Sanitize(reply)

	lock.Lock()
	sess.History = appendTurn(sess.History, llm.Message{Role: llm.RoleAssistant, Content: reply})
	lock.Unlock()

	if failed {
		o.policy.RecordGenerationError()
	}
	o.persist()

	if err := channels.SendChunked(ctx, o.messenger, channelID, reply); err != nil {
		o.logger.Warn("Reply delivery failed for channel %s: %v", channelID, err)
	}
	return nil
}

// holdTyping keeps the typing indicator alive while a generation is in
// flight. The indicator auto-expires, so cancellation needs no cleanup.
func (o *Orchestrator) holdTyping(ctx context.Context, channelID string) {
	for {
		if err := o.messenger.ShowTyping(ctx, channelID); err != nil && ctx.Err() == nil {
			o.logger.Debug("Typing indicator failed for channel %s: %v", channelID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(typingRenewInterval):
		}
	}
}

// appendTurn appends a message and evicts the oldest entries beyond the
// window.
func appendTurn(history []llm.Message, msg llm.Message) []llm.Message {
	history = append(history, msg)
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	return history
}

func (o *Orchestrator) isDuplicateMessage(messageID string) bool {
	o.dedupMu.Lock()
	defer o.dedupMu.Unlock()

	now := o.now()
	if ts, ok := o.dedupCache.Get(messageID); ok {
		if now.Sub(ts) <= messageDedupTTL {
			return true
		}
		o.dedupCache.Remove(messageID)
	}
	o.dedupCache.Add(messageID, now)
	return false
}

// channelIDs takes a consistent snapshot of known channel ids, so fan-out
// iteration never walks the live map while it grows.
func (o *Orchestrator) channelIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	return ids
}

// snapshotChannels copies every channel's settings under its own lock.
func (o *Orchestrator) snapshotChannels() map[string]settings.ChannelSettings {
	ids := o.channelIDs()
	out := make(map[string]settings.ChannelSettings, len(ids))
	for _, id := range ids {
		lock := o.ChannelLock(id)
		lock.Lock()
		o.mu.Lock()
		if sess, ok := o.sessions[id]; ok {
			out[id] = sess.Settings
		}
		o.mu.Unlock()
		lock.Unlock()
	}
	return out
}

// ReassignPersona implements policy.Directory: every channel bound to from is
// rebound to to. Called with the policy lock held; takes channel locks only.
func (o *Orchestrator) ReassignPersona(from, to persona.ID) []string {
	var affected []string
	for _, id := range o.channelIDs() {
		lock := o.ChannelLock(id)
		lock.Lock()
		o.mu.Lock()
		sess, ok := o.sessions[id]
		if ok && sess.Settings.Persona == from {
			sess.Settings.Persona = to
			affected = append(affected, id)
		}
		o.mu.Unlock()
		lock.Unlock()
	}
	return affected
}

// persist writes the full snapshot through the settings store. Persistence
// failures are logged and the process continues on in-memory state.
func (o *Orchestrator) persist() {
	snap := settings.Snapshot{
		Channels: o.snapshotChannels(),
		Global:   o.policy.Global(),
	}
	if err := o.store.Save(snap); err != nil {
		o.logger.Error("Settings persistence failed: %v", err)
	}
}

// persistGlobal is the policy controller's write-through hook. The global
// record arrives precomputed because the policy lock is held here.
func (o *Orchestrator) persistGlobal(global settings.GlobalSettings) {
	snap := settings.Snapshot{
		Channels: o.snapshotChannels(),
		Global:   global,
	}
	if err := o.store.Save(snap); err != nil {
		o.logger.Error("Settings persistence failed: %v", err)
	}
}

// Broadcast sends text to every enabled channel and returns the delivery
// count. Used by the operator console's say command.
func (o *Orchestrator) Broadcast(ctx context.Context, text string) int {
	count := 0
	for _, id := range o.channelIDs() {
		lock := o.ChannelLock(id)
		lock.Lock()
		o.mu.Lock()
		sess, ok := o.sessions[id]
		enabled := ok && sess.Settings.Enabled
		o.mu.Unlock()
		lock.Unlock()
		if !enabled {
			continue
		}
		if err := channels.SendChunked(ctx, o.messenger, id, text); err != nil {
			o.logger.Warn("Broadcast to channel %s failed: %v", id, err)
			continue
		}
		count++
	}
	o.logger.Info("Broadcast delivered to %d channels", count)
	return count
}

// Uptime reports how long the orchestrator has been running.
func (o *Orchestrator) Uptime() time.Duration {
	return time.Since(o.startTime)
}
