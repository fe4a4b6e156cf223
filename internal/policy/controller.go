// Package policy holds the process-wide mutable policy: blocked personas, the
// global deep-work gate, operator instructions, and daily generation-error
// counters. Mutations that affect channels fan out through the bound
// Directory as one logical step.
package policy

import (
	"sync"
	"time"

	"mirra/internal/logging"
	"mirra/internal/persona"
	"mirra/internal/settings"
)

// Directory is the channel-session view the controller needs for fan-out.
// Implementations serialize their own per-channel mutation.
type Directory interface {
	// ReassignPersona rebinds every channel currently bound to from onto to,
	// returning the affected channel ids.
	ReassignPersona(from, to persona.ID) []string
}

// PersistFunc receives the global record computed under the policy lock and
// writes it through together with the channel map.
type PersistFunc func(settings.GlobalSettings)

// Severity is one uptime bucket.
type Severity int

const (
	SeverityStable Severity = iota
	SeverityDegraded
	SeverityImpaired
	SeverityCritical
)

// String returns the reporting label for a severity bucket.
func (s Severity) String() string {
	switch s {
	case SeverityStable:
		return "stable"
	case SeverityDegraded:
		return "degraded"
	case SeverityImpaired:
		return "impaired"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// BucketErrorCount maps a daily error count to its severity bucket.
func BucketErrorCount(count int) Severity {
	switch {
	case count <= 7:
		return SeverityStable
	case count <= 20:
		return SeverityDegraded
	case count <= 40:
		return SeverityImpaired
	default:
		return SeverityCritical
	}
}

// DayStatus is one day of the uptime history.
type DayStatus struct {
	Date     string
	Count    int
	Severity Severity
}

// Controller is the singleton policy holder.
type Controller struct {
	mu              sync.Mutex
	blocked         map[persona.ID]bool
	deepWorkAllowed bool
	instructions    []string
	errorLog        map[string]int

	directory Directory
	persist   PersistFunc
	logger    logging.Logger
	now       func() time.Time
}

// NewController builds a controller seeded from a loaded global record.
func NewController(global settings.GlobalSettings, logger logging.Logger) *Controller {
	blocked := make(map[persona.ID]bool, len(global.BlockedPersonas))
	for _, id := range global.BlockedPersonas {
		blocked[id] = true
	}
	errorLog := make(map[string]int, len(global.ErrorLog))
	for date, count := range global.ErrorLog {
		errorLog[date] = count
	}
	return &Controller{
		blocked:         blocked,
		deepWorkAllowed: global.DeepWorkAllowed,
		errorLog:        errorLog,
		logger:          logging.OrNop(logger),
		now:             time.Now,
	}
}

// BindDirectory attaches the channel directory used for blocked-persona fan-out.
func (c *Controller) BindDirectory(dir Directory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directory = dir
}

// BindPersist attaches the write-through hook invoked on every mutation.
func (c *Controller) BindPersist(persist PersistFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persist = persist
}

// SetNow overrides the clock. Tests only.
func (c *Controller) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// globalLocked assembles the persisted record. Caller holds c.mu.
func (c *Controller) globalLocked() settings.GlobalSettings {
	blocked := make([]persona.ID, 0, len(c.blocked))
	for _, spec := range persona.Catalog() {
		if c.blocked[spec.ID] {
			blocked = append(blocked, spec.ID)
		}
	}
	errorLog := make(map[string]int, len(c.errorLog))
	for date, count := range c.errorLog {
		errorLog[date] = count
	}
	return settings.GlobalSettings{
		BlockedPersonas: blocked,
		DeepWorkAllowed: c.deepWorkAllowed,
		ErrorLog:        errorLog,
	}
}

// persistLocked invokes the write-through hook. Caller holds c.mu; the hook
// must not call back into the controller.
func (c *Controller) persistLocked() {
	if c.persist != nil {
		c.persist(c.globalLocked())
	}
}

// Global returns the current persisted form of the policy.
func (c *Controller) Global() settings.GlobalSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalLocked()
}

// IsBlocked reports whether id is currently blocked.
func (c *Controller) IsBlocked(id persona.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked[id]
}

// BlockedSet returns a copy of the blocked-persona set.
func (c *Controller) BlockedSet() map[persona.ID]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[persona.ID]bool, len(c.blocked))
	for id, blocked := range c.blocked {
		if blocked {
			out[id] = true
		}
	}
	return out
}

// SetPersonaBlocked flips the blocked state for a persona. Blocking a persona
// synchronously rebinds every channel bound to it to the first unblocked
// catalog entry; if no persona remains unblocked the channels are left as-is.
func (c *Controller) SetPersonaBlocked(id persona.ID, blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blocked[id] == blocked {
		return
	}
	if blocked {
		c.blocked[id] = true
	} else {
		delete(c.blocked, id)
	}
	c.logger.Info("Persona %s blocked=%v", id, blocked)

	if blocked && c.directory != nil {
		if fallback, ok := persona.FirstUnblocked(c.blocked); ok {
			affected := c.directory.ReassignPersona(id, fallback)
			if len(affected) > 0 {
				c.logger.Info("Reassigned %d channels from %s to %s", len(affected), id, fallback)
			}
		} else {
			c.logger.Warn("Persona %s blocked but no fallback persona is available", id)
		}
	}
	c.persistLocked()
}

// DeepWorkAllowed reports the global deep-work gate.
func (c *Controller) DeepWorkAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deepWorkAllowed
}

// SetDeepWorkAllowed flips the global deep-work gate.
func (c *Controller) SetDeepWorkAllowed(allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deepWorkAllowed == allowed {
		return
	}
	c.deepWorkAllowed = allowed
	c.logger.Info("Deep work globally allowed=%v", allowed)
	c.persistLocked()
}

// RecordGenerationError increments today's error counter using the local
// calendar date. Counts are append-only; there is no retroactive correction.
func (c *Controller) RecordGenerationError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	today := c.now().Format("2006-01-02")
	c.errorLog[today]++
	c.logger.Info("Generation error recorded, today's count: %d", c.errorLog[today])
	c.persistLocked()
}

// AppendInstruction adds an operator instruction broadcast into every real
// generation until cleared. Instructions are ephemeral and not persisted.
func (c *Controller) AppendInstruction(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instructions = append(c.instructions, text)
	c.logger.Info("Operator instruction added (%d active)", len(c.instructions))
}

// ClearInstructions removes all operator instructions.
func (c *Controller) ClearInstructions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instructions = nil
	c.logger.Info("Operator instructions cleared")
}

// Instructions returns a copy of the active operator instructions in order.
func (c *Controller) Instructions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.instructions))
	copy(out, c.instructions)
	return out
}

// UptimeHistory returns one bucket per day for the last days days, oldest
// first, ending with today.
func (c *Controller) UptimeHistory(days int) []DayStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if days <= 0 {
		return nil
	}
	today := c.now()
	out := make([]DayStatus, 0, days)
	for i := days - 1; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		count := c.errorLog[date]
		out = append(out, DayStatus{
			Date:     date,
			Count:    count,
			Severity: BucketErrorCount(count),
		})
	}
	return out
}
