// Package settings persists per-channel configuration and global policy as a
// single JSON record. The store holds no logic beyond layout migration; every
// mutation in the rest of the system writes through here best-effort.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mirra/internal/logging"
	"mirra/internal/persona"
)

// ChannelSettings mirrors the persisted per-channel record.
type ChannelSettings struct {
	Enabled  bool       `json:"enabled"`
	Persona  persona.ID `json:"model"`
	DeepWork bool       `json:"deepwork"`
}

// DefaultChannelSettings returns the record applied to a channel on first sight.
func DefaultChannelSettings() ChannelSettings {
	return ChannelSettings{
		Enabled:  false,
		Persona:  persona.Default,
		DeepWork: true,
	}
}

// GlobalSettings is the persisted global-policy record.
type GlobalSettings struct {
	BlockedPersonas []persona.ID   `json:"blocked_models"`
	DeepWorkAllowed bool           `json:"deepwork_allowed"`
	ErrorLog        map[string]int `json:"error_log"`
}

// DefaultGlobalSettings returns a fully populated default policy record.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		BlockedPersonas: []persona.ID{},
		DeepWorkAllowed: true,
		ErrorLog:        map[string]int{},
	}
}

// Snapshot is the full persisted state.
type Snapshot struct {
	Channels map[string]ChannelSettings `json:"channels"`
	Global   GlobalSettings             `json:"global"`
}

// Store reads and writes the settings file. Save is serialized; concurrency
// control over the contents belongs to the callers.
type Store struct {
	mu     sync.Mutex
	path   string
	logger logging.Logger
}

// NewStore creates a store rooted at path. A "~/" prefix expands to the
// user's home directory.
func NewStore(path string, logger logging.Logger) *Store {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}
	return &Store{
		path:   path,
		logger: logging.OrNop(logger),
	}
}

// Load reads the settings file. A missing file yields an empty snapshot with
// default global policy. Two layouts are accepted:
//
//   - current: {"channels": {...}, "global": {...}}
//   - legacy: the top-level object is the channel map itself
//
// Missing optional fields are backfilled with their defaults.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Channels: map[string]ChannelSettings{},
		Global:   DefaultGlobalSettings(),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, nil
		}
		return snap, fmt.Errorf("read settings file: %w", err)
	}
	if len(data) == 0 {
		return snap, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return snap, fmt.Errorf("parse settings file: %w", err)
	}

	_, hasChannels := probe["channels"]
	_, hasGlobal := probe["global"]
	if hasChannels || hasGlobal {
		if raw, ok := probe["channels"]; ok {
			if err := json.Unmarshal(raw, &snap.Channels); err != nil {
				return snap, fmt.Errorf("parse channel settings: %w", err)
			}
		}
		if raw, ok := probe["global"]; ok {
			if err := json.Unmarshal(raw, &snap.Global); err != nil {
				return snap, fmt.Errorf("parse global settings: %w", err)
			}
		}
	} else {
		// Legacy layout: the record is the channel map, no global section.
		if err := json.Unmarshal(data, &snap.Channels); err != nil {
			return snap, fmt.Errorf("parse legacy settings: %w", err)
		}
		snap.Global = DefaultGlobalSettings()
	}

	s.backfill(&snap, data)
	s.logger.Info("Settings loaded: %d channels, %d blocked personas, %d error days",
		len(snap.Channels), len(snap.Global.BlockedPersonas), len(snap.Global.ErrorLog))
	return snap, nil
}

// backfill restores documented defaults for fields absent in older records.
// DeepWork defaulted on before the flag existed, so absence must read as true;
// a raw re-parse distinguishes "absent" from "false".
func (s *Store) backfill(snap *Snapshot, data []byte) {
	if snap.Channels == nil {
		snap.Channels = map[string]ChannelSettings{}
	}
	if snap.Global.BlockedPersonas == nil {
		snap.Global.BlockedPersonas = []persona.ID{}
	}
	if snap.Global.ErrorLog == nil {
		snap.Global.ErrorLog = map[string]int{}
	}

	rawChannels := s.rawChannelFields(data)
	for id, ch := range snap.Channels {
		if ch.Persona == "" {
			ch.Persona = persona.Default
		}
		if fields, ok := rawChannels[id]; ok {
			if _, present := fields["deepwork"]; !present {
				ch.DeepWork = true
			}
		}
		snap.Channels[id] = ch
	}

	var globalFields map[string]json.RawMessage
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err == nil {
		if raw, ok := top["global"]; ok {
			_ = json.Unmarshal(raw, &globalFields)
		}
	}
	if globalFields == nil {
		snap.Global.DeepWorkAllowed = true
		return
	}
	if _, present := globalFields["deepwork_allowed"]; !present {
		snap.Global.DeepWorkAllowed = true
	}
}

// rawChannelFields re-parses the channel records into raw field maps so
// backfill can tell absent fields apart from zero values.
func (s *Store) rawChannelFields(data []byte) map[string]map[string]json.RawMessage {
	out := map[string]map[string]json.RawMessage{}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return out
	}
	channelData := data
	if raw, ok := top["channels"]; ok {
		channelData = raw
	} else if _, ok := top["global"]; ok {
		return out
	}
	_ = json.Unmarshal(channelData, &out)
	return out
}

// Save writes the snapshot with the current layout. Failures are returned for
// logging but callers continue with in-memory state.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	encoded = append(encoded, '\n')

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure settings directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, encoded, 0o644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	s.logger.Debug("Settings saved to %s", s.path)
	return nil
}
