// Package channels holds the platform-facing primitives shared by every
// gateway: the Messenger seam, message chunking, and per-channel locks.
package channels

import (
	"context"
	"sync"
	"unicode/utf8"
)

// MaxMessageSize is the platform's single-message size limit.
const MaxMessageSize = 2000

// Messenger is the outbound platform surface the core depends on. The typing
// indicator is scoped: it auto-expires after roughly ten seconds unless shown
// again, and never needs an explicit release.
type Messenger interface {
	Send(ctx context.Context, channelID, text string) error
	ShowTyping(ctx context.Context, channelID string) error
}

// SplitMessage splits text into ordered chunks of at most limit bytes,
// cutting only at rune boundaries so a multi-byte rune is never torn across
// two chunks. An empty text yields no chunks.
func SplitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = MaxMessageSize
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			// Invalid input or a limit smaller than one rune; cut hard so the
			// loop always makes progress.
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

// SendChunked delivers text through m in order, splitting at the platform
// limit. Delivery stops at the first send failure.
func SendChunked(ctx context.Context, m Messenger, channelID, text string) error {
	for _, chunk := range SplitMessage(text, MaxMessageSize) {
		if err := m.Send(ctx, channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// BaseGateway provides the per-channel lock table shared by gateways and the
// orchestrator.
type BaseGateway struct {
	channelLocks sync.Map
}

// ChannelLock returns or creates the mutex for a channel. An empty channelID
// returns a fresh (unshared) mutex so callers never need a nil check.
func (g *BaseGateway) ChannelLock(channelID string) *sync.Mutex {
	if channelID == "" {
		return &sync.Mutex{}
	}
	value, _ := g.channelLocks.LoadOrStore(channelID, &sync.Mutex{})
	return value.(*sync.Mutex)
}
