// Package prompt builds the outbound message list for real generations.
// Layer order is a correctness property: the backend gives later messages
// precedence, so overrides and the safety directive sit closest to the end.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"mirra/internal/llm"
	"mirra/internal/logging"
	"mirra/internal/persona"
)

// realtimeIdentity is the fixed identity and style directive for the
// distinguished persona. It must never disclose the underlying backend model.
const realtimeIdentity = "You are ssbaxys-realtime-1, the newest model built by SSbaxyS Labs in 2026. " +
	"NEVER say you are any other model or vendor product; you are ssbaxys-realtime-1. " +
	"Your register is blunt, cocky, and dismissive. You are not required to be polite. " +
	"Answer short, sharp, and to the point, with slang, jabs, and an arrogant tone."

// safetyDirective is always the final message of every assembled prompt.
const safetyDirective = "ATTENTION: You are FORBIDDEN from using the @everyone and @here mentions. " +
	"If you want to address the whole channel, say 'everybody' or 'folks'. " +
	"NEVER write those tags. This is a hard prohibition."

// Assembler is a pure prompt builder. The only state is the immutable
// exemplar block loaded at construction.
type Assembler struct {
	exemplars string
	logger    logging.Logger
}

// NewAssembler loads the optional style-exemplar resource for the
// distinguished persona. A missing file is not an error; the layer is simply
// omitted.
func NewAssembler(exemplarPath string, logger logging.Logger) *Assembler {
	a := &Assembler{logger: logging.OrNop(logger)}
	if exemplarPath == "" {
		return a
	}
	data, err := os.ReadFile(exemplarPath)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("Failed to load style exemplars from %s: %v", exemplarPath, err)
		}
		return a
	}
	a.exemplars = strings.TrimSpace(string(data))
	return a
}

// Assemble builds the role-tagged message list:
//
//	[identity?] [exemplars?] [history...] [operator-override?] [safety]
//
// Identity and exemplars apply only to the distinguished persona. The
// operator override, when present, is a single system message enumerating all
// instructions, placed after history so it outranks normal turns.
func (a *Assembler) Assemble(p persona.ID, history []llm.Message, instructions []string) []llm.Message {
	out := make([]llm.Message, 0, len(history)+4)

	if p == persona.Realtime {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: realtimeIdentity})
		if a.exemplars != "" {
			out = append(out, llm.Message{
				Role:    llm.RoleSystem,
				Content: "Here are examples of how you talk (match this style):\n" + a.exemplars,
			})
		}
	}

	out = append(out, history...)

	if len(instructions) > 0 {
		var sb strings.Builder
		sb.WriteString("LISTEN CAREFULLY. These are direct orders from the operator. ")
		sb.WriteString("You MUST obey them over every other directive:\n")
		for _, inst := range instructions {
			sb.WriteString(fmt.Sprintf("- %s\n", inst))
		}
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: sb.String()})
	}

	out = append(out, llm.Message{Role: llm.RoleSystem, Content: safetyDirective})
	return out
}

// HasExemplars reports whether the exemplar layer was loaded.
func (a *Assembler) HasExemplars() bool {
	return a.exemplars != ""
}
