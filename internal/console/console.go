// Package console is the line-oriented operator console. Every line that is
// not a console keyword becomes a standing operator instruction injected into
// real generations until cleared.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"mirra/internal/logging"
	"mirra/internal/policy"
)

// Broadcaster delivers operator text to every enabled channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, text string) int
}

// Console reads operator lines and feeds the same policy API the in-chat
// admin surface uses.
type Console struct {
	policy      *policy.Controller
	broadcaster Broadcaster
	logger      logging.Logger
	historyFile string

	green  *color.Color
	yellow *color.Color
	cyan   *color.Color
}

// New builds a console. historyFile may be empty to disable line history.
func New(ctrl *policy.Controller, broadcaster Broadcaster, historyFile string, logger logging.Logger) *Console {
	return &Console{
		policy:      ctrl,
		broadcaster: broadcaster,
		logger:      logging.OrNop(logger),
		historyFile: historyFile,
		green:       color.New(color.FgGreen),
		yellow:      color.New(color.FgYellow),
		cyan:        color.New(color.FgCyan),
	}
}

// Run reads lines until ctx is cancelled or stdin closes. A closed stdin is
// normal in detached deployments, so it disables the console silently.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "mirra> ",
		HistoryFile: c.historyFile,
	})
	if err != nil {
		return fmt.Errorf("init console: %w", err)
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	c.cyan.Println("Operator console ready. Type a line to add a standing instruction;")
	c.cyan.Println("'say <text>' broadcasts, 'clear' drops instructions, 'status' reports, Ctrl-D exits.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info("Console input closed, operator console disabled")
				return nil
			}
			return fmt.Errorf("console read: %w", err)
		}
		c.handleLine(ctx, line)
	}
}

func (c *Console) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	switch {
	case strings.HasPrefix(strings.ToLower(line), "say "):
		text := strings.TrimSpace(line[len("say "):])
		if text == "" {
			c.yellow.Println("Nothing to say.")
			return
		}
		count := c.broadcaster.Broadcast(ctx, text)
		c.green.Printf("Broadcast delivered to %d channels.\n", count)
	case strings.EqualFold(line, "clear"):
		c.policy.ClearInstructions()
		c.green.Println("Standing instructions cleared.")
	case strings.EqualFold(line, "status"):
		c.printStatus()
	default:
		c.policy.AppendInstruction(line)
		c.green.Printf("Instruction added (%d active).\n", len(c.policy.Instructions()))
	}
}

func (c *Console) printStatus() {
	global := c.policy.Global()
	instructions := c.policy.Instructions()

	c.cyan.Printf("Deep work globally allowed: %v\n", global.DeepWorkAllowed)
	if len(global.BlockedPersonas) == 0 {
		c.cyan.Println("Blocked personas: none")
	} else {
		labels := make([]string, len(global.BlockedPersonas))
		for i, id := range global.BlockedPersonas {
			labels[i] = string(id)
		}
		c.cyan.Printf("Blocked personas: %s\n", strings.Join(labels, ", "))
	}
	if len(instructions) == 0 {
		c.cyan.Println("Standing instructions: none")
		return
	}
	c.cyan.Printf("Standing instructions (%d):\n", len(instructions))
	for i, inst := range instructions {
		c.cyan.Printf("  %d. %s\n", i+1, inst)
	}
}
