package console

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mirra/internal/policy"
	"mirra/internal/settings"
)

type fakeBroadcaster struct {
	texts []string
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, text string) int {
	b.texts = append(b.texts, text)
	return len(b.texts)
}

func newTestConsole() (*Console, *policy.Controller, *fakeBroadcaster) {
	ctrl := policy.NewController(settings.DefaultGlobalSettings(), nil)
	b := &fakeBroadcaster{}
	return New(ctrl, b, "", nil), ctrl, b
}

func TestPlainLineBecomesInstruction(t *testing.T) {
	c, ctrl, _ := newTestConsole()

	c.handleLine(context.Background(), "  answer only in haiku  ")
	c.handleLine(context.Background(), "never mention the weather")

	require.Equal(t, []string{"answer only in haiku", "never mention the weather"},
		ctrl.Instructions())
}

func TestSayBroadcasts(t *testing.T) {
	c, ctrl, b := newTestConsole()

	c.handleLine(context.Background(), "say maintenance window at 22:00")

	require.Equal(t, []string{"maintenance window at 22:00"}, b.texts)
	require.Empty(t, ctrl.Instructions(), "broadcasts must not become instructions")
}

func TestSayWithoutTextIsRejected(t *testing.T) {
	c, ctrl, b := newTestConsole()

	c.handleLine(context.Background(), "say   ")

	require.Empty(t, b.texts)
	require.Empty(t, ctrl.Instructions())
}

func TestClearDropsInstructions(t *testing.T) {
	c, ctrl, _ := newTestConsole()

	c.handleLine(context.Background(), "instruction one")
	c.handleLine(context.Background(), "CLEAR")

	require.Empty(t, ctrl.Instructions())
}

func TestEmptyLineIgnored(t *testing.T) {
	c, ctrl, b := newTestConsole()

	c.handleLine(context.Background(), "   ")

	require.Empty(t, ctrl.Instructions())
	require.Empty(t, b.texts)
}

func TestStatusKeywordIsNotAnInstruction(t *testing.T) {
	c, ctrl, _ := newTestConsole()

	c.handleLine(context.Background(), "status")

	require.Empty(t, ctrl.Instructions())
}
