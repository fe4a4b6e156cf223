// Package presence runs the per-channel typing simulation for personas that
// never reach the generation backend.
package presence

import (
	"context"
	"sync"
	"time"

	"mirra/internal/channels"
	"mirra/internal/logging"
	"mirra/internal/persona"
)

const (
	// The platform typing indicator lasts about ten seconds; renewing every
	// nine keeps it visible without gaps.
	defaultRenewInterval = 9 * time.Second
	defaultTimeout       = 60 * time.Second

	timeoutNotice = "⏱️ Timed out waiting for a reply from the system."
)

// Task is the handle for one running simulation.
type Task struct {
	channelID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Cancel requests cooperative termination. Safe to call multiple times and
// concurrently with the task's own natural timeout.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed when the task goroutine has fully exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Simulator owns at most one simulation task per channel. Start and Cancel
// for the same channel are serialized so a replacement can never race another
// replacement and leave an untracked task behind.
type Simulator struct {
	messenger channels.Messenger
	logger    logging.Logger
	tasks     sync.Map // channelID → *Task
	locks     sync.Map // channelID → *sync.Mutex

	renewInterval time.Duration
	timeout       time.Duration
	now           func() time.Time
}

// Option tweaks simulator timing. Tests shrink the intervals.
type Option func(*Simulator)

// WithIntervals overrides the renewal interval and the bounded-phase timeout.
func WithIntervals(renew, timeout time.Duration) Option {
	return func(s *Simulator) {
		s.renewInterval = renew
		s.timeout = timeout
	}
}

// NewSimulator builds a simulator sending through messenger.
func NewSimulator(messenger channels.Messenger, logger logging.Logger, opts ...Option) *Simulator {
	s := &Simulator{
		messenger:     messenger,
		logger:        logging.OrNop(logger),
		renewInterval: defaultRenewInterval,
		timeout:       defaultTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) channelLock(channelID string) *sync.Mutex {
	value, _ := s.locks.LoadOrStore(channelID, &sync.Mutex{})
	return value.(*sync.Mutex)
}

// Start launches a simulation for the channel, cancelling and replacing any
// prior one first. It returns immediately; the loop runs until cancellation
// or, for ordinary personas, the bounded-phase timeout.
func (s *Simulator) Start(ctx context.Context, channelID string, p persona.ID) *Task {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()
	s.cancelCurrent(channelID)

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		channelID: channelID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.tasks.Store(channelID, task)

	unbounded := p == persona.Realtime
	s.logger.Info("Starting presence simulation for channel %s (persona=%s, unbounded=%v)",
		channelID, p, unbounded)

	go s.run(taskCtx, task, unbounded)
	return task
}

func (s *Simulator) run(ctx context.Context, task *Task, unbounded bool) {
	defer close(task.done)

	start := s.now()
	for {
		if err := s.messenger.ShowTyping(ctx, task.channelID); err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("Presence simulation cancelled for channel %s", task.channelID)
				return
			}
			s.logger.Warn("Typing indicator failed for channel %s: %v", task.channelID, err)
		}

		select {
		case <-ctx.Done():
			// Cancellation: the indicator auto-expires, nothing to release.
			// Slot removal belongs to the cancellation call site.
			s.logger.Debug("Presence simulation cancelled for channel %s", task.channelID)
			return
		case <-time.After(s.renewInterval):
		}

		if !unbounded && s.now().Sub(start) >= s.timeout {
			s.logger.Info("Presence simulation timed out for channel %s", task.channelID)
			if err := s.messenger.Send(ctx, task.channelID, timeoutNotice); err != nil {
				s.logger.Warn("Timeout notice failed for channel %s: %v", task.channelID, err)
			}
			// Natural termination removes the task from its own slot, but
			// only if the slot still holds this task.
			s.tasks.CompareAndDelete(task.channelID, task)
			return
		}
	}
}

// Cancel stops the channel's simulation if one is running and waits for the
// goroutine to exit. A no-op when none is active or the task already ended.
func (s *Simulator) Cancel(channelID string) {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()
	s.cancelCurrent(channelID)
}

// cancelCurrent removes and terminates the tracked task. Caller holds the
// channel's start lock; the task goroutine never takes it, so waiting on done
// here cannot deadlock.
func (s *Simulator) cancelCurrent(channelID string) {
	value, loaded := s.tasks.LoadAndDelete(channelID)
	if !loaded {
		return
	}
	task := value.(*Task)
	task.Cancel()
	<-task.done
}

// Active reports whether a simulation is currently tracked for the channel.
func (s *Simulator) Active(channelID string) bool {
	_, ok := s.tasks.Load(channelID)
	return ok
}
