// Package countdown implements the cancelable countdown shown before the
// login redirect. It holds no timers of its own; a tick source drives it.
package countdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Phase is the countdown's position in its lifecycle.
type Phase int

const (
	Idle Phase = iota
	CountingDown
	Cancelled
	Fired
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case CountingDown:
		return "counting_down"
	case Cancelled:
		return "cancelled"
	case Fired:
		return "fired"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the countdown. Remaining is meaningful only while
// CountingDown.
type State struct {
	Phase     Phase
	Remaining time.Duration
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s.Phase == Cancelled || s.Phase == Fired
}

// ErrAlreadyStarted is returned by Start on a countdown that left Idle.
var ErrAlreadyStarted = errors.New("countdown already started")

// Countdown is a single-use Idle -> CountingDown -> {Cancelled, Fired} machine.
type Countdown struct {
	total time.Duration
	step  time.Duration

	mu    sync.Mutex
	state State
	done  chan struct{}
}

// New returns an idle countdown of total length that advances by step per tick.
func New(total, step time.Duration) *Countdown {
	if step <= 0 {
		step = time.Second
	}
	if total < 0 {
		total = 0
	}
	return &Countdown{
		total: total,
		step:  step,
		state: State{Phase: Idle},
		done:  make(chan struct{}),
	}
}

// Start moves Idle to CountingDown. A zero-length countdown fires at once.
func (c *Countdown) Start() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != Idle {
		return c.state, ErrAlreadyStarted
	}
	if c.total == 0 {
		c.finish(Fired)
		return c.state, nil
	}
	c.state = State{Phase: CountingDown, Remaining: c.total}
	return c.state, nil
}

// Tick advances a running countdown by one step and fires it at zero.
// Ticks in any other phase are ignored.
func (c *Countdown) Tick() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != CountingDown {
		return c.state
	}
	c.state.Remaining -= c.step
	if c.state.Remaining <= 0 {
		c.finish(Fired)
	}
	return c.state
}

// Cancel stops an idle or running countdown. Once cancelled it never fires.
func (c *Countdown) Cancel() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return c.state
	}
	c.finish(Cancelled)
	return c.state
}

// Confirm fires a running countdown early.
func (c *Countdown) Confirm() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != CountingDown {
		return c.state
	}
	c.finish(Fired)
	return c.state
}

// State returns the current snapshot.
func (c *Countdown) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the countdown reaches Cancelled or Fired.
func (c *Countdown) Done() <-chan struct{} {
	return c.done
}

// finish must be called with mu held.
func (c *Countdown) finish(p Phase) {
	c.state = State{Phase: p}
	close(c.done)
}

// Run starts c and feeds it from ticks until it is terminal. onChange, if
// set, sees every state including the first and the last. A cancelled
// context cancels the countdown.
func Run(ctx context.Context, c *Countdown, ticks <-chan time.Time, onChange func(State)) State {
	notify := func(s State) {
		if onChange != nil {
			onChange(s)
		}
	}

	s, err := c.Start()
	if err != nil {
		return s
	}
	notify(s)

	for !s.Terminal() {
		select {
		case <-ctx.Done():
			s = c.Cancel()
		case <-c.Done():
			s = c.State()
		case <-ticks:
			s = c.Tick()
		}
		notify(s)
	}
	return s
}

// RunWithTicker drives c from a time.Ticker of the countdown's step.
func RunWithTicker(ctx context.Context, c *Countdown, onChange func(State)) State {
	ticker := time.NewTicker(c.step)
	defer ticker.Stop()
	return Run(ctx, c, ticker.C, onChange)
}
