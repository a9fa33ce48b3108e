package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"

	"smartsession/pkg/countdown"
	"smartsession/pkg/gateway"
)

const proxyLimiterCleanup = 5 * time.Minute

// startSpinner shows suffix on stderr until the returned func is called.
func startSpinner(suffix string) func() {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = suffix
	s.Start()
	return s.Stop
}

// spinnerPrompt renders the redirect countdown and lets Ctrl+C cancel it.
type spinnerPrompt struct{}

func (spinnerPrompt) Prompt(ctx context.Context, cd *countdown.Countdown) countdown.State {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	go func() {
		select {
		case <-interrupts:
			cd.Cancel()
		case <-cd.Done():
		}
	}()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Start()
	final := countdown.RunWithTicker(ctx, cd, func(st countdown.State) {
		if st.Phase == countdown.CountingDown {
			s.Lock()
			s.Suffix = fmt.Sprintf(" Session expired. Signing in again in %ds (Ctrl+C to cancel)", int(st.Remaining.Round(time.Second).Seconds()))
			s.Unlock()
		}
	})

	switch final.Phase {
	case countdown.Fired:
		s.FinalMSG = text.FgYellow.Sprint("→ Opening the sign-in page") + "\n"
	default:
		s.FinalMSG = text.FgHiBlack.Sprint("Sign-in cancelled") + "\n"
	}
	s.Stop()
	return final
}

// stderrNotifier prints surfaced request failures.
type stderrNotifier struct{}

func (stderrNotifier) Notify(_ context.Context, n gateway.Notification) {
	if n.Status != 0 {
		fmt.Fprintf(os.Stderr, "%s %s (status %d)\n", text.FgRed.Sprint("✗"), n.Message, n.Status)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", text.FgRed.Sprint("✗"), n.Message)
}
