package browser

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNavigatorOpensURL(t *testing.T) {
	var opened string
	var out bytes.Buffer
	n := NewNavigator(WithOutput(&out), WithOpener(func(u string) error {
		opened = u
		return nil
	}))

	if err := n.Navigate(context.Background(), "https://id.example.com/auth?state=x"); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	if opened != "https://id.example.com/auth?state=x" {
		t.Errorf("opened %q", opened)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestNavigatorPrintsWhenBrowserMissing(t *testing.T) {
	var out bytes.Buffer
	n := NewNavigator(WithOutput(&out), WithOpener(func(string) error {
		return errors.New("no browser")
	}))

	if err := n.Navigate(context.Background(), "https://id.example.com/auth"); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	if !strings.Contains(out.String(), "https://id.example.com/auth") {
		t.Errorf("output %q does not contain the URL", out.String())
	}
}

func TestNavigatorRespectsCancelledContext(t *testing.T) {
	called := false
	n := NewNavigator(WithOpener(func(string) error {
		called = true
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Navigate(ctx, "https://id.example.com/auth"); !errors.Is(err, context.Canceled) {
		t.Errorf("Navigate() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("browser opened after cancellation")
	}
}
