// Package browser hands URLs to the desktop browser.
package browser

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"go.uber.org/zap"

	"smartsession/pkg/logging"
)

// Open opens a URL in the default browser for the current platform
func Open(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	case "linux", "freebsd", "openbsd":
		// Different distros ship different launchers
		for _, c := range []string{"xdg-open", "x-www-browser", "www-browser"} {
			if err := exec.Command(c, url).Start(); err == nil {
				return nil
			}
		}
		return fmt.Errorf("could not find a browser to open")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	if err := exec.Command(cmd, args...).Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

// Navigator performs login and logout redirects by opening the browser.
// When no browser can be started the URL is printed instead so the user
// can open it by hand.
type Navigator struct {
	out    io.Writer
	open   func(string) error
	logger *zap.Logger
}

// Option configures a Navigator.
type Option func(*Navigator)

// WithOutput sets where the fallback URL is printed.
func WithOutput(w io.Writer) Option {
	return func(n *Navigator) {
		n.out = w
	}
}

// WithOpener replaces the platform browser launcher.
func WithOpener(open func(string) error) Option {
	return func(n *Navigator) {
		n.open = open
	}
}

// WithLogger sets the navigator logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Navigator) {
		n.logger = l
	}
}

// NewNavigator creates a Navigator printing to stderr by default.
func NewNavigator(opts ...Option) *Navigator {
	n := &Navigator{out: os.Stderr, open: Open}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = logging.OrNop(n.logger).Named("browser")
	return n
}

// Navigate opens url. It only fails if ctx is already done.
func (n *Navigator) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.open(url); err != nil {
		n.logger.Info("BROWSER_UNAVAILABLE", zap.Error(err))
		fmt.Fprintf(n.out, "Open this URL in your browser:\n\n  %s\n\n", url)
		return nil
	}
	n.logger.Debug("BROWSER_OPENED")
	return nil
}
