package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"smartsession/pkg/gateway"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Serve the API locally with credentials attached",
	Long: `Run a local HTTP proxy. Requests to /api/<path> are sent to the configured
API through the gateway, so local tools never handle tokens. Prometheus
metrics are served at /metrics.`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// Sign-ins triggered by proxied calls complete on the callback server.
	callbacks := a.newCallbackServer()
	if err := callbacks.Start(); err != nil {
		return err
	}
	defer callbacks.Shutdown(context.WithoutCancel(ctx))

	client, err := a.newGateway(gateway.TickerPrompt{})
	if err != nil {
		return err
	}

	limiter := a.newRateLimiter()
	if limiter != nil {
		defer limiter.Stop()
	}
	srv := &http.Server{
		Addr: cfg.Proxy.Addr,
		Handler: client.ProxyHandler(gateway.ProxyOptions{
			AllowedOrigins: cfg.Proxy.AllowedOrigins,
			RateLimiter:    limiter,
			Metrics:        true,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("PROXY_STARTED",
		zap.String("addr", cfg.Proxy.Addr),
		zap.String("upstream", cfg.API.BaseURL),
		zap.String("callback", cfg.RedirectURL()))
	fmt.Fprintf(os.Stderr, "Proxying http://%s/api/ to %s\n", cfg.Proxy.Addr, cfg.API.BaseURL)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	logger.Info("PROXY_STOPPING")
	return srv.Shutdown(shutdownCtx)
}
