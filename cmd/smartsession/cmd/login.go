package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"smartsession/pkg/session"
)

var returnTo string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in through the browser",
	Long: `Sign in with OAuth2 authorization code + PKCE.

A loopback server receives the redirect, the code is exchanged for tokens
and the tokens are stored in the configured backend.`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&returnTo, "return-to", "", "location to report once signed in")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := a.newCallbackServer()
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Shutdown(context.WithoutCancel(ctx))

	login, err := a.machine.StartLogin(ctx, returnTo)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Opening browser for sign-in...\n")
	if err := a.navigator.Navigate(ctx, login.URL); err != nil {
		return err
	}

	landing, err := awaitLogin(ctx, srv)
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}
	printLanding(landing)
	return nil
}

func printLanding(landing *session.Landing) {
	who := landing.UserID
	if who == "" {
		who = "unknown user"
	}
	fmt.Fprintf(os.Stderr, "%s Signed in as %s\n", text.FgGreen.Sprint("✓"), who)
	if landing.ReturnTo != "" {
		fmt.Fprintf(os.Stderr, "  Return to: %s\n", landing.ReturnTo)
	}
	if p := landing.Pending; p != nil {
		fmt.Fprintf(os.Stderr, "  Interrupted request: %s %s (saved %s)\n", p.Method, p.URL, p.SavedAt.Format("15:04:05"))
	}
}
