package cmd

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"smartsession/pkg/credstore"
	"smartsession/pkg/logging"
	"smartsession/pkg/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{text.FgHiCyan.Sprint("KEY"), text.FgHiCyan.Sprint("VALUE")})

		state := a.machine.State()
		t.AppendRow(table.Row{"Status", statusText(state.Status)})
		if state.UserID != "" {
			t.AppendRow(table.Row{"User", state.UserID})
		}
		t.AppendRow(table.Row{"Access token", tokenText(a.store, credstore.AccessToken)})
		t.AppendRow(table.Row{"Refresh token", tokenText(a.store, credstore.RefreshToken)})
		if p, ok := a.machine.Pending(); ok {
			t.AppendRow(table.Row{"Interrupted request", p.Method + " " + p.URL})
		}
		t.AppendRow(table.Row{"Issuer", valueOr(cfg.OAuth.IssuerURL, cfg.OAuth.TokenURL)})
		t.AppendRow(table.Row{"API", cfg.API.BaseURL})
		t.AppendRow(table.Row{"Storage", a.backend})
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusText(s session.Status) string {
	switch s {
	case session.SignedIn:
		return text.FgGreen.Sprint("Signed in")
	case session.SignedOut:
		return text.FgYellow.Sprint("Signed out")
	default:
		return text.FgHiBlack.Sprint(s.String())
	}
}

func tokenText(store *credstore.Store, kind credstore.Kind) string {
	v, ok := store.Get(kind)
	if !ok {
		return text.FgHiBlack.Sprint("none")
	}
	return logging.Redact(v)
}

func valueOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
