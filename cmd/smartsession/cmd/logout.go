package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the refresh token and clear stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if url := a.machine.Logout(cmd.Context()); url != "" {
			fmt.Fprintf(os.Stderr, "Ending the provider session: %s\n", url)
		}
		fmt.Fprintf(os.Stderr, "%s Signed out\n", text.FgGreen.Sprint("✓"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
