package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"smartsession/pkg/credstore"
	"smartsession/pkg/errs"
)

var forceRefresh bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the current access token",
	Long: `Print the stored access token for use by other tools, for example:

  curl -H "Authorization: Bearer $(smartsession token)" https://api.example.com/me

With --refresh a new token is obtained with the refresh token first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		token, ok := a.store.Get(credstore.AccessToken)
		if forceRefresh || !ok {
			token, err = a.machine.SilentRefresh(cmd.Context())
			if errors.Is(err, errs.ErrNotLoggedIn) || errors.Is(err, errs.ErrTokenExpired) {
				return fmt.Errorf("%w: run 'smartsession login'", err)
			}
			if err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().BoolVar(&forceRefresh, "refresh", false, "refresh the access token before printing it")
}
