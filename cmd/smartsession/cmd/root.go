package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"smartsession/pkg/config"
	"smartsession/pkg/logging"
)

var (
	cfgFile  string
	envFiles []string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

var rootCmd = &cobra.Command{
	Use:   "smartsession",
	Short: "OAuth2 PKCE session manager with a recovering API gateway",
	Long: `smartsession signs you in with OAuth2 authorization code + PKCE, keeps the
tokens fresh, and sends API calls through a gateway that refreshes on 401,
replays once, and sends you back to login when the session cannot be saved.

Start with:
  smartsession login
  smartsession call GET /me`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] == "true" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, envFiles...)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, ".env files to load before reading SMARTSESSION_* variables")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
