// Package cli wires the securecall commands: the interactive peer client,
// the standalone relay server, and offline analysis of a recorded call.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/securecall/securecall/internal/config"
	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/version"
)

// Dependencies are shared by all commands.
type Dependencies struct {
	Config *config.Config
	Log    logging.Logger
}

func NewRootCmd() *cobra.Command {
	var cfgPath string

	deps := &Dependencies{}

	rootCmd := &cobra.Command{
		Use:   "securecall",
		Short: "Peer-to-peer audio calls with post-call scam analysis",
		Long: "securecall places direct audio calls between two participants over a\n" +
			"signaling relay, records the mixed conversation, and scores the\n" +
			"recording for scam likelihood after the call ends.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log, err := logging.NewApplicationLogger(
				logging.Level(cfg.Log.Level),
				logging.Path(cfg.Log.Dir),
			)
			if err != nil {
				return err
			}
			deps.Config = cfg
			deps.Log = log
			return nil
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(NewPeerCmd(deps))
	rootCmd.AddCommand(NewRelayCmd(deps))
	rootCmd.AddCommand(NewAnalyzeCmd(deps))

	return rootCmd
}
