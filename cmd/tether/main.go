// Command tether runs the realtime state-sync session server.
//
// Participants connect over a multiplexed WebSocket session, exchange JSON
// commands on reliable streams, stream their transforms as datagrams and
// receive a binary snapshot of every participant once per tick.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/energizer-project/tether/internal/config"
)

// Version information set at build time.
var (
	version = "1.0.0"
	commit  = "none"
)

const banner = `
  _       _   _
 | |_ ___| |_| |__   ___ _ __
 | __/ _ \ __| '_ \ / _ \ '__|
 | ||  __/ |_| | | |  __/ |
  \__\___|\__|_| |_|\___|_|   v%s
 realtime state-sync server
`

type options struct {
	configDir string
	noConsole bool
}

func main() {
	opts := options{}

	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Realtime multiplayer state-sync server",
		Long: `tether keeps a registry of connected participants, answers their JSON
commands, applies their transform datagrams and broadcasts a snapshot of
every participant to everyone at a fixed tick rate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf(banner, version)
			fmt.Println()
			return run(opts)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", config.DefaultConfigDir, "directory holding config.json")
	rootCmd.Flags().BoolVar(&opts.noConsole, "no-console", false, "disable the interactive console")

	rootCmd.AddCommand(versionCmd(), setupCmd(&opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tether %s (%s) %s/%s %s\n", version, commit, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

func setupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively create or update config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configDir)
			if err != nil {
				return err
			}
			return config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
