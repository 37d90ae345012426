package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "townctl",
		Short:        "Offline tools for Hearthwake towns: simulate, inspect, resume and replay",
		SilenceUsage: true,
	}

	var env envFlags
	rootCmd.PersistentFlags().StringVar(&env.configDir, "configs", "./configs", "config directory")
	rootCmd.PersistentFlags().StringVar(&env.tuningPath, "tuning", "", "path to economy.yaml (default: <configs>/economy.yaml)")

	rootCmd.AddCommand(simulateCmd(&env))
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(resumeCmd(&env))
	rootCmd.AddCommand(replayCmd(&env))
	rootCmd.AddCommand(catalogsCmd(&env))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func simulateCmd(env *envFlags) *cobra.Command {
	var opts simulateOpts
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a fresh town headless and print where it ends up",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runSimulate(c.OutOrStdout(), *env, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.duration, "for", time.Hour, "simulated time to run")
	cmd.Flags().StringSliceVar(&opts.research, "research", nil, "tech nodes to research before the first tick, in order (repeatable)")
	cmd.Flags().StringSliceVar(&opts.restore, "restore", nil, "zones to restore before the first tick (repeatable)")
	cmd.Flags().StringVar(&opts.out, "out", "", "write the final snapshot here")
	cmd.Flags().BoolVar(&opts.events, "events", false, "print every event")
	return cmd
}

func inspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect [snapshot]",
		Short: "Print the contents of a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runInspect(c.OutOrStdout(), args[0], asJSON, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "dump the decoded snapshot as JSON")
	return cmd
}

func resumeCmd(env *envFlags) *cobra.Command {
	var (
		away time.Duration
		out  string
	)
	cmd := &cobra.Command{
		Use:   "resume [snapshot]",
		Short: "Apply an offline gap to a snapshot and report the catch-up",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runResume(c.OutOrStdout(), *env, args[0], away, out)
		},
	}
	cmd.Flags().DurationVar(&away, "away", 8*time.Hour, "wall time spent away")
	cmd.Flags().StringVar(&out, "out", "", "write the resumed snapshot here")
	return cmd
}

func replayCmd(env *envFlags) *cobra.Command {
	var opts replayOpts
	cmd := &cobra.Command{
		Use:   "replay [town-dir]",
		Short: "Re-run logged ticks from a snapshot and verify their state digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			opts.townDir = args[0]
			return runReplay(c.OutOrStdout(), *env, opts)
		},
	}
	cmd.Flags().StringVar(&opts.snapshot, "snapshot", "", "snapshot to start from (default: oldest in <town-dir>/snapshots)")
	cmd.Flags().Uint64Var(&opts.toTick, "to_tick", 0, "stop after this tick (0 = end of log)")
	return cmd
}

func catalogsCmd(env *envFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "catalogs",
		Short: "Validate zone, milestone and tech catalogs and print their digests",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runCatalogs(c.OutOrStdout(), *env)
		},
	}
}
