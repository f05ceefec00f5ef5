package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/handovermail/internal/config"
	"github.com/teemow/handovermail/internal/runlock"
	"github.com/teemow/handovermail/internal/runner"
)

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [target...]",
		Short: "Show the run lock of targets",
		Long:  `Show whether a run is in progress for each target, who owns it and its last progress message. Without arguments every configured target is shown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := selectTargets(c.cfg, args)
			if err != nil {
				return err
			}
			store, locks, err := openLocks(c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			states := make([]runlock.State, 0, len(keys))
			for _, k := range keys {
				st, err := locks.Read(cmd.Context(), k)
				if err != nil {
					return err
				}
				states = append(states, st)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(states)
			}
			return printStates(cmd.OutOrStdout(), states)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newReleaseCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "release <target>",
		Short: "Clear the run lock of a target",
		Long: `Clear the run lock of a target whoever owns it. Use this when a run was
interrupted and left its lock behind. A run that is still executing is not
stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := selectTargets(c.cfg, args)
			if err != nil {
				return err
			}
			store, locks, err := openLocks(c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := locks.Release(cmd.Context(), keys[0], runner.ReleasedMessage); err != nil {
				return err
			}
			st, err := locks.Read(context.WithoutCancel(cmd.Context()), keys[0])
			if err != nil {
				return err
			}
			return printStates(cmd.OutOrStdout(), []runlock.State{st})
		},
	}
}

// selectTargets validates args against the configured targets. No args
// selects all of them.
func selectTargets(cfg *config.Config, args []string) ([]string, error) {
	if len(args) == 0 {
		keys := make([]string, 0, len(cfg.Targets))
		for _, t := range cfg.Targets {
			keys = append(keys, t.Key)
		}
		return keys, nil
	}
	for _, k := range args {
		if _, ok := cfg.Target(k); !ok {
			return nil, fmt.Errorf("%w: %s", runner.ErrUnknownTarget, k)
		}
	}
	return args, nil
}

func printStates(w io.Writer, states []runlock.State) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tRUNNING\tOWNER\tUPDATED\tMESSAGE")
	for _, st := range states {
		owner := st.Owner
		if owner == "" {
			owner = "-"
		}
		updated := "-"
		if !st.UpdatedAt.IsZero() {
			updated = st.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", st.Target, st.Running, owner, updated, st.Message)
	}
	return tw.Flush()
}
