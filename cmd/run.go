package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teemow/handovermail/internal/runlock"
	"github.com/teemow/handovermail/internal/runner"
)

func newRunCmd(c *cli) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "run <target>",
		Short: "Dispatch the flagged rows of one target",
		Long: `Dispatch the flagged rows of one target as the given user and wait for
the run to finish. The run takes the same lock as runs started through the
HTTP API, so it refuses to start while another owner is dispatching.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.Background()) }()

			message, err := dispatchAndWait(ctx, a.service, a.drain, args[0], user)
			if message != "" {
				fmt.Fprintln(cmd.OutOrStdout(), message)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Google account to send as (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// runService is the part of runner.Service the run command drives.
type runService interface {
	Run(ctx context.Context, target, owner string) (runner.Result, error)
	Status(ctx context.Context, target string) (runlock.State, error)
}

// dispatchAndWait starts a run, waits for the pool to drain and returns the
// terminal lock message. A busy target or an error outcome is an error.
func dispatchAndWait(ctx context.Context, svc runService, drain func(context.Context) error, target, user string) (string, error) {
	result, err := svc.Run(ctx, target, user)
	if err != nil {
		return "", err
	}
	if result.Status == runner.StatusBusy {
		return "", fmt.Errorf("target %s is busy: run owned by %s (%s)", target, result.Owner, result.Message)
	}

	if err := drain(ctx); err != nil {
		return "", fmt.Errorf("run %s did not finish: %w", result.RunID, err)
	}

	state, err := svc.Status(context.WithoutCancel(ctx), target)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(state.Message, "error:") {
		return state.Message, errors.New(strings.TrimSpace(strings.TrimPrefix(state.Message, "error:")))
	}
	return state.Message, nil
}
