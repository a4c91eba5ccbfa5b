package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [index]",
		Short: "Finish interrupted index create and delete sequences",
		Long: `Resume rolls interrupted lifecycle sequences forward, or compensates
creates whose registry record is incomplete. Without an argument every
index that is not ACTIVE is resumed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *env)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				if err := a.lifecycle.Resume(ctx, args[0]); err != nil {
					return fmt.Errorf("resume %s: %w", args[0], err)
				}
				_, _ = fmt.Fprintf(out, "Resumed %s\n", args[0])
				return nil
			}

			n, err := a.lifecycle.ResumeAll(ctx)
			_, _ = fmt.Fprintf(out, "Resumed %d sequence(s)\n", n)
			if err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			return nil
		},
	}
}
