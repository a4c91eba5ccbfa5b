package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/repository/registry"
)

func newIndicesCmd(env *string) *cobra.Command {
	var prefix string
	var all bool
	cmd := &cobra.Command{
		Use:   "indices",
		Short: "List registered indices with their lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *env)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.registry.List(ctx, registry.ListFilter{Prefix: prefix, IncludeInactive: all})
			if err != nil {
				return fmt.Errorf("list indices: %w", err)
			}
			return printIndices(cmd.OutOrStdout(), items, time.Now())
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only list indices whose name starts with prefix")
	cmd.Flags().BoolVar(&all, "all", true, "Include indices that are being created or deleted")
	return cmd
}

func printIndices(w io.Writer, items []index.Index, now time.Time) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "No indices")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPHYSICAL\tFIELDS\tOWNER\tGUEST\tCREATED")
	for _, idx := range items {
		physical := idx.PhysicalID()
		if physical == "" {
			physical = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			idx.Name(),
			idx.State(),
			physical,
			humanize.Comma(int64(len(idx.Fields()))),
			idx.Owner(),
			idx.GuestReadable(),
			humanize.RelTime(time.UnixMilli(idx.CreatedAt()), now, "ago", "from now"),
		)
	}
	return tw.Flush()
}
