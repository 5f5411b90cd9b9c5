package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/smallnest/graphstate/store"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <thread>",
		Short: "List the newest checkpoints of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, p store.Persistence) error {
				docs, err := p.ListCheckpoints(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if len(docs) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No checkpoints for thread %q.\n", args[0])
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), checkpointTable(docs))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of checkpoints")
	return cmd
}

func checkpointTable(docs []*store.StateDocument) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CHECKPOINT", "CREATED", "UPDATED", "SIZE").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, d := range docs {
		t.Row(
			d.CheckpointID,
			d.CreatedAt.Format(time.RFC3339Nano),
			d.UpdatedAt.Format(time.RFC3339Nano),
			strconv.Itoa(len(d.State)),
		)
	}
	return t.Render()
}
