package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallnest/graphstate/store"
	"github.com/spf13/cobra"
)

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "delete <thread> [checkpoint]",
		Short: "Delete a checkpoint, or every checkpoint of the thread with --all",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpointID := ""
			switch {
			case len(args) == 2 && all:
				return errors.New("--all cannot be combined with a checkpoint id")
			case len(args) == 2:
				checkpointID = args[1]
			case !all:
				return errors.New("give a checkpoint id or --all")
			}

			return opts.withStore(cmd, func(ctx context.Context, p store.Persistence) error {
				ok, err := p.DeleteState(ctx, args[0], checkpointID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("delete of thread %q was incomplete", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every checkpoint of the thread")
	return cmd
}
