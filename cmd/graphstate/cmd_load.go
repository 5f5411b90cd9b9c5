package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smallnest/graphstate/store"
	"github.com/spf13/cobra"
)

func newLoadCmd(opts *rootOptions) *cobra.Command {
	var stateOnly bool
	cmd := &cobra.Command{
		Use:   "load <thread> [checkpoint]",
		Short: "Print a checkpoint, or the newest one of the thread",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpointID := ""
			if len(args) == 2 {
				checkpointID = args[1]
			}
			return opts.withStore(cmd, func(ctx context.Context, p store.Persistence) error {
				doc, err := p.LoadState(ctx, args[0], checkpointID)
				if err != nil {
					return err
				}
				if doc == nil {
					return fmt.Errorf("no checkpoint found for thread %q", args[0])
				}

				var v any = doc
				if stateOnly {
					v = doc.State
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			})
		},
	}
	cmd.Flags().BoolVar(&stateOnly, "state-only", false, "print only the state")
	return cmd
}
