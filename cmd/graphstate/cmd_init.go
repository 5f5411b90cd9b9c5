package main

import (
	"context"
	"fmt"

	"github.com/smallnest/graphstate/store"
	"github.com/spf13/cobra"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the checkpoint table or container if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd, func(ctx context.Context, p store.Persistence) error {
				if err := p.Initialize(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "initialized")
				return nil
			})
		},
	}
}
