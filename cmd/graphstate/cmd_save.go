package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/smallnest/graphstate/store"
	"github.com/spf13/cobra"
)

func newSaveCmd(opts *rootOptions) *cobra.Command {
	var (
		state     string
		stateFile string
		metadata  string
	)
	cmd := &cobra.Command{
		Use:   "save <thread> [checkpoint]",
		Short: "Save a checkpoint, generating its id when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readState(cmd, state, stateFile)
			if err != nil {
				return err
			}
			var meta map[string]any
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
					return fmt.Errorf("metadata must be a JSON object: %w", err)
				}
			}

			checkpointID := ""
			if len(args) == 2 {
				checkpointID = args[1]
			} else {
				id, err := uuid.NewV7()
				if err != nil {
					return fmt.Errorf("generate checkpoint id: %w", err)
				}
				checkpointID = id.String()
			}

			return opts.withStore(cmd, func(ctx context.Context, p store.Persistence) error {
				if _, err := p.SaveState(ctx, args[0], checkpointID, raw, meta); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), checkpointID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state as JSON")
	cmd.Flags().StringVar(&stateFile, "state-file", "", "read the state JSON from a file, - for stdin")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata as a JSON object")
	cmd.MarkFlagsMutuallyExclusive("state", "state-file")
	cmd.MarkFlagsOneRequired("state", "state-file")
	return cmd
}

func readState(cmd *cobra.Command, state, stateFile string) (json.RawMessage, error) {
	data := []byte(state)
	if stateFile != "" {
		var err error
		if stateFile == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(stateFile)
		}
		if err != nil {
			return nil, fmt.Errorf("read state: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, errors.New("state is not valid JSON")
	}
	return json.RawMessage(data), nil
}
