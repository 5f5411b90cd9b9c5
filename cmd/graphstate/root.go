package main

import (
	"context"
	"fmt"
	"time"

	"github.com/smallnest/graphstate/config"
	"github.com/smallnest/graphstate/persistence"
	"github.com/smallnest/graphstate/store"
	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags. Unset flags fall back to the
// environment read by config.Load.
type rootOptions struct {
	conn     string
	table    string
	logLevel string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "graphstate",
		Short: "Manage graph workflow checkpoints",
		Long: `graphstate reads and writes the checkpoints saved by graph workflows.

The backend is chosen from the connection string: PostgreSQL, SQL Server,
Azure Cosmos DB, Redis or SQLite. Without --conn the DATABASE_CONNECTION_STRING
environment variable is used.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.conn, "conn", "", "connection string (default $DATABASE_CONNECTION_STRING)")
	flags.StringVar(&opts.table, "table", "", "table, container or key prefix (default $DATABASE_TABLE_NAME)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, error or none (default $GRAPHSTATE_LOG_LEVEL)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "deadline for the whole command, 0 for none")

	cmd.AddCommand(
		newInitCmd(opts),
		newSaveCmd(opts),
		newLoadCmd(opts),
		newListCmd(opts),
		newDeleteCmd(opts),
	)
	return cmd
}

func (o *rootOptions) config() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if o.conn != "" {
		cfg.ConnectionString = o.conn
	}
	if o.table != "" {
		cfg.TableName = o.table
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// withStore opens the configured adapter, runs fn and closes the adapter.
func (o *rootOptions) withStore(cmd *cobra.Command, fn func(ctx context.Context, p store.Persistence) error) error {
	cfg, err := o.config()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	p, err := persistence.FromConfig(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx := cmd.Context()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return fn(ctx, p)
}
