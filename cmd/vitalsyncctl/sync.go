package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fitiq/fitiq-sync/internal/factory"
	"github.com/fitiq/fitiq-sync/outboxworker"
)

func syncCommands() []*cobra.Command {
	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Push due outbox events to the backend once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				rep, err := app.Processor.Drain(ctx)
				if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
					return perr
				}
				return err
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show entity sync states and outbox depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				h, err := app.Engine.SyncHealth(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), h)
			})
		},
	}

	var clearExisting bool
	resetCmd := &cobra.Command{
		Use:   "reset-sync",
		Short: "Force the next initial sync to re-import backend history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				st, err := app.Engine.ResetSyncState(ctx, clearExisting)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	resetCmd.Flags().BoolVar(&clearExisting, "clear", false, "Also drop synced entities so they are re-imported")

	var kinds string
	initialCmd := &cobra.Command{
		Use:   "initial-sync",
		Short: "Import backend history once per owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := parseKinds(kinds)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				st, err := app.Engine.InitialSync(ctx, ks)
				if st != nil {
					if perr := printJSON(cmd.OutOrStdout(), st); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	initialCmd.Flags().StringVarP(&kinds, "kinds", "k", "", "Comma-separated kinds (default all)")

	return []*cobra.Command{drainCmd, statusCmd, resetCmd, initialCmd}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the outbox worker in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return outboxworker.Run()
		},
	}
}
