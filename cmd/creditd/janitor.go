package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/janitor"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/spf13/cobra"
)

const defaultEventRetention = 90 * 24 * time.Hour

func newJanitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Purge webhook events older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			v, err := newViper(cmd, flagDatabaseURL, flagEventRetention)
			if err != nil {
				return err
			}
			retention := v.GetDuration(flagEventRetention)
			if retention <= 0 {
				retention = defaultEventRetention
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			database, err := openDatabase(ctx, v.GetString(flagDatabaseURL))
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			eventJanitor, err := janitor.New(gormstore.New(database.DB), retention, logger.Named("janitor"))
			if err != nil {
				return err
			}
			purged, err := eventJanitor.RunOnce(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d webhook events older than %s\n", purged, retention)
			return err
		},
	}
	cmd.Flags().Duration(flagEventRetention, 0, "how long webhook events are kept (default 90 days)")
	return cmd
}
