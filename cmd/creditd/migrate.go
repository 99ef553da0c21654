package main

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/pgstore"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd, flagDatabaseURL)
			if err != nil {
				return err
			}
			databaseURL := strings.TrimSpace(v.GetString(flagDatabaseURL))
			if databaseURL == "" {
				databaseURL = defaultDatabaseURL
			}
			driver, _, err := gormstore.ResolveDriver(databaseURL)
			if err != nil {
				return err
			}
			if driver == gormstore.DriverPostgres {
				pool, err := pgstore.OpenPool(cmd.Context(), databaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := pgstore.Migrate(cmd.Context(), pool); err != nil {
					return err
				}
			} else {
				database, err := openDatabase(cmd.Context(), databaseURL)
				if err != nil {
					return err
				}
				_ = database.Close()
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", driver)
			return err
		},
	}
}
