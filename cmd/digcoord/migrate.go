package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/digcoord/digcoord/internal/storage/postgres/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			log, err := buildLogger(settings.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			store, err := openStore(ctx, settings.Database, log)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			action := "up"
			if len(args) > 0 {
				action = args[0]
			}
			switch action {
			case "up":
				if err := migrations.Up(ctx, store.DB()); err != nil {
					return err
				}
				fmt.Println("migrations applied")
			case "down":
				if err := migrations.Down(ctx, store.DB()); err != nil {
					return err
				}
				fmt.Println("rolled back one migration")
			case "status":
				lines, err := migrations.Status(ctx, store.DB())
				if err != nil {
					return err
				}
				for _, line := range lines {
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	return cmd
}
