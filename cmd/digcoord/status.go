package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/types"
)

var headerStyle = lipgloss.NewStyle().Bold(true)

func newStatusCmd() *cobra.Command {
	var municipality string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project and moratorium statistics",
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

			stats, err := store.Projects().Statistics(ctx)
			if err != nil {
				return err
			}

			fmt.Println(headerStyle.Render("Projects"))
			t := table.New().Headers("STATE", "COUNT")
			for _, state := range types.AllStates() {
				t.Row(string(state), fmt.Sprintf("%d", stats.ByState[state]))
			}
			t.Row("total", fmt.Sprintf("%d", stats.Total))
			t.Row("with conflict", fmt.Sprintf("%d", stats.WithConflict))
			fmt.Println(t.Render())

			if municipality != "" {
				loc, err := timeLocation(settings.Scheduler.Timezone)
				if err != nil {
					return err
				}
				mstats, err := store.Moratoriums().Statistics(ctx, municipality, dates.Today(loc))
				if err != nil {
					return err
				}
				fmt.Println(headerStyle.Render("Moratoriums in " + municipality))
				mt := table.New().Headers("METRIC", "VALUE")
				mt.Row("total", fmt.Sprintf("%d", mstats.Total))
				mt.Row("active", fmt.Sprintf("%d", mstats.Active))
				mt.Row("expiring in 30 days", fmt.Sprintf("%d", mstats.ExpiringSoon))
				mt.Row("active area (m²)", fmt.Sprintf("%.0f", mstats.TotalAreaM2))
				fmt.Println(mt.Render())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&municipality, "municipality", "", "also show moratorium statistics for a municipality code")
	return cmd
}
