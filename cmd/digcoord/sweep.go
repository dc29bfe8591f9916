package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/digcoord/digcoord/internal/conflict"
	"github.com/digcoord/digcoord/internal/events"
	"github.com/digcoord/digcoord/internal/notify"
	"github.com/digcoord/digcoord/internal/scheduler"
	"github.com/digcoord/digcoord/internal/users"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one deadline sweep immediately",
		Long: `Runs the same deadline sweep the scheduler performs at its daily
tick: approaching starts (1, 3, 7 days), works ending tomorrow, and
overdue starts and ends. Notifications are enqueued before the command
returns.`,
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

			bus := events.NewBus(events.Options{
				Workers:    settings.Events.Workers,
				QueueDepth: settings.Events.QueueDepth,
			}, log.Named("events"))

			detector := conflict.New(
				store.Projects(), store.Moratoriums(), store.Municipalities(), bus,
				conflict.Options{
					BufferMeters:     settings.Conflict.BufferMeters,
					SoftBudget:       settings.Conflict.SoftBudget,
					BatchConcurrency: settings.Conflict.BatchConcurrency,
				},
				log.Named("conflict"),
			)
			dispatcher := notify.NewDispatcher(
				users.NewPGDirectory(store.DB()),
				notify.NewPGQueue(store.DB()),
				detector,
				log.Named("notify"),
			)
			bus.Subscribe(dispatcher.Handle)

			sched, err := scheduler.New(store.Projects(), bus, scheduler.Options{
				Timezone: settings.Scheduler.Timezone,
				Hour:     settings.Scheduler.Hour,
			}, log.Named("scheduler"))
			if err != nil {
				return err
			}

			if err := sched.TriggerNow(ctx); err != nil {
				return err
			}
			bus.Close()
			fmt.Println("sweep complete")
			return nil
		},
	}
}
