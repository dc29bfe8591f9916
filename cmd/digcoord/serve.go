package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digcoord/digcoord/internal/conflict"
	"github.com/digcoord/digcoord/internal/events"
	"github.com/digcoord/digcoord/internal/notify"
	"github.com/digcoord/digcoord/internal/scheduler"
	"github.com/digcoord/digcoord/internal/users"
)

func newServeCmd() *cobra.Command {
	var lockPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination service (event bus, dispatcher, deadline scheduler)",
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

			// One serve per node: the deadline scheduler is a singleton.
			lock := flock.New(lockPath)
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("failed to acquire service lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another digcoord serve is already running (lock %s)", lockPath)
			}
			defer func() { _ = lock.Unlock() }()

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

			// Recompute derived conflict state whenever a project is
			// created or changes state; the dispatcher handles the rest of
			// the event table.
			bus.Subscribe(func(ctx context.Context, ev events.Event) {
				switch e := ev.(type) {
				case events.ProjectCreated:
					if _, err := detector.RunForProject(ctx, e.Project.ID); err != nil {
						log.Warn("conflict detection after create failed",
							zap.String("project", e.Project.ID), zap.Error(err))
					}
				case events.ProjectStateChanged:
					if _, err := detector.RunForProject(ctx, e.Project.ID); err != nil {
						log.Warn("conflict detection after transition failed",
							zap.String("project", e.Project.ID), zap.Error(err))
					}
				}
			})

			directory := users.NewPGDirectory(store.DB())
			queue := notify.NewPGQueue(store.DB())
			dispatcher := notify.NewDispatcher(directory, notify.NewBreakerQueue(queue, notify.BreakerSettings{
				MaxFailures: settings.Notify.BreakerMaxFailures,
				Timeout:     settings.Notify.BreakerTimeout,
			}), detector, log.Named("notify"))
			bus.Subscribe(dispatcher.Handle)

			var sched *scheduler.Scheduler
			if settings.Scheduler.Enabled {
				sched, err = scheduler.New(store.Projects(), bus, scheduler.Options{
					Timezone: settings.Scheduler.Timezone,
					Hour:     settings.Scheduler.Hour,
				}, log.Named("scheduler"))
				if err != nil {
					return err
				}
				sched.Start()
				defer sched.Stop()
			}

			log.Info("digcoord serve started",
				zap.String("version", Version),
				zap.Bool("scheduler", settings.Scheduler.Enabled))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				log.Info("shutting down", zap.String("signal", sig.String()))
			case <-ctx.Done():
				log.Info("shutting down", zap.Error(ctx.Err()))
			}

			// Drain in-flight events before releasing the lock.
			bus.Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&lockPath, "lock", defaultLockPath(), "service singleton lock file")
	return cmd
}

func defaultLockPath() string {
	return fmt.Sprintf("%s/digcoord.lock", os.TempDir())
}
