// Command kernel-migrate applies the kernel object store's numbered
// Postgres schema migrations (V1..V7, SPEC_FULL.md §6.2) and can run a
// standalone outbox dispatcher against the configured store. It is
// grounded on the teacher's cmd/bd wiring style — construct a store via
// a factory, hand it to the subsystems that need it — trimmed to the
// operations in scope for an example binary: migrate and run-dispatcher.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/kernelstore/internal/bus/nats"
	"github.com/steveyegge/kernelstore/internal/config"
	"github.com/steveyegge/kernelstore/internal/dispatcher"
	"github.com/steveyegge/kernelstore/internal/store/factory"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "kernel-migrate",
		Short: "Apply kernel object store schema migrations and run the outbox dispatcher",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a kernel.yaml config file (optional; defaults apply otherwise)")

	root.AddCommand(migrateCmd(), dispatcherCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending V1..V7 schema migrations to the configured Postgres database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Store.DSN == "" {
				return fmt.Errorf("store.dsn must be set (via --config or KERNEL_STORE_DSN)")
			}

			ctx := cmd.Context()
			st, err := factory.NewWithOptions(ctx, "postgres", cfg.Store.DSN, factory.Options{
				MaxConns:      int32(cfg.Store.MaxPoolSize),
				RunMigrations: true,
			})
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer st.Close(ctx)

			log.Println("kernel-migrate: schema is up to date")
			return nil
		},
	}
}

func dispatcherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-dispatcher",
		Short: "Run the outbox dispatcher's pending/retry/sweep workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Store.DSN == "" {
				return fmt.Errorf("store.dsn must be set (via --config or KERNEL_STORE_DSN)")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dispatcherPoolSize := int32(float64(cfg.Store.MaxPoolSize) * cfg.Store.DispatcherShare)
			st, err := factory.NewWithOptions(ctx, "postgres", cfg.Store.DSN, factory.Options{MaxConns: dispatcherPoolSize})
			if err != nil {
				return fmt.Errorf("run-dispatcher: connect store: %w", err)
			}
			defer st.Close(ctx)

			b, err := nats.Connect(nats.Config{
				URL:                cfg.Bus.URL,
				BreakerMaxFailures: cfg.Bus.BreakerMaxFailures,
				BreakerTimeout:     cfg.Bus.BreakerTimeout,
			})
			if err != nil {
				return fmt.Errorf("run-dispatcher: connect bus: %w", err)
			}
			defer b.Close()

			d := dispatcher.New(st, b, dispatcher.Config{
				Interval:   cfg.Dispatcher.PollInterval,
				BatchSize:  cfg.Dispatcher.BatchSize,
				Retention:  cfg.Dispatcher.RetentionPeriod,
				MaxRetries: cfg.Dispatcher.MaxRetries,
			})

			log.Println("kernel-migrate: dispatcher running, press ctrl-c to stop")
			return d.Run(ctx)
		},
	}
}
