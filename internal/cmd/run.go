package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jpequegn/procrun/internal/engine"
	"github.com/jpequegn/procrun/internal/planconfig"
	"github.com/jpequegn/procrun/internal/reporter"
	"github.com/jpequegn/procrun/internal/runstore"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured test plan",
	Long: `Run all tests defined in the configuration file, one subprocess per
test, with retries, timeouts and live status.

Example:
  procrun run --config procrun.yaml
  procrun run --junit report.xml`,
	RunE: runTests,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("junit", "", "write a JUnit XML report to this path")
	runCmd.Flags().String("store", "", "path to the run history sqlite database (default: .procrun-history.db)")
}

func runTests(cmd *cobra.Command, args []string) error {
	p, err := planconfig.Load(viper.ConfigFileUsed())
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}

	slog.Info("loaded plan", "tests", len(p.Tests), "run_id", p.Settings.RunID)

	bus := engine.NewBus(256)
	sched := engine.NewScheduler(p, bus, logger)

	storePath, _ := cmd.Flags().GetString("store")
	if storePath == "" {
		storePath = ".procrun-history.db"
	}
	store, err := runstore.Open(storePath)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()

	junitPath, _ := cmd.Flags().GetString("junit")

	storeBus := engine.NewBus(256)
	reportBus := engine.NewBus(256)
	junitBus := engine.NewBus(256)
	go fanOut(bus, storeBus, reportBus, junitBus)

	console := reporter.NewConsole(os.Stdout, reporter.ConsoleOptions{Verbose: verbose})
	startedAt := time.Now()

	done := make(chan struct{}, 3)
	go func() { store.Consume(p.Settings.RunID, startedAt, storeBus); done <- struct{}{} }()
	go func() { console.Run(reportBus); done <- struct{}{} }()

	var junitErr error
	go func() {
		defer func() { done <- struct{}{} }()
		if junitPath == "" {
			for range junitBus.Events() {
			}
			return
		}
		f, err := os.Create(junitPath)
		if err != nil {
			junitErr = err
			for range junitBus.Events() {
			}
			return
		}
		defer f.Close()
		junitErr = reporter.NewJUnit(p.Settings.Profile).Run(junitBus, f)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	exitCode := sched.Run(ctx)

	<-done
	<-done
	<-done

	if junitErr != nil {
		slog.Warn("failed writing junit report", "error", junitErr)
	}

	if exitCode != engine.ExitSuccess {
		os.Exit(exitCode)
	}
	return nil
}

// fanOut relays every event from src to each destination bus, closing
// them all once src's producer (the Scheduler) closes it.
func fanOut(src *engine.Bus, dsts ...*engine.Bus) {
	for ev := range src.Events() {
		for _, d := range dsts {
			d.Publish(ev)
		}
	}
	for _, d := range dsts {
		d.Close()
	}
}
