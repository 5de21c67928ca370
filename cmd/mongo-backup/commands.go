package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/mongo-backup/internal/domain"
	"github.com/hochfrequenz/mongo-backup/internal/export"
	"github.com/hochfrequenz/mongo-backup/internal/logging"
	"github.com/hochfrequenz/mongo-backup/internal/runstore"
	"github.com/hochfrequenz/mongo-backup/internal/scheduler"
)

var (
	historyLimit  int
	historyStatus string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one backup now",
		RunE:  runBackup,
	}
	rootCmd.AddCommand(runCmd)

	// schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run backups on the configured cron schedule",
		RunE:  runSchedule,
	}
	rootCmd.AddCommand(scheduleCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent backup runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status")
	rootCmd.AddCommand(historyCmd)

	// collections command
	collectionsCmd := &cobra.Command{
		Use:   "collections",
		Short: "List the collections a backup would export",
		RunE:  runCollections,
	}
	rootCmd.AddCommand(collectionsCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.pipeline.Run(ctx)
	if err != nil {
		return fmt.Errorf("backup %s failed: %w", run.ID, err)
	}
	fmt.Printf("Uploaded s3://%s/%s (%s, %d collections)\n",
		run.Remote.Bucket, run.Remote.Key, humanize.Bytes(uint64(run.Remote.SizeBytes)), len(run.Snapshots))
	return nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	maxDuration, err := a.cfg.MaxRunDuration()
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Cron:        a.cfg.Schedule.Cron,
		MaxDuration: maxDuration,
	}, func(ctx context.Context) error {
		_, err := a.pipeline.Run(ctx)
		return err
	}, a.logger)
	if err != nil {
		return err
	}

	fmt.Printf("Next backup: %s\n", sched.NextRun().Format("Mon 2006-01-02 15:04:05"))
	return sched.Run(ctx)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListOptions{
		Status: domain.RunStatus(historyStatus),
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No backup runs recorded.")
		return nil
	}

	fmt.Println(historyTable(runs).Render())
	return nil
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	statusColors = map[domain.RunStatus]lipgloss.Color{
		domain.RunSucceeded: lipgloss.Color("10"),
		domain.RunFailed:    lipgloss.Color("9"),
	}
)

// historyTable renders runs newest first as a bordered table
func historyTable(runs []*domain.BackupRun) *table.Table {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		key, size, duration := "-", "-", "-"
		if run.Remote != nil {
			key = run.Remote.Key
			size = humanize.Bytes(uint64(run.Remote.SizeBytes))
		}
		if run.StartedAt != nil && run.FinishedAt != nil {
			duration = run.FinishedAt.Sub(*run.StartedAt).Round(time.Second).String()
		}

		note := run.Error
		if note == "" && run.CleanupError != "" {
			note = "cleanup incomplete: " + run.CleanupError
		}

		status := string(run.Status)
		if color, ok := statusColors[run.Status]; ok {
			status = lipgloss.NewStyle().Foreground(color).Render(status)
		}

		rows = append(rows, []string{
			run.Timestamp.Format(domain.TimestampLayout),
			status,
			strconv.Itoa(len(run.Snapshots)),
			humanize.Comma(run.DocumentCount()),
			size,
			duration,
			key,
			note,
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("timestamp", "status", "collections", "documents", "size", "duration", "key", "error").
		Rows(rows...)
}

func runCollections(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Mongo.URI == "" {
		return fmt.Errorf("mongo uri is required (set mongo.uri or MONGO_URI)")
	}
	logging.Setup(cfg.General.LogLevel)

	client, err := dialMongo(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signalContext()
	defer stop()

	names, err := export.New(client).Collections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
