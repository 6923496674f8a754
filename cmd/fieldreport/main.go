// Package main provides the CLI entrypoint for fieldreport.
package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openvmc/fieldreport/internal/api"
	"github.com/openvmc/fieldreport/internal/config"
	"github.com/openvmc/fieldreport/internal/logger"
	"github.com/openvmc/fieldreport/internal/netmon"
	"github.com/openvmc/fieldreport/internal/queue"
	"github.com/openvmc/fieldreport/internal/sync"
	"github.com/openvmc/fieldreport/internal/ticket"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fieldreport",
	Short: "Report incidents from the field, online or not",
	Long: `fieldreport queues incident reports on the device and delivers them to the
central service whenever a connection is available. Every report receives a
sequential ticket number from the server once it arrives.`,
}

var (
	submitLat      float64
	submitLng      float64
	submitCategory int
	submitDesc     string
	submitPhoto    string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a new incident report",
	Long: `Queue an incident report locally. The report is delivered in the background
by 'fieldreport agent', or on demand with 'fieldreport sync'. Submission
succeeds whether or not the service is reachable.`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List queued reports and their sync state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var showCmd = &cobra.Command{
	Use:   "show <local-id>",
	Short: "Show one queued report in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one drain cycle against the service",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Watch connectivity and drain the queue until interrupted",
	Long: `Run the background agent: probe the service's health endpoint, drain the
queue when the connection comes back and on a fixed interval otherwise.
Stops on Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default ~/.config/fieldreport/config.yml)")

	submitCmd.Flags().Float64Var(&submitLat, "lat", 0, "latitude of the incident")
	submitCmd.Flags().Float64Var(&submitLng, "lng", 0, "longitude of the incident")
	submitCmd.Flags().IntVar(&submitCategory, "category", 0, "incident category id")
	submitCmd.Flags().StringVar(&submitDesc, "description", "", "free-form description")
	submitCmd.Flags().StringVar(&submitPhoto, "photo", "", "path to a photo to attach")
	submitCmd.MarkFlagRequired("lat")
	submitCmd.MarkFlagRequired("lng")
	submitCmd.MarkFlagRequired("category")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(agentCmd)
}

// loadConfig reads the client config and applies the log level.
func loadConfig() (*config.Client, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultClientPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadClient(path)
	if err != nil {
		return nil, err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// openQueue opens the durable queue, creating its directory if needed.
func openQueue(cfg *config.Client) (*queue.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.QueuePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return queue.Open(cfg.QueuePath)
}

// newEngine builds the drain engine from the config.
func newEngine(cfg *config.Client, store *queue.Store) *sync.Engine {
	client := api.New(cfg.ServerURL, cfg.Token)
	return sync.NewEngine(store, client, sync.Config{
		Owner:       fmt.Sprintf("%s-%d", cfg.DeviceID, os.Getpid()),
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase.Std(),
		BackoffCap:  cfg.BackoffCap.Std(),
	})
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if submitLat < -90 || submitLat > 90 {
		return fmt.Errorf("latitude %v out of range", submitLat)
	}
	if submitLng < -180 || submitLng > 180 {
		return fmt.Errorf("longitude %v out of range", submitLng)
	}
	if submitCategory <= 0 {
		return fmt.Errorf("category must be a positive id")
	}

	var attachment *queue.Attachment
	if submitPhoto != "" {
		data, err := os.ReadFile(submitPhoto)
		if err != nil {
			return fmt.Errorf("failed to read photo: %w", err)
		}
		attachment = &queue.Attachment{
			ContentType: photoContentType(submitPhoto),
			Data:        data,
		}
	}

	store, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	localID := uuid.NewString()
	payload := queue.Payload{
		DeviceID:    cfg.DeviceID,
		Latitude:    submitLat,
		Longitude:   submitLng,
		CategoryID:  submitCategory,
		Description: submitDesc,
		SubmittedAt: time.Now().UTC(),
	}

	if err := store.Put(localID, payload, attachment); err != nil {
		return fmt.Errorf("failed to queue report: %w", err)
	}

	fmt.Printf("queued report %s\n", localID)
	if attachment != nil {
		fmt.Printf("attached %s (%s)\n", filepath.Base(submitPhoto), humanize.Bytes(uint64(len(attachment.Data))))
	}
	fmt.Println("it will be delivered on the next sync")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL ID\tSTATUS\tATTEMPTS\tTICKET\tAGE\tLAST ERROR")
	for _, rec := range records {
		status := string(rec.Status)
		if rec.Quarantined {
			status = "QUARANTINED"
		} else if rec.Status == queue.StatusSynced && rec.AttachmentPending {
			status = "SYNCED (attachment pending)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			shortID(rec.LocalID), status, rec.AttemptCount,
			orDash(rec.TicketNumber), humanize.Time(rec.CreatedAt),
			truncate(rec.LastError, 60))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, recErr := store.Get(args[0])
	if rec == nil {
		if recErr != nil {
			return fmt.Errorf("failed to load record: %w", recErr)
		}
		return fmt.Errorf("no record with local id %s", args[0])
	}

	fmt.Printf("local id:     %s\n", rec.LocalID)
	fmt.Printf("status:       %s\n", rec.Status)
	if rec.Quarantined {
		fmt.Println("quarantined:  yes (payload unreadable)")
	} else {
		fmt.Printf("device:       %s\n", rec.Payload.DeviceID)
		fmt.Printf("location:     %.5f, %.5f\n", rec.Payload.Latitude, rec.Payload.Longitude)
		fmt.Printf("category:     %d\n", rec.Payload.CategoryID)
		if rec.Payload.Description != "" {
			fmt.Printf("description:  %s\n", rec.Payload.Description)
		}
		fmt.Printf("submitted:    %s (%s)\n", rec.Payload.SubmittedAt.Format(time.RFC3339), humanize.Time(rec.Payload.SubmittedAt))
	}
	if rec.TicketNumber != "" {
		fmt.Printf("ticket:       %s\n", rec.TicketNumber)
		if n, err := ticket.Parse(rec.TicketNumber); err == nil {
			fmt.Printf("ticket year:  %d, number %d\n", n.Year, n.Counter)
		}
	}
	if rec.AttachmentPending {
		fmt.Println("attachment:   pending upload")
	}
	fmt.Printf("attempts:     %d\n", rec.AttemptCount)
	if !rec.LastAttemptAt.IsZero() {
		fmt.Printf("last attempt: %s\n", humanize.Time(rec.LastAttemptAt))
	}
	if !rec.NextAttemptAt.IsZero() && (rec.Status == queue.StatusFailed || rec.AttachmentPending) {
		fmt.Printf("next attempt: %s\n", humanize.Time(rec.NextAttemptAt))
	}
	if rec.LastError != "" {
		fmt.Printf("last error:   %s\n", rec.LastError)
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := newEngine(cfg, store)
	stats, err := engine.DrainOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("drain cycle failed: %w", err)
	}

	if stats == (sync.Stats{}) {
		fmt.Println("nothing to sync")
		return nil
	}
	fmt.Printf("synced %d, uploaded %d attachments, %d retries scheduled, %d abandoned\n",
		stats.Synced, stats.Uploaded, stats.Failed, stats.Abandoned)
	return nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := api.New(cfg.ServerURL, cfg.Token)
	monitor := netmon.New(client, cfg.ProbeInterval.Std())
	engine := newEngine(cfg, store)

	fmt.Printf("agent running against %s (Ctrl+C to stop)\n", cfg.ServerURL)

	go monitor.Run(ctx)
	err = engine.Run(ctx, cfg.DrainInterval.Std(), monitor.Up())
	if err != nil && err != context.Canceled {
		return err
	}

	fmt.Println("agent stopped")
	return nil
}

// photoContentType guesses the MIME type from the file extension.
func photoContentType(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
