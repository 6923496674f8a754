// Package main provides the entrypoint for the fieldreport central service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openvmc/fieldreport/internal/config"
	"github.com/openvmc/fieldreport/internal/logger"
	"github.com/openvmc/fieldreport/internal/server"
	"github.com/openvmc/fieldreport/internal/server/db"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fieldreport-server",
	Short: "Central service: accepts incident reports and allocates ticket numbers",
	Long: `fieldreport-server receives reports from field devices, allocates sequential
per-year ticket numbers and stores reports with their attachments. Delivery
is idempotent: a device may safely resend anything it is unsure about.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the server config file")
	rootCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			return err
		}
		defer logger.Close()
	}

	store, err := db.Open(cfg.DBDriver, cfg.DBDSN, cfg.TicketPrefix)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.New(store, cfg.Token).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server: shutdown failed: %v", err)
		}
	}()

	logger.Info("server: listening on %s (%s, prefix %s)", cfg.ListenAddr, cfg.DBDriver, cfg.TicketPrefix)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("server: stopped")
	return nil
}
