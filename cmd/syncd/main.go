// Command syncd runs the sync server: the canonical record store, the push
// processor and the pull endpoint, plus the WebSocket change feed.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/localsync/internal/logging"
	"github.com/kimhsiao/localsync/internal/schema"
	"github.com/kimhsiao/localsync/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Run the localsync server",
	Long: `syncd serves the sync protocol for one schema:

  POST /sync/push           apply a client's event batch
  GET  /sync/pull?cursor=N  stream the change log back to clients
  GET  /sync/ws             push change notifications over WebSocket

The schema file declares the synced models and their ownership chain; it is
validated at startup and the process refuses to start on a bad schema.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().String("addr", ":8090", "listen address")
	rootCmd.Flags().String("data-dir", "./data", "directory for the canonical database")
	rootCmd.Flags().String("schema", "schema.json", "path to the schema file")
	rootCmd.Flags().Int("max-batch", server.DefaultMaxBatch, "maximum events per push call")
	rootCmd.Flags().Int("page-size", server.DefaultPageSize, "change-log entries per pull page")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func run(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	schemaPath, _ := cmd.Flags().GetString("schema")
	maxBatch, _ := cmd.Flags().GetInt("max-batch")
	pageSize, _ := cmd.Flags().GetInt("page-size")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logging.Init(os.Stderr, logging.ParseLevel(logLevel))
	logger := logging.Get().WithComponent("syncd")

	s, err := schema.Load(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	registry, err := schema.NewRegistry(s)
	if err != nil {
		return fmt.Errorf("schema rejected: %w", err)
	}

	store, err := server.Open(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open canonical store: %w", err)
	}
	defer store.Close()

	processor := server.NewProcessor(store, registry, maxBatch)
	puller := server.NewPuller(store, pageSize)
	hub := server.NewHub()
	handler := server.NewHandler(processor, puller, hub)

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", logging.Fields{
			"addr":   addr,
			"root":   registry.Root(),
			"models": registry.Models(),
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", logging.Fields{"signal": sig.String()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
