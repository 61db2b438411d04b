package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-finder/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control server",
	Long: `Start an HTTP server that runs finder jobs in the background.

Routes:
  GET    /api/v1/health               server and embedding server state
  POST   /api/v1/runs                 start a run: {"mode": "find", "retry_failed": false}
  GET    /api/v1/runs/current         state of the current run
  DELETE /api/v1/runs/current         cancel the current run
  GET    /api/v1/runs/current/events  Server-Sent Events with progress and hits
  GET    /api/v1/hits                 rows of the hit log

Only one run is active at a time. On shutdown the active run is cancelled and
its store is checkpointed before the server exits.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addFinderFlags(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default $WEB_PORT or 8080)")
	serveCmd.Flags().String("host", "", "Host to bind to (default $WEB_HOST or 127.0.0.1)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Web.Host = mustGetString(cmd, "host")
	}

	log := newLogger()
	runner, client := newFinder(cfg, log)
	server := web.NewServer(cfg, runner, client, log.WithName("web"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Finder on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
