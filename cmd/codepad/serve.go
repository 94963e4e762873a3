package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codepad/internal/sandbox"
	"github.com/michaelbrown/codepad/internal/server"
	"github.com/michaelbrown/codepad/internal/storage"
	"github.com/michaelbrown/codepad/internal/storage/sqlite"
)

var (
	portFlag      int
	modeFlag      string
	noHistoryFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the codepad server",
	Long: `Start the codepad HTTP server with REST and WebSocket endpoints.

Clients connect to /api/sessions/{id}/ws; the id names the shared session.

Examples:
  codepad serve
  codepad serve --port 9090 --mode docker`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&modeFlag, "mode", "", "Sandbox mode: docker, process or auto (overrides config)")
	serveCmd.Flags().BoolVar(&noHistoryFlag, "no-history", false, "Do not record run history")
	rootCmd.AddCommand(serveCmd)
}

// newRunner builds the sandbox runner for the configured mode. The returned
// cleanup releases the runner's resources.
func newRunner(modeOverride string) (sandbox.Runner, func(), error) {
	name := cfg.Sandbox.Mode
	if modeOverride != "" {
		name = modeOverride
	}
	mode, err := sandbox.ParseMode(name)
	if err != nil {
		return nil, nil, err
	}
	runner, err := sandbox.New(mode, cfg.Sandbox.Policy())
	if err != nil {
		return nil, nil, fmt.Errorf("creating sandbox: %w", err)
	}
	cleanup := func() {
		if c, ok := runner.(io.Closer); ok {
			c.Close()
		}
	}
	return runner, cleanup, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	var store storage.Store
	if !noHistoryFlag && cfg.Storage.DBPath != "" {
		s, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer s.Close()
		store = s
	}

	runner, cleanup, err := newRunner(modeFlag)
	if err != nil {
		return err
	}
	defer cleanup()

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv, err := server.New(cfg, runner, store)
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigCh
		if err := srv.Shutdown(context.Background()); err != nil {
			logrus.WithError(err).Warn("shutdown")
		}
	}()

	if err := srv.Start(port); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}
