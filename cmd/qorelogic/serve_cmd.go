package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/api"
	"github.com/MythologIQ/qorelogic/pkg/dispatcher"
)

// runServe implements `qorelogic serve`: assemble the engine, start the
// maintenance sweeper, and serve the HTTP shell until SIGINT or SIGTERM.
//
// Exit codes:
//
//	0 = clean shutdown
//	2 = configuration error
//	3 = store unavailable
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cf commonFlags
	var listen string
	var sweepEvery time.Duration
	cmd.StringVar(&cf.configPath, "config", "", "Path to the YAML config file")
	cmd.StringVar(&cf.storePath, "store", "", "Store path (overrides config)")
	cmd.StringVar(&cf.passSpec, "passphrase-source", "", "env:<VAR> or file:<path> (overrides config)")
	cmd.StringVar(&listen, "listen", "", "host:port (overrides config)")
	cmd.DurationVar(&sweepEvery, "sweep-interval", dispatcher.SweepInterval, "Maintenance sweep cadence")
	if err := cmd.Parse(args); err != nil {
		return exitConfig
	}

	cfg, code := cf.load(stderr)
	if code != exitOK {
		return code
	}
	if err := cfg.RequirePassphraseSource(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if code := probeStore(ctx, cfg, stderr); code != exitOK {
		return code
	}

	logger := newLogger(cfg, stderr)
	engine, shutdown, err := dispatcher.Assemble(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Error("serve: shutdown", "error", err.Error())
		}
	}()

	shell, err := api.NewServer(engine, api.WithServerLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer shell.Close()

	addr := cfg.Endpoint()
	if listen != "" {
		addr = listen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           shell.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go engine.RunSweeper(ctx, sweepEvery)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	g := newGlyphs(stdout)
	_, _ = fmt.Fprintf(stdout, "%s qorelogic serving on http://%s\n", g.pass, addr)

	select {
	case <-ctx.Done():
		_, _ = fmt.Fprintln(stdout, "shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("serve: http shutdown", "error", err.Error())
		}
		return exitOK
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return exitOK
		}
		_, _ = fmt.Fprintf(stderr, "Error: serve: %v\n", err)
		return exitConfig
	}
}
