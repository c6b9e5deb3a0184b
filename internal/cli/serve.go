package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fmueller/voxstream/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the streaming transcription endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx, cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&app.address, "address", app.address, "Address to listen on")
	flags.IntVar(&app.port, "port", app.port, "Port to listen on; 0 picks a free port")
	flags.IntVar(&app.pacingMs, "pacing-ms", app.pacingMs, "Delay between streamed events in milliseconds")
	flags.StringVar(&app.scratchDir, "scratch-dir", app.scratchDir, "Directory for temporary uploads")
	flags.IntVar(&app.requestTimeout, "request-timeout", app.requestTimeout, "Per-request transcription deadline in seconds; 0 disables")
	flags.Int64Var(&app.maxUploadBytes, "max-upload-bytes", app.maxUploadBytes, "Largest accepted upload in bytes")

	return cmd
}

func (a *appState) serve(ctx context.Context, cmd *cobra.Command) error {
	cfg := a.config()

	engineFn := a.engineFn
	if engineFn == nil {
		engineFn = a.buildEngine
	}

	engine, model, err := engineFn(ctx)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Config: cfg,
		Engine: engine,
		Model:  model,
		Logger: a.log(),
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s%s\n", srv.Addr(), server.TranscribePath)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.GetShutdownTimeoutDuration())
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		a.log().Warn("server shutdown incomplete", zap.Error(err))
		return fmt.Errorf("shutdown: %w", err)
	}

	a.log().Info("server stopped")
	return nil
}
