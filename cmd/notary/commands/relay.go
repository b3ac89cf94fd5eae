package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notary-mpc/relay"
	"notary-mpc/shared"
)

func relayCmd() *cobra.Command {
	var (
		maxFaults int
		pipeWait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a signaling relay for peer-to-peer proofs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := relay.NewServer(relay.ServerConfig{Logger: logger, MaxFaults: maxFaults, PipeWait: pipeWait})
			server := &http.Server{
				Addr:              cfg.RelayListenAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("Relay listening", zap.String("addr", cfg.RelayListenAddr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.RelayListenAddr, "listen", cfg.RelayListenAddr, "relay listen address")
	f.IntVar(&maxFaults, "max-faults", shared.GetEnvIntOrDefault("RELAY_MAX_FAULTS", relay.DefaultMaxFaults), "protocol faults tolerated before a client is dropped")
	f.DurationVar(&pipeWait, "pipe-wait", shared.GetEnvDurationOrDefault("RELAY_PIPE_WAIT", relay.DefaultPipeWait), "how long a proof pipe waits for its second end")
	return cmd
}
