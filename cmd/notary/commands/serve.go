package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notary-mpc/engine"
	"notary-mpc/service"
	"notary-mpc/shared"
	"notary-mpc/storage"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notarization service and its UI API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, connect)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UI API listen address")
	f.StringVar(&cfg.EngineURL, "engine", cfg.EngineURL, "MPC engine websocket URL")
	f.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay signaling URL")
	f.StringVar(&cfg.NotaryURL, "notary", cfg.NotaryURL, "default notary coordination URL")
	f.StringVar(&cfg.ProxyURL, "proxy", cfg.ProxyURL, "default websocket proxy URL")
	f.IntVar(&cfg.MaxSentData, "max-sent", cfg.MaxSentData, "default sent byte budget")
	f.IntVar(&cfg.MaxRecvData, "max-recv", cfg.MaxRecvData, "default received byte budget")
	f.BoolVar(&cfg.RequireApproval, "approval", cfg.RequireApproval, "require approval for notarize calls and incoming proofs")
	f.BoolVar(&cfg.SignAttestations, "sign", cfg.SignAttestations, "sign attestations for proofs this node verifies")
	f.BoolVar(&connect, "connect", false, "connect to the relay on startup")
	return cmd
}

func serve(ctx context.Context, connect bool) error {
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	mpc, err := engine.DialRemote(ctx, engine.RemoteConfig{URL: cfg.EngineURL, Logger: logger})
	if err != nil {
		return err
	}
	defer mpc.Close()

	var signer *shared.SigningKeyPair
	if cfg.SignAttestations {
		if signer, err = loadSigningKey(ctx, store); err != nil {
			return err
		}
		logger.Info("Signing attestations", zap.String("address", signer.Address().Hex()))
	}

	svc := service.New(service.Config{
		Store:           store,
		MPC:             mpc,
		Logger:          logger,
		Defaults:        cfg.Endpoints(),
		RelayURL:        cfg.RelayURL,
		Reconnect:       cfg.Reconnect,
		RequireApproval: cfg.RequireApproval,
		Signer:          signer,
	})
	defer svc.Close()

	if connect {
		call, err := service.DecodeCall(service.MethodConnectRelay, nil)
		if err != nil {
			return err
		}
		if _, err := svc.Dispatch(ctx, call); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("UI API listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-mpc.Done():
			return fmt.Errorf("engine: %w", shared.ErrConnectionLost)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Service stopped", zap.Error(err))
	return err
}

const (
	keysNamespace = "keys"
	attestorKey   = "attestor"
)

// loadSigningKey returns the attestation key kept in the store, creating it
// on first use.
func loadSigningKey(ctx context.Context, store storage.Store) (*shared.SigningKeyPair, error) {
	keys := store.Sub(keysNamespace)
	raw, err := keys.Get(ctx, attestorKey)
	if err == nil {
		return shared.SigningKeyPairFromHex(string(raw))
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	kp, err := shared.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	if err := keys.Put(ctx, attestorKey, []byte(kp.Hex())); err != nil {
		return nil, fmt.Errorf("failed to store signing key: %w", err)
	}
	return kp, nil
}
