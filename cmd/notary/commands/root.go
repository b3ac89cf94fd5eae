package commands

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"notary-mpc/shared"
	"notary-mpc/storage"
)

var (
	cfg    *Config
	logger *shared.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "notary",
		Short:         "Selective-disclosure MPC-TLS notarization",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = shared.NewLoggerFromEnv("notary")
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				logger.Sync()
			}
		},
	}

	var err error
	cfg, err = LoadConfig()
	if err != nil {
		return err
	}
	root.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for requests, plugins and host credentials")
	root.PersistentFlags().StringVar(&cfg.Passphrase, "passphrase", cfg.Passphrase, "passphrase encrypting the data directory")

	root.AddCommand(serveCmd(), relayCmd(), requestsCmd())
	return root.Execute()
}

func openStore() (*storage.FileStore, error) {
	return storage.NewFileStore(cfg.DataDir, storage.FileStoreOptions{Passphrase: cfg.Passphrase})
}

func defaultDataDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".notary"
	}
	return filepath.Join(dir, ".notary")
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
