package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"loomcrypt/internal/app"
	"loomcrypt/internal/domain"
)

var (
	home       string
	passphrase string
	configPath string
	userID     string
	deviceID   string
	verbose    bool

	appCtx *app.App
)

func Execute() error {
	root := &cobra.Command{
		Use:   "loomcrypt",
		Short: "End-to-end encryption engine state tool",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".loomcrypt")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			cfg := app.DefaultConfig()
			if configPath != "" {
				var err error
				cfg, err = app.LoadConfig(configPath)
				if err != nil {
					return err
				}
			}
			if cfg.StorePath == "" {
				cfg.StorePath = filepath.Join(home, "engine.db")
			}

			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

			a, err := app.Open(cfg, passphrase, domain.UserID(userID), domain.DeviceID(deviceID), log)
			if err != nil {
				return err
			}
			appCtx = a
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if appCtx != nil {
				return appCtx.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.loomcrypt)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the store")
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&userID, "user", "", "user id (first run only)")
	root.PersistentFlags().StringVar(&deviceID, "device", "", "device id (first run only)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(initCmd(), fingerprintCmd(), keysCmd(), exportKeysCmd(), importKeysCmd(), rotatePassCmd(), statusCmd())
	return root.Execute()
}
