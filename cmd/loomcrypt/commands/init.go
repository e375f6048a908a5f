package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var otkCount int
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the local account and bootstrap cross-signing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := appCtx.Account.BootstrapCrossSigning(); err != nil {
				return err
			}
			if _, err := appCtx.Account.EnsureOneTimeKeys(otkCount); err != nil {
				return err
			}
			fmt.Printf("Account ready.\nUser: %s\nDevice: %s\nFingerprint: %s\n",
				appCtx.Account.UserID(), appCtx.Account.DeviceID(), appCtx.Account.Fingerprint())
			return nil
		},
	}
	cmd.Flags().IntVar(&otkCount, "one-time-keys", 50, "one-time key pool size")
	return cmd
}
