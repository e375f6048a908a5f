package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"loomcrypt/internal/store"
)

func rotatePassCmd() *cobra.Command {
	var newPass string
	cmd := &cobra.Command{
		Use:   "rotate-pass",
		Short: "Re-wrap the store data key under a new passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if newPass == "" {
				return fmt.Errorf("new passphrase required (--new)")
			}
			if err := appCtx.Store.RotatePassphrase(newPass, store.DefaultScryptParams()); err != nil {
				return err
			}
			fmt.Println("Passphrase rotated; records untouched.")
			return nil
		},
	}
	cmd.Flags().StringVar(&newPass, "new", "", "new passphrase")
	return cmd
}
