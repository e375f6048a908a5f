package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity key fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(appCtx.Account.Fingerprint())
			return nil
		},
	}
}
