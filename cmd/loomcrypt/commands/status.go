package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print account and queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("User:           %s\n", appCtx.Account.UserID())
			fmt.Printf("Device:         %s\n", appCtx.Account.DeviceID())
			fmt.Printf("One-time keys:  %d\n", appCtx.Account.PoolSize())
			if _, ok := appCtx.Account.Identity(); ok {
				fmt.Println("Cross-signing:  bootstrapped")
			} else {
				fmt.Println("Cross-signing:  not bootstrapped")
			}
			reqs, err := appCtx.Queue.OutgoingRequests()
			if err != nil {
				return err
			}
			fmt.Printf("Pending queue:  %d requests\n", len(reqs))
			return nil
		},
	}
}
