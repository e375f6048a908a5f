package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func keysCmd() *cobra.Command {
	var markPublished bool
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Print the publishable one-time key view as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := appCtx.Account.OneTimeKeys()
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(keys); err != nil {
				return err
			}
			if markPublished {
				if err := appCtx.Account.MarkKeysPublished(); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "%d keys marked published\n", len(keys))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&markPublished, "mark-published", false, "flag the printed keys as uploaded")
	return cmd
}
