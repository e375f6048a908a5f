package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loomcrypt/internal/domain"
)

func exportKeysCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export-keys <room-id>",
		Short: "Export a room's inbound session keys to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exports, err := appCtx.Group.ExportRoomKeys(cmd.Context(), domain.RoomID(args[0]))
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(exports, "", "  ")
			if err != nil {
				return err
			}
			if out == "" {
				_, err = os.Stdout.Write(append(b, '\n'))
				return err
			}
			if err := os.WriteFile(out, b, 0o600); err != nil {
				return err
			}
			fmt.Printf("Exported %d session keys to %s\n", len(exports), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func importKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-keys <file>",
		Short: "Import room keys from a JSON export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var exports []domain.RoomKeyExport
			if err := json.Unmarshal(b, &exports); err != nil {
				return err
			}
			n, err := appCtx.Group.ImportRoomKeys(cmd.Context(), exports)
			if err != nil {
				return fmt.Errorf("imported %d of %d: %w", n, len(exports), err)
			}
			fmt.Printf("Imported %d session keys\n", n)
			return nil
		},
	}
}
