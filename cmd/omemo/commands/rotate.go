package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signed pre-key if it is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appCtx.Keys.RotateSignedPreKeys(cmd.Context(), time.Now()); err != nil {
				return err
			}
			spk, err := appCtx.Keys.CurrentSignedPreKey()
			if err != nil {
				return err
			}
			fmt.Printf("Current signed pre-key: %d (created %s)\n", spk.ID, time.Unix(spk.CreatedAt, 0).Format(time.RFC3339))
			return nil
		},
	}
}
