package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate the device identity and publish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := appCtx.Keys.Initialize(ctx, appCtx.Config.Label); err != nil {
				return err
			}
			if err := appCtx.Sync.PublishOmemoData(ctx); err != nil {
				return err
			}
			own, err := appCtx.Keys.OwnDevice()
			if err != nil {
				return err
			}
			fp := domain.Fingerprint(domain.KeyID(own.Identity.Public().Bytes()))
			fmt.Printf("Device %d initialized.\nFingerprint: %s\n", own.ID, fp)
			return nil
		},
	}
}
