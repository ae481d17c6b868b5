package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func resetCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Withdraw this device from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := appCtx.Sync.ResetOwnDevice(ctx); err != nil {
				return err
			}
			if wipe {
				if err := appCtx.Store.ResetAll(ctx); err != nil {
					return err
				}
				if err := appCtx.Trust.ResetAll(ctx, appCtx.Config.Variant.Namespace()); err != nil {
					return err
				}
				fmt.Println("Device withdrawn, local state wiped.")
				return nil
			}
			fmt.Println("Device withdrawn.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&wipe, "wipe", false, "also erase all local keys and sessions")
	return cmd
}
