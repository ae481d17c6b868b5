package commands

import (
	"github.com/spf13/cobra"
)

func labelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "label <text>",
		Short: "Change the device label and republish the device list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := appCtx.Keys.SetLabel(ctx, args[0]); err != nil {
				return err
			}
			return appCtx.Sync.PublishDeviceList(ctx)
		},
	}
}
