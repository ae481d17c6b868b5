package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Republish the device bundle and device list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appCtx.Sync.PublishOmemoData(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Published.")
			return nil
		},
	}
}
