package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
	"omemo/internal/wire"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices [jid]",
		Short: "List known devices of a contact (default: own account)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jid := wire.BareJID(appCtx.Config.JID)
			if len(args) == 1 {
				jid = wire.BareJID(args[0])
			}
			devices, err := appCtx.Registry.DevicesOf(cmd.Context(), jid)
			if err != nil {
				return err
			}

			ids := make([]uint32, 0, len(devices))
			for id := range devices {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

			for _, id := range ids {
				d := devices[id]
				fp := "(no key yet)"
				if len(d.KeyID) > 0 {
					fp = domain.Fingerprint(d.KeyID)
				}
				status := ""
				if !d.RemovedAt.IsZero() {
					status = " (removed)"
				}
				fmt.Printf("%d\t%s\t%s%s\n", id, d.Label, fp, status)
			}
			return nil
		},
	}
}
