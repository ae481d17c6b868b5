package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
	"omemo/internal/wire"
)

func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <from-jid>",
		Short: "Decrypt an encrypted element read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			el, err := wire.UnmarshalOmemoElement(appCtx.Config.Variant, data)
			if err != nil {
				return err
			}
			st := &domain.MessageStanza{
				From:      args[0],
				To:        appCtx.Config.JID,
				Type:      domain.MessageTypeChat,
				Encrypted: el,
			}
			if err := appCtx.Pipeline.DecryptStanza(cmd.Context(), st); err != nil {
				return err
			}
			if st.Body == "" {
				fmt.Fprintln(os.Stderr, "(no content)")
				return nil
			}
			fmt.Println(st.Body)
			return nil
		},
	}
}
