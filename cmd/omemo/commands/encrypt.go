package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
	"omemo/internal/wire"
)

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <jid> <message...>",
		Short: "Encrypt a message for every device of a contact",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := wire.BareJID(args[0])
			st := &domain.MessageStanza{
				To:   to,
				Type: domain.MessageTypeChat,
				Body: strings.Join(args[1:], " "),
			}
			err := appCtx.Pipeline.EncryptForRecipients(cmd.Context(), st, []string{to}, domain.AcceptedByDefault)
			if err != nil {
				return err
			}
			data, err := wire.MarshalOmemoElement(appCtx.Config.Variant, st.Encrypted)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
