package commands

import (
	"github.com/spf13/cobra"

	"omemo/internal/app"
	"omemo/internal/wire"
)

var (
	appCtx *app.App

	jid        string
	passphrase string
	storePath  string
	pepURL     string
	variant    string
	label      string
)

func Execute() error {
	root := &cobra.Command{
		Use:   "omemo",
		Short: "OMEMO end-to-end encryption CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if jid != "" {
				cfg.JID = jid
			}
			if passphrase != "" {
				cfg.Passphrase = passphrase
			}
			if storePath != "" {
				cfg.StorePath = storePath
			}
			if pepURL != "" {
				cfg.PEPURL = pepURL
			}
			if variant != "" {
				if cfg.Variant, err = wire.ParseVariant(variant); err != nil {
					return err
				}
			}
			if label != "" {
				cfg.Label = label
			}
			appCtx, err = app.New(cmd.Context(), cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if appCtx == nil {
				return nil
			}
			return appCtx.Close()
		},
	}

	root.PersistentFlags().StringVar(&jid, "jid", "", "own account JID (default $OMEMO_JID)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "key store passphrase (default $OMEMO_PASSPHRASE)")
	root.PersistentFlags().StringVar(&storePath, "store", "", "key store path (default ~/.omemo/omemo.db)")
	root.PersistentFlags().StringVar(&pepURL, "pep", "", "PEP service base URL (default http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&variant, "variant", "", "protocol revision, omemo2 or legacy")
	root.PersistentFlags().StringVar(&label, "label", "", "device label")

	root.AddCommand(initCmd(), publishCmd(), devicesCmd(), rotateCmd(), labelCmd(), encryptCmd(), decryptCmd(), resetCmd())
	return root.Execute()
}
