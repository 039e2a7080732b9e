package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"utag/go-tag-server/internal/keys"
	"utag/go-tag-server/internal/smartthings"
)

// keygen --pin <pin> --user <id>: create a key pair and optionally upload it.
func keygenCmd() *cobra.Command {
	var (
		user   string
		upload bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a PIN-wrapped account key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pinValue == "" {
				return fmt.Errorf("pin required (--pin)")
			}
			record, err := keys.NewFactory(nil, logger).GenerateKeyPair(pinValue, user)
			if err != nil {
				return err
			}

			if upload {
				if cfg.APIBaseURL == "" {
					return fmt.Errorf("no tracker API configured. use --api or UTAG_API_BASE_URL")
				}
				remote := smartthings.New(cfg.APIBaseURL, cfg.APIToken, cfg.APIRetries, logger)
				existing, ok, err := remote.EncryptionKey(cmd.Context())
				if err != nil {
					return err
				}
				if ok && !force {
					return fmt.Errorf("account already has a key registered on %s. use --force to replace it", existing.RegDate)
				}
				if err := remote.PutEncryptionKey(cmd.Context(), record); err != nil {
					return err
				}
			}
			return printJSON(record)
		},
	}
	cmd.Flags().StringVar(&pinValue, "pin", "", "PIN that wraps the private key")
	cmd.Flags().StringVar(&user, "user", "", "account user id mixed into the wrapping key")
	cmd.Flags().BoolVar(&upload, "upload", false, "store the key pair with the tracker service")
	cmd.Flags().BoolVar(&force, "force", false, "replace a key that is already registered")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
