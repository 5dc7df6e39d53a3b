package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_fanout/internal/signing"
)

var signOpts struct {
	secret string
	data   string
	file   string
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the signature for a payload",
	Long: `Print the hex HMAC-SHA1 signature a receiver should expect in the
X-Signature header for the given payload and secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(signOpts.data, signOpts.file, cmd.InOrStdin())
		if err != nil {
			return err
		}
		sig, ok := signing.Sign(signOpts.secret, payload)
		if !ok {
			return errors.New("--secret must not be empty")
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]string{"header": signing.Header, "signature": sig})
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), sig)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVar(&signOpts.secret, "secret", "", "shared secret")
	signCmd.Flags().StringVarP(&signOpts.data, "data", "d", "", "inline JSON payload")
	signCmd.Flags().StringVarP(&signOpts.file, "file", "f", "", "payload file (- for stdin)")
}
