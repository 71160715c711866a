package app

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cloupeer.io/transmitter/internal/transmitter/signer"
)

type verifyOptions struct {
	data      string
	signature string
	cert      string
	hex       bool
}

func newVerifyCommand() *cobra.Command {
	o := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the detached signature of an uploaded file",
		Args:  cobra.NoArgs,
		// verify reads only its own flags.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.run(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signature OK")
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.data, "data", "", "The signed file.")
	fs.StringVar(&o.signature, "signature", "", "The detached signature.")
	fs.StringVar(&o.cert, "cert", "", "PEM certificate of the vehicle that signed the file.")
	fs.BoolVar(&o.hex, "hex", false, "The signature file is hex encoded.")
	for _, name := range []string{"data", "signature", "cert"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (o *verifyOptions) run() error {
	data, err := os.ReadFile(o.data)
	if err != nil {
		return err
	}
	sig, err := os.ReadFile(o.signature)
	if err != nil {
		return err
	}
	if o.hex {
		sig, err = hex.DecodeString(string(bytes.TrimSpace(sig)))
		if err != nil {
			return fmt.Errorf("decode signature: %w", err)
		}
	}
	certPEM, err := os.ReadFile(o.cert)
	if err != nil {
		return err
	}
	return signer.VerifyWithCertificate(certPEM, data, sig)
}
