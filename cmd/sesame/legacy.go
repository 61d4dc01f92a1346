package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/sesame/internal/cryptocompat"
)

var legacyPassphrase string

var legacyCmd = &cobra.Command{
	Use:   "legacy",
	Short: "Inspect message bodies stored by old clients",
}

var legacyDecryptCmd = &cobra.Command{
	Use:   "decrypt [body]",
	Short: "Decrypt a legacy body (reads stdin when no argument is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := bodyArg(cmd, args)
		if err != nil {
			return err
		}
		plain, err := cryptocompat.Open(body, legacyPassphrase)
		if err != nil {
			return fmt.Errorf("decrypt: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), plain)
		return nil
	},
}

var legacyEncryptCmd = &cobra.Command{
	Use:   "encrypt [text]",
	Short: "Encrypt text in the legacy format, for fixtures",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := bodyArg(cmd, args)
		if err != nil {
			return err
		}
		out, err := cryptocompat.EncryptLegacyBody(text, legacyPassphrase, nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	legacyCmd.PersistentFlags().StringVar(&legacyPassphrase, "passphrase", "future", "legacy body passphrase")
	legacyCmd.AddCommand(legacyDecryptCmd, legacyEncryptCmd)
}

func bodyArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\r\n"), nil
}
