package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/rookery/pkg/security"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a snapshot encryption key",
	Long: `Generate a 32-byte hex key for message bus snapshot encryption.

The key is printed to stdout, or written to a file with owner-only
permissions when --out is given. With --passphrase the key is derived
deterministically instead of generated at random.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, _ := cmd.Flags().GetString("passphrase")
		out, _ := cmd.Flags().GetString("out")

		var key string
		var err error
		if passphrase != "" {
			key, err = security.DeriveKey(passphrase)
		} else {
			key, err = security.GenerateKey()
		}
		if err != nil {
			return err
		}

		if out != "" {
			if err := security.WriteKeyFile(out, key); err != nil {
				return err
			}
			fmt.Printf("Key written to %s\n", out)
			return nil
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("passphrase", "", "Derive the key from a passphrase instead of random bytes")
	keygenCmd.Flags().String("out", "", "Write the key to this file instead of stdout")
}
