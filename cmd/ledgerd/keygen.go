package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/pbft-ledger/crypto"
)

var keygenFlags struct {
	out  string
	ids  []string
	bits int
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate RSA key pairs as <out>/<id>.key and <out>/<id>.pub",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(keygenFlags.ids) == 0 {
			return fmt.Errorf("--ids is required")
		}
		for _, id := range keygenFlags.ids {
			kp, err := crypto.GenerateKeyPair(keygenFlags.bits)
			if err != nil {
				return err
			}
			priv := filepath.Join(keygenFlags.out, id+".key")
			pub := filepath.Join(keygenFlags.out, id+".pub")
			if err := kp.WriteFiles(priv, pub); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", id, priv, pub)
		}
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenFlags.out, "out", "keys", "output directory")
	keygenCmd.Flags().StringSliceVar(&keygenFlags.ids, "ids", nil, "comma-separated process ids")
	keygenCmd.Flags().IntVar(&keygenFlags.bits, "bits", 2048, "RSA key size")
}
