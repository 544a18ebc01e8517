package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

// keysCmd generates one reporter signing key (secp256k1) and one transport
// identity key (ed25519) and prints them hex-encoded.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate a reporter signing key and a transport identity key",
	RunE: func(_ *cobra.Command, _ []string) error {
		reporterKey, err := crypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("failed to generate reporter key: %w", err)
		}
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate transport key: %w", err)
		}

		fmt.Println("Reporter private key:", hexutil.Encode(crypto.FromECDSA(reporterKey))[2:])
		fmt.Println("Reporter address:    ", crypto.PubkeyToAddress(reporterKey.PublicKey).Hex())
		fmt.Println("Transport key seed:  ", hex.EncodeToString(priv.Seed()))
		fmt.Println("Transport public key:", hex.EncodeToString(pub))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
}
