// Command sawctl is the validator's operator tool: generate signing keys,
// assemble a genesis batch file, and inspect an existing block store.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sawtooth-validator/core"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "sawctl"}
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(genesisCmd())
	rootCmd.AddCommand(chainCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keygen"}
	gen := &cobra.Command{
		Use:   "generate [path]",
		Short: "generate a secp256k1 signing key and write it to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(args[0]), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(args[0], priv.Serialize(), 0o600); err != nil {
				return err
			}
			fmt.Printf("public key: %x\n", core.PublicKeyBytes(priv))
			return nil
		},
	}
	cmd.AddCommand(gen)
	return cmd
}

func genesisCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "genesis"}

	var keyPath, family, version, payloadPath string
	create := &cobra.Command{
		Use:   "create [data-dir]",
		Short: "assemble a single-transaction genesis.batch in data-dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := args[0]
			keyRaw, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read signing key: %w", err)
			}
			signer := secp256k1.PrivKeyFromBytes(keyRaw)

			payload := []byte("{}")
			if payloadPath != "" {
				payload, err = os.ReadFile(payloadPath)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
			}

			pub := core.PublicKeyBytes(signer)
			txn := &core.Transaction{
				Header: core.TransactionHeader{
					FamilyName:       family,
					FamilyVersion:    version,
					SignerPublicKey:  pub,
					BatcherPublicKey: pub,
					PayloadSHA512:    core.PayloadDigest(payload),
					Nonce:            "genesis",
				},
				Payload: payload,
			}
			if err := core.SignTransaction(signer, txn); err != nil {
				return err
			}
			batch := &core.Batch{
				Header: core.BatchHeader{
					SignerPublicKey: pub,
					TransactionIDs:  []string{txn.ID()},
				},
				Transactions: []*core.Transaction{txn},
			}
			if err := core.SignBatch(signer, batch); err != nil {
				return err
			}

			raw, err := json.MarshalIndent([]*core.Batch{batch}, "", "  ")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			out := filepath.Join(dataDir, "genesis.batch")
			if err := os.WriteFile(out, raw, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (batch %s)\n", out, batch.ID())
			return nil
		},
	}
	create.Flags().StringVar(&keyPath, "key", "", "path to the signing key (required)")
	create.Flags().StringVar(&family, "family", "intkey", "transaction family name")
	create.Flags().StringVar(&version, "family-version", "1.0", "transaction family version")
	create.Flags().StringVar(&payloadPath, "payload", "", "path to the raw transaction payload (default: {})")
	create.MarkFlagRequired("key")
	cmd.AddCommand(create)
	return cmd
}

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain"}
	head := &cobra.Command{
		Use:   "head [data-dir]",
		Short: "print the current chain head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := core.OpenBlockStore(filepath.Join(args[0], "block-store"))
			if err != nil {
				return err
			}
			block, err := store.ChainHead()
			if err != nil {
				return err
			}
			if block == nil {
				fmt.Println("no chain head (genesis not yet run)")
				return nil
			}
			fmt.Printf("block_id:    %s\n", block.ID())
			fmt.Printf("block_num:   %d\n", block.Header.BlockNumber)
			fmt.Printf("state_root:  %s\n", block.Header.StateRootHash)
			fmt.Printf("batch_count: %d\n", len(block.Batches))
			return nil
		},
	}
	cmd.AddCommand(head)
	return cmd
}
