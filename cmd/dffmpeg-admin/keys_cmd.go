// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brwyatt/dffmpeg/internal/audit"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the credential-encryption key ring",
}

var (
	rotateLimit     int
	rotateBatchSize int
)

// keysRotateCmd re-encrypts every identity's stored HMAC secret to the
// key ring's current default entry, ported in shape from the original
// admin_cli.py's batch scan + re-encrypt + write loop (SPEC_FULL.md §C.1):
// scan identities in batches, decrypt each with its own key_id, re-encrypt
// under the new default, write back, until --limit identities have been
// rotated (0 meaning "no limit").
var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate every identity's stored secret to the default key-ring entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rotateBatchSize <= 0 {
			return newUsageError("--batch-size must be positive (got %d)", rotateBatchSize)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		ring, err := openKeyRing(cfg.Auth)
		if err != nil {
			return err
		}
		newKeyID := ring.DefaultKeyID()
		if newKeyID == "" {
			return newUsageError("auth.defaultKeyId must be set before rotating")
		}

		identities, err := st.IdentitiesAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("list identities: %w", err)
		}

		rotated := 0
		for batchStart := 0; batchStart < len(identities); batchStart += rotateBatchSize {
			batchEnd := batchStart + rotateBatchSize
			if batchEnd > len(identities) {
				batchEnd = len(identities)
			}
			for _, id := range identities[batchStart:batchEnd] {
				if rotateLimit > 0 && rotated >= rotateLimit {
					break
				}
				if id.KeyID == newKeyID {
					continue
				}
				plaintext, _, err := ring.Decrypt(id.KeyID, id.HMACKeyStored)
				if err != nil {
					return fmt.Errorf("decrypt %s: %w", id.ClientID, err)
				}
				ciphertext, err := ring.RotateTo(newKeyID, plaintext)
				if err != nil {
					return fmt.Errorf("re-encrypt %s: %w", id.ClientID, err)
				}
				id.HMACKeyStored = ciphertext
				id.KeyID = newKeyID
				id.KeyAlgorithm = "aes-gcm"
				if err := st.IdentityPut(cmd.Context(), id); err != nil {
					return fmt.Errorf("write %s: %w", id.ClientID, err)
				}
				rotated++
			}
			if rotateLimit > 0 && rotated >= rotateLimit {
				break
			}
		}

		auditLogger := audit.NewLogger()
		auditLogger.KeyRingRotated("admin-cli", newKeyID, rotated)
		cmd.Printf("rotated %d identities to key_id=%s\n", rotated, newKeyID)
		return nil
	},
}

func init() {
	keysRotateCmd.Flags().IntVar(&rotateLimit, "limit", 0, "maximum identities to rotate (0 = no limit)")
	keysRotateCmd.Flags().IntVar(&rotateBatchSize, "batch-size", 100, "identities to process per write batch")
	keysCmd.AddCommand(keysRotateCmd)
}
