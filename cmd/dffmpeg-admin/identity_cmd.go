// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage client, worker, and admin identities",
}

var (
	identityRole   string
	identityCIDRs  []string
	identitySecret string
)

var identityCreateCmd = &cobra.Command{
	Use:   "create <client-id>",
	Short: "Create or replace an identity and print its HMAC secret",
	Long: `Create or replace an identity, encrypting its HMAC secret under the
coordinator's default key-ring entry before storing it.

If --secret is not given, a random 32-byte secret is generated and
printed once — it is not recoverable afterward, since only the encrypted
form is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID := args[0]
		role := model.Role(identityRole)
		switch role {
		case model.RoleClient, model.RoleWorker, model.RoleAdmin:
		default:
			return newUsageError("--role must be one of client, worker, admin (got %q)", identityRole)
		}

		secret := identitySecret
		if secret == "" {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("generate secret: %w", err)
			}
			secret = base64.StdEncoding.EncodeToString(raw)
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

		keyID := ring.DefaultKeyID()
		encrypted, err := ring.Encrypt(keyID, []byte(secret))
		if err != nil {
			return fmt.Errorf("encrypt secret: %w", err)
		}

		cidrs := identityCIDRs
		if len(cidrs) == 0 {
			cidrs = model.DefaultCIDRs
		}
		algorithm := ""
		if keyID != "" {
			algorithm = "aes-gcm"
		}
		id := &model.Identity{
			ClientID:      clientID,
			Role:          role,
			HMACKeyStored: encrypted,
			KeyAlgorithm:  algorithm,
			KeyID:         keyID,
			AllowedCIDRs:  cidrs,
			CreatedAt:     time.Now(),
		}
		if err := st.IdentityPut(cmd.Context(), id); err != nil {
			return fmt.Errorf("store identity: %w", err)
		}

		cmd.Printf("identity %s created (role=%s)\n", clientID, role)
		if identitySecret == "" {
			cmd.Printf("secret (save this, it will not be shown again): %s\n", secret)
		}
		return nil
	},
}

var identityGetCmd = &cobra.Command{
	Use:   "get <client-id>",
	Short: "Show an identity's metadata (never its decrypted secret)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		id, err := st.IdentityGet(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get identity: %w", err)
		}
		cmd.Printf("client_id:     %s\n", id.ClientID)
		cmd.Printf("role:          %s\n", id.Role)
		cmd.Printf("key_id:        %s\n", id.KeyID)
		cmd.Printf("allowed_cidrs: %v\n", id.AllowedCIDRs)
		cmd.Printf("created_at:    %s\n", id.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ids, err := st.IdentitiesAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("list identities: %w", err)
		}
		for _, id := range ids {
			cmd.Printf("%s\t%s\tkey_id=%s\n", id.ClientID, id.Role, id.KeyID)
		}
		return nil
	},
}

var identityDeleteCmd = &cobra.Command{
	Use:   "delete <client-id>",
	Short: "Delete an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.IdentityDelete(cmd.Context(), args[0]); err != nil {
			if err == store.ErrNotFound {
				return newUsageError("no such identity %q", args[0])
			}
			return fmt.Errorf("delete identity: %w", err)
		}
		cmd.Printf("identity %s deleted\n", args[0])
		return nil
	},
}

func init() {
	identityCreateCmd.Flags().StringVar(&identityRole, "role", string(model.RoleClient), "identity role: client, worker, or admin")
	identityCreateCmd.Flags().StringSliceVar(&identityCIDRs, "allowed-cidrs", nil, "CIDR allowlist (default: 0.0.0.0/0, ::/0)")
	identityCreateCmd.Flags().StringVar(&identitySecret, "secret", "", "HMAC secret to store (default: randomly generated)")
	identityCmd.AddCommand(identityCreateCmd, identityGetCmd, identityListCmd, identityDeleteCmd)
}
