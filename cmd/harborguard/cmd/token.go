package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborguard/internal/auth"
)

// tokenCmd groups development token helpers
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate signing keys and mint tenant tokens for development",
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA key pair",
	Long: `Generate an RSA key pair. Give the public key to the API as
JWT_PUBLIC_KEY_PEM and keep the private key for "harborguard token mint".

Example:
  harborguard token keygen --out dev-key.pem`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		priv, pub, err := auth.GenerateKeyPair()
		if err != nil {
			return err
		}
		if out == "" {
			fmt.Fprint(cmd.OutOrStdout(), priv)
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		}
		if err := os.WriteFile(out, []byte(priv), 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(out+".pub", []byte(pub), 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s.pub\n", out, out)
		return nil
	},
}

var mintCmd = &cobra.Command{
	Use:   "mint [tenant-id]",
	Short: "Mint a bearer token for a tenant",
	Long: `Mint an RS256 bearer token for a tenant, using the issuer and audience the
API expects (JWT_ISSUER, JWT_AUDIENCE).

Example:
  export HARBORGUARD_TOKEN=$(harborguard token mint tn_123 --key dev-key.pem)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if keyPath == "" {
			return errors.New("--key is required")
		}

		pemBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		cfg := loadConfig()
		iss, err := auth.NewIssuer(string(pemBytes), cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return err
		}
		tok, err := iss.Mint(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(keygenCmd)
	tokenCmd.AddCommand(mintCmd)

	keygenCmd.Flags().String("out", "", "write the private key to this path and the public key to <path>.pub")
	mintCmd.Flags().String("key", "", "path to the PEM encoded RSA private key")
	mintCmd.Flags().Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
}
