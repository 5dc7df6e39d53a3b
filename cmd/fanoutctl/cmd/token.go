package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

var tokenOpts struct {
	keyFile  string
	subject  string
	issuer   string
	audience string
	ttl      time.Duration
	outDir   string
}

// tokenCmd mints development tokens for an ingest running with AUTH_ENABLED.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Create RS256 keys and bearer tokens for the ingest API",
}

var tokenKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Write a new RSA key pair (private.pem, public.pem)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKeygen(cmd.OutOrStdout(), tokenOpts.outDir)
	},
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Sign a bearer token with a private key",
	Long: `Sign an RS256 token. The ingest service accepts it when its JWT_PUBLIC_KEY,
JWT_ISSUER and JWT_AUDIENCE match.

Example:
  export JWT_TOKEN=$(fanoutctl token mint --key private.pem --sub billing)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pemBytes, err := os.ReadFile(tokenOpts.keyFile)
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		tok, err := mintToken(pemBytes, tokenOpts.subject, tokenOpts.issuer, tokenOpts.audience, tokenOpts.ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func runKeygen(w io.Writer, dir string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}

	files := map[string]*pem.Block{
		"private.pem": {Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)},
		"public.pem":  {Type: "PUBLIC KEY", Bytes: pubDER},
	}
	for name, block := range files {
		path := name
		if dir != "" {
			path = dir + string(os.PathSeparator) + name
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(w, "wrote %s\n", path)
	}
	return nil
}

func mintToken(privatePEM []byte, subject, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	if subject == "" {
		return "", errors.New("--sub is required")
	}
	if ttl <= 0 {
		return "", errors.New("--ttl must be positive")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return "", fmt.Errorf("parse key: %w", err)
	}

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenKeygenCmd)
	tokenCmd.AddCommand(tokenMintCmd)

	tokenKeygenCmd.Flags().StringVar(&tokenOpts.outDir, "out", "", "directory for the key files")

	tokenMintCmd.Flags().StringVar(&tokenOpts.keyFile, "key", "private.pem", "PEM encoded RSA private key")
	tokenMintCmd.Flags().StringVar(&tokenOpts.subject, "sub", "", "token subject (caller id)")
	tokenMintCmd.Flags().StringVar(&tokenOpts.issuer, "issuer", "harborfanout", "token issuer")
	tokenMintCmd.Flags().StringVar(&tokenOpts.audience, "audience", "harborfanout-ingest", "token audience")
	tokenMintCmd.Flags().DurationVar(&tokenOpts.ttl, "ttl", time.Hour, "token lifetime")
}
