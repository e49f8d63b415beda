package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/eldtechnologies/kalenda/internal/crypto"
)

func main() {
	version := flag.Int("version", 1, "Key version for STORE_ENCRYPTION_KEYS")
	flag.Parse()

	secret, err := crypto.GenerateSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate store key: %v\n", err)
		os.Exit(1)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate signing key: %v\n", err)
		os.Exit(1)
	}

	opPub, opPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate operator key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("STORE_ENCRYPTION_KEYS=%d:%s\n", *version, base64.StdEncoding.EncodeToString(secret))
	fmt.Printf("SIGNING_KEY=%s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
	fmt.Printf("# Public key for upstream verification (base64): %s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("OPERATOR_PUBLIC_KEY=%s\n", base64.StdEncoding.EncodeToString(opPub))
	fmt.Printf("# Operator private key for the CLI (KALENDA_OPERATOR_KEY): %s\n", base64.StdEncoding.EncodeToString(opPriv.Seed()))
}
