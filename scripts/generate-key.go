//go:build ignore

// Package main generates a signing secret for a new deployment and proves it
// works by sealing and reopening a probe value with the cipher the server
// derives from it. It prints a ready-to-paste environment line.
//
//	go run scripts/generate-key.go
package main

import (
	"encoding/hex"
	"fmt"
	"log"

	"github.com/clinicore/identity/internal/crypto"
)

func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}
	secret := hex.EncodeToString(key)

	cipher, err := crypto.DeriveSecretCipher(secret)
	if err != nil {
		log.Fatal(err)
	}
	sealed, err := cipher.Seal("probe")
	if err != nil {
		log.Fatal(err)
	}
	if opened, err := cipher.Open(sealed); err != nil || opened != "probe" {
		log.Fatalf("generated secret failed the seal round trip: %v", err)
	}

	fmt.Println("Generated signing secret (keep it out of version control):")
	fmt.Println()
	fmt.Printf("IDC_AUTH_SIGNING_SECRET=%s\n", secret)
	fmt.Println()
	fmt.Println("Rotating this secret invalidates every session and every sealed tenant SMTP password.")
}
