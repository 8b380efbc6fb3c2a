// Package main prints a bcrypt digest for a password read from stdin. It is
// used when seeding users by hand in a local database without running the
// server. The cost follows IDC_AUTH_BCRYPT_COST when set.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/clinicore/identity/internal/config"
	"github.com/clinicore/identity/internal/crypto"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		log.Fatalf("Failed to read password: %v", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if len(password) < cfg.Auth.MinPasswordLength {
		log.Fatalf("Password must be at least %d characters", cfg.Auth.MinPasswordLength)
	}

	digest, err := crypto.NewPasswordHasher(cfg.Auth.BcryptCost).Hash(password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	fmt.Println(digest)
}
