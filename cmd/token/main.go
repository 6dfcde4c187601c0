// Command token mints an identity token for an existing user ID from the
// shared AUTH_SECRET. Development helper; production tokens come from the
// admin API.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"scribe/internal/identity"
)

func main() {
	userID := flag.String("user", "", "User ID to mint a token for")
	expiry := flag.Duration("expiry", 24*time.Hour, "Token validity duration")
	flag.Parse()

	if *userID == "" {
		log.Fatal("usage: token -user <user-id> [-expiry 24h]")
	}

	secret := os.Getenv("AUTH_SECRET")
	if secret == "" {
		log.Fatal("AUTH_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := identity.NewService(ctx, identity.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(secret)),
		TokenExpiry: *expiry,
	})
	if err != nil {
		log.Fatalf("failed to create identity service: %v", err)
	}

	token, tokenExpiry, err := svc.Issue(*userID)
	if err != nil {
		log.Fatalf("failed to issue token: %v", err)
	}

	fmt.Printf("Token:  %s\n", token)
	fmt.Printf("Expiry: %s\n", time.Unix(tokenExpiry, 0).Format(time.RFC3339))
}
