// Command mint_token prints a token for a user, signed with JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/mahaj/campus-realtime/pkg/auth"
	"github.com/mahaj/campus-realtime/pkg/config"
)

func main() {
	userID := flag.String("user", "", "user id to sign for")
	name := flag.String("name", "", "display name, defaults to the user id")
	role := flag.String("role", "", `token role, "service" for content services raising hooks`)
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" {
		log.Fatal("-user is required")
	}
	if *name == "" {
		*name = *userID
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	token, err := auth.NewSigner(cfg.JWTSecret).GenerateTokenWithRole(*userID, *name, *role, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
