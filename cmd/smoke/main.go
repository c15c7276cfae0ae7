package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"kilit.org/internal/sim"
)

// Exercises a running instance end to end: login, rotate, replay the stale
// secret, confirm the lineage is dead, log out. Credentials come from
// KILIT_SMOKE_EMAIL / KILIT_SMOKE_PASSWORD.
func main() {
	baseURL := os.Getenv("KILIT_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	email := os.Getenv("KILIT_SMOKE_EMAIL")
	password := os.Getenv("KILIT_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("KILIT_SMOKE_EMAIL and KILIT_SMOKE_PASSWORD are required")
	}

	client := sim.NewClient(baseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	root, err := client.Login(ctx, email, password)
	if err != nil {
		log.Fatalf("login: %v", err)
	}

	child, err := client.Refresh(ctx, root)
	if err != nil {
		log.Fatalf("rotate: %v", err)
	}
	if child.Refresh == root.Refresh {
		log.Fatal("rotation returned the same refresh secret")
	}

	if _, err := client.Refresh(ctx, root); !errors.Is(err, sim.ErrRejected) {
		log.Fatalf("stale secret was not rejected: %v", err)
	}
	if _, err := client.Refresh(ctx, child); !errors.Is(err, sim.ErrRejected) {
		log.Fatalf("reuse did not revoke the successor: %v", err)
	}

	// Fresh session to confirm the account itself still works, then logout.
	sess, err := client.Login(ctx, email, password)
	if err != nil {
		log.Fatalf("re-login: %v", err)
	}
	if err := client.Logout(ctx, sess); err != nil {
		log.Fatalf("logout: %v", err)
	}

	fmt.Printf("✅ kilit smoke test passed: user=%s\n", sess.UserID)
}
