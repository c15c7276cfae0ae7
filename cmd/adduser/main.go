package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"kilit.org/internal/auth"
	"kilit.org/internal/ids"
	"kilit.org/internal/store/pg"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "create":
		runCreate()
	case "promote":
		runPromote()
	default:
		usage()
	}
}

func runCreate() {
	if len(os.Args) < 4 {
		usage()
	}
	email, role := os.Args[2], os.Args[3]

	password, err := readPassword()
	if err != nil {
		fatal("read password: %v", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		fatal("hash password: %v", err)
	}

	store := openStore()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user := &auth.User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Status:       auth.StatusActive,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, auth.ErrConflict) {
			fatal("user %s already exists", email)
		}
		fatal("create user: %v", err)
	}
	fmt.Printf("created user %s id=%s role=%s\n", user.Email, user.ID, user.Role)
}

func runPromote() {
	if len(os.Args) < 4 {
		usage()
	}
	email, role := os.Args[2], os.Args[3]

	store := openStore()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, err := store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			fatal("no user with email %s", email)
		}
		fatal("lookup user: %v", err)
	}
	if err := store.UpdateUserRole(ctx, user.ID, role); err != nil {
		fatal("update role: %v", err)
	}
	fmt.Printf("user %s id=%s role=%s\n", user.Email, user.ID, role)
}

func openStore() *pg.Store {
	dsn := os.Getenv("KILIT_PG_DSN")
	if dsn == "" {
		fatal("KILIT_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		fatal("connect: %v", err)
	}
	return store
}

// readPassword takes KILIT_USER_PASSWORD when set, otherwise reads one line
// from stdin so the tool works in provisioning scripts.
func readPassword() (string, error) {
	if pw := os.Getenv("KILIT_USER_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s create <email> <role> | promote <email> <role>\n", os.Args[0])
	os.Exit(1)
}
