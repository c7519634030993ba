package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"haven/server/internal/auth"
	"haven/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("haven server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "token":
		return cliToken(args[1:])
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	conversations, _ := st.ConversationCount(ctx)
	messages, _ := st.MessageCount(ctx)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Conversations: %d\n", conversations)
	fmt.Printf("Messages: %d\n", messages)
	fmt.Printf("Version: %s\n", Version)
	return true
}

// cliToken mints a signed bearer token for a user id. Intended for local
// development and smoke tests against a running server.
func cliToken(args []string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: token <user_id> [display name]")
		os.Exit(1)
	}

	cfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading auth config: %v\n", err)
		os.Exit(1)
	}

	identity := auth.Identity{UserID: args[0]}
	if len(args) > 1 {
		identity.DisplayName = strings.Join(args[1:], " ")
	}

	token, err := cfg.Sign(identity, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error signing token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: backup <destination path>")
		os.Exit(1)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Backup(context.Background(), args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error creating backup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backup written to %s\n", args[0])
	return true
}
