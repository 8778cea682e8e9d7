package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/accounts"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/database"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/env"
)

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command, args := os.Args[1], os.Args[2:]

	database.SetupDatabase()
	db := database.GetDB()
	repository.InitializeFactory(db)
	svc := accounts.NewService(db, repository.GetGlobalFactory().GetUserRepository())

	switch command {
	case "create":
		requireArgs(args, 2, "create NAME EMAIL")
		issued, err := svc.CreateUser(args[0], args[1])
		if err != nil {
			log.Fatalf("Failed to create user: %v", err)
		}
		log.Printf("Created user %d (%s)", issued.User.ID, issued.User.Email)
		printKey(issued)

	case "issue-key":
		requireArgs(args, 1, "issue-key EMAIL")
		issued, err := svc.IssueKey(args[0])
		if err != nil {
			log.Fatalf("Failed to issue key: %v", err)
		}
		printKey(issued)

	case "revoke-key":
		requireArgs(args, 1, "revoke-key EMAIL")
		if err := svc.RevokeKey(args[0]); err != nil {
			log.Fatalf("Failed to revoke key: %v", err)
		}
		log.Printf("Revoked API key of %s", args[0])

	case "status":
		requireArgs(args, 2, "status EMAIL active|inactive|disabled")
		user, err := svc.SetStatus(args[0], args[1])
		if err != nil {
			log.Fatalf("Failed to change status: %v", err)
		}
		log.Printf("User %s is now %s", user.Email, user.Status)

	case "delete":
		requireArgs(args, 1, "delete EMAIL")
		if err := svc.Remove(args[0]); err != nil {
			log.Fatalf("Failed to delete user: %v", err)
		}
		log.Printf("Deleted user %s", args[0])

	case "list":
		offset := 0
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				log.Fatalf("Invalid offset %q", args[0])
			}
			offset = n
		}
		users, total, err := svc.Page(offset, 50)
		if err != nil {
			log.Fatalf("Failed to list users: %v", err)
		}
		for _, u := range users {
			fmt.Printf("%6d  %-8s  %-8s  %s\n", u.ID, u.Status, u.Role, u.Email)
		}
		fmt.Printf("%d of %d users\n", len(users), total)

	default:
		printUsage()
		os.Exit(1)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		log.Fatalf("Usage: accounts %s", usage)
	}
}

// printKey writes the raw key to stdout so it can be piped; it is not
// recoverable afterwards.
func printKey(issued *accounts.Issued) {
	log.Printf("Issued key %s... for %s, store it now", issued.Prefix, issued.User.Email)
	fmt.Println(issued.APIKey)
}

func printUsage() {
	fmt.Println("Usage: go run cmd/accounts/main.go [command]")
	fmt.Println("Commands:")
	fmt.Println("  create NAME EMAIL      - create a user and print its first API key")
	fmt.Println("  issue-key EMAIL        - rotate the user's API key")
	fmt.Println("  revoke-key EMAIL       - revoke the user's API key")
	fmt.Println("  status EMAIL STATUS    - set active, inactive or disabled")
	fmt.Println("  delete EMAIL           - soft delete the user")
	fmt.Println("  list [OFFSET]          - list users, 50 per page")
}
