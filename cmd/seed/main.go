package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"

	"github.com/peakex/exchange/internal/config"
	"github.com/peakex/exchange/internal/db"
)

// bcrypt hash of "password"
const seedPasswordHash = "$2a$10$XLhV7TU4dIvHO1d9UKgoT.Kt1XCYIbLV4LkQqmXGtN6VBnsmgS.G."

type seedUser struct {
	username string
	balances map[string]string // currency -> opening balance
}

var seedUsers = []seedUser{
	{username: "trader1", balances: map[string]string{"BTC": "2", "USD": "100000"}},
	{username: "trader2", balances: map[string]string{"BTC": "5", "USD": "50000"}},
	{username: "trader3", balances: map[string]string{"BTC": "0.5", "USD": "250000"}},
}

// Seed the database with demo users and funded accounts
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// Skip seeding when users already exist
	var userCount int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&userCount); err != nil {
		log.Fatalf("Failed to check users: %v", err)
	}
	if userCount > 0 {
		fmt.Printf("Database already has %d users. No need to seed.\n", userCount)
		os.Exit(0)
	}

	for _, su := range seedUsers {
		user, err := database.CreateUser(ctx, su.username, seedPasswordHash)
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", su.username, err)
		}

		for currency, balance := range su.balances {
			opening, err := decimal.NewFromString(balance)
			if err != nil {
				log.Fatalf("Invalid opening balance %s: %v", balance, err)
			}
			if _, err := database.CreateAccount(ctx, user.ID, currency, opening); err != nil {
				log.Fatalf("Failed to create %s account for %s: %v", currency, su.username, err)
			}
		}
		fmt.Printf("Created %s with %d funded accounts\n", su.username, len(su.balances))
	}

	fmt.Println("Successfully seeded the database!")
}
