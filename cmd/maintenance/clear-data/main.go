package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/smarttransit/trip-booking-core/internal/config"
	"github.com/smarttransit/trip-booking-core/internal/database"
)

// clear-data wipes the record stores of a non-production environment:
// purchase finalize records in PostgreSQL and cart records in MongoDB.
func main() {
	var (
		dbURLFlag    string
		mongoURIFlag string
		mongoDBFlag  string
	)
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.StringVar(&mongoURIFlag, "mongo-uri", "", "MongoDB connection string (overrides MONGO_URI)")
	flag.StringVar(&mongoDBFlag, "mongo-database", "", "MongoDB database name (overrides MONGO_DATABASE)")
	flag.Parse()

	// Try loading .env from current working directory (optional)
	_ = godotenv.Load()

	if os.Getenv("ENVIRONMENT") == "production" {
		log.Fatal("refusing to clear data with ENVIRONMENT=production")
	}

	dbURL := firstNonEmpty(dbURLFlag, os.Getenv("DATABASE_URL"))
	mongoURI := firstNonEmpty(mongoURIFlag, os.Getenv("MONGO_URI"))
	mongoDB := firstNonEmpty(mongoDBFlag, os.Getenv("MONGO_DATABASE"), "trip_booking")
	if dbURL == "" && mongoURI == "" {
		log.Fatal("neither DATABASE_URL nor MONGO_URI is set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if dbURL != "" {
		// Build minimal database config without loading full app config
		db, err := database.NewConnection(config.DatabaseConfig{
			URL:                dbURL,
			MaxConnections:     2,
			MaxIdleConnections: 1,
		})
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer db.Close()

		if _, err := db.ExecContext(ctx, "TRUNCATE TABLE purchase_records"); err != nil {
			log.Fatalf("failed to truncate purchase_records: %v", err)
		}

		var count int
		if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM purchase_records"); err != nil {
			fmt.Printf("  purchase_records: error: %v\n", err)
		} else {
			fmt.Printf("  purchase_records: %d rows left\n", count)
		}
	}

	if mongoURI != "" {
		mdb, err := database.ConnectMongoDB(ctx, mongoURI, mongoDB)
		if err != nil {
			log.Fatalf("failed to connect to MongoDB: %v", err)
		}
		defer func() { _ = mdb.Client().Disconnect(context.Background()) }()

		deleted, err := database.NewCartRecordRepository(mdb).DeleteAll(ctx)
		if err != nil {
			log.Fatalf("failed to clear cart records: %v", err)
		}
		fmt.Printf("  cart_records: %d documents deleted\n", deleted)
	}

	fmt.Println("Record stores cleared.")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
