package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/af-corp/rudder/internal/tenant"
	"github.com/af-corp/rudder/internal/types"
)

func main() {
	tenantID := flag.String("tenant", "", "tenant ID (required)")
	name := flag.String("name", "", "human-friendly key name (required)")
	tier := flag.String("tier", "standard", "tenant tier: free, standard, premium")
	ceiling := flag.String("ceiling", "medium", "cost ceiling: low, medium, high")
	rpm := flag.Int("rpm", 0, "requests per minute limit (0 = service default)")
	daily := flag.Int("daily", 0, "daily request quota (0 = unlimited)")
	expires := flag.String("expires", "365d", "expiry duration (e.g., 365d, 720h)")
	dbURL := flag.String("db-url", "", "database URL (overrides env)")
	flag.Parse()

	if *tenantID == "" || *name == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -tenant and -name are required")
		os.Exit(1)
	}

	tenantTier, ok := types.ParseTenantTier(*tier)
	if !ok {
		log.Fatalf("invalid tier %q (free, standard, premium)", *tier)
	}
	costCeiling, ok := types.ParseCostTier(*ceiling)
	if !ok {
		log.Fatalf("invalid ceiling %q (low, medium, high)", *ceiling)
	}

	rawKey, err := tenant.GenerateKey()
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}
	keyHash := tenant.HashKey(rawKey)
	keyPrefix := tenant.KeyPrefix(rawKey)

	dur, err := tenant.ParseDuration(*expires)
	if err != nil {
		log.Fatalf("invalid expires: %v", err)
	}
	expiresAt := time.Now().Add(dur)

	dsn := *dbURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		host := envOrDefault("DB_HOST", "localhost")
		port := envOrDefault("DB_PORT", "5432")
		u := envOrDefault("DB_USER", "rudder")
		pass := envOrDefault("DB_PASSWORD", "rudder-dev")
		dbname := envOrDefault("DB_NAME", "rudder")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", u, pass, host, port, dbname)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	var keyID string
	err = conn.QueryRow(ctx, `
		INSERT INTO tenant_api_keys (key_hash, key_prefix, tenant_id, name, tier, cost_ceiling, rpm_limit, daily_limit, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, keyHash, keyPrefix, *tenantID, *name, string(tenantTier), string(costCeiling), nilIfZero(*rpm), nilIfZero(*daily), expiresAt).Scan(&keyID)
	if err != nil {
		log.Fatalf("failed to insert key: %v", err)
	}

	fmt.Println("=== Rudder API Key Generated ===")
	fmt.Println()
	fmt.Printf("  Key ID:       %s\n", keyID)
	fmt.Printf("  Key Prefix:   %s\n", keyPrefix)
	fmt.Printf("  Tenant:       %s\n", *tenantID)
	fmt.Printf("  Tier:         %s\n", tenantTier)
	fmt.Printf("  Cost Ceiling: %s\n", costCeiling)
	if *rpm > 0 {
		fmt.Printf("  RPM Limit:    %d\n", *rpm)
	}
	if *daily > 0 {
		fmt.Printf("  Daily Quota:  %d\n", *daily)
	}
	fmt.Printf("  Expires:      %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  API Key (save this — it will NOT be shown again):")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("================================")
}

func nilIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
