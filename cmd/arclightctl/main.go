// Command arclightctl is the operator bootstrap tool. It talks directly to
// the database: use it to create tenants and mint API keys before the HTTP
// API has any credentials to authenticate with.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/arclight-dev/arclight/internal/auth"
	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := run(context.Background(), logger); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("missing command")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	db, err := storage.New(ctx, dsn, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	switch os.Args[1] {
	case "create-tenant":
		return createTenant(ctx, db, os.Args[2:])
	case "set-tier":
		return setTier(ctx, db, os.Args[2:])
	case "create-key":
		return createKey(ctx, db, os.Args[2:])
	case "revoke-key":
		return revokeKey(ctx, db, os.Args[2:])
	default:
		usage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: arclightctl <command> [flags]

commands:
  create-tenant  -tier free|pro|enterprise
  set-tier       -tenant <uuid> -tier free|pro|enterprise
  create-key     -tenant <uuid> [-label <text>] [-expires <duration>]
  revoke-key     -tenant <uuid> -key <uuid>`)
}

func createTenant(ctx context.Context, db *storage.DB, args []string) error {
	fs := flag.NewFlagSet("create-tenant", flag.ExitOnError)
	tier := fs.String("tier", "free", "subscription tier")
	_ = fs.Parse(args)

	if !model.ValidTier(model.Tier(*tier)) {
		return fmt.Errorf("invalid tier %q", *tier)
	}

	t, err := db.CreateTenant(ctx, model.Tenant{Tier: model.Tier(*tier)})
	if err != nil {
		return err
	}
	fmt.Printf("tenant_id: %s\ntier: %s\n", t.ID, t.Tier)
	return nil
}

func setTier(ctx context.Context, db *storage.DB, args []string) error {
	fs := flag.NewFlagSet("set-tier", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	tier := fs.String("tier", "", "subscription tier")
	_ = fs.Parse(args)

	tenantID, err := uuid.Parse(*tenant)
	if err != nil {
		return fmt.Errorf("invalid -tenant: %w", err)
	}
	if !model.ValidTier(model.Tier(*tier)) {
		return fmt.Errorf("invalid tier %q", *tier)
	}
	if err := db.SetTenantTier(ctx, tenantID, model.Tier(*tier)); err != nil {
		return err
	}
	fmt.Printf("tenant %s moved to tier %s\n", tenantID, *tier)
	return nil
}

func createKey(ctx context.Context, db *storage.DB, args []string) error {
	fs := flag.NewFlagSet("create-key", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	label := fs.String("label", "", "key label")
	expires := fs.Duration("expires", 0, "key lifetime (0 = never expires)")
	_ = fs.Parse(args)

	tenantID, err := uuid.Parse(*tenant)
	if err != nil {
		return fmt.Errorf("invalid -tenant: %w", err)
	}

	// Confirm the tenant exists before minting a key for it.
	if _, err := db.GetTenant(ctx, tenantID); err != nil {
		return err
	}

	rawKey, err := model.GenerateRawKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if *expires > 0 {
		t := time.Now().UTC().Add(*expires)
		expiresAt = &t
	}

	keyID, err := db.CreateAPIKey(ctx, tenantID, hash, *label, expiresAt)
	if err != nil {
		return err
	}

	// The raw key is shown exactly once; only the hash is stored.
	fmt.Printf("key_id: %s\napi_key: %s\n", keyID, rawKey)
	return nil
}

func revokeKey(ctx context.Context, db *storage.DB, args []string) error {
	fs := flag.NewFlagSet("revoke-key", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	key := fs.String("key", "", "key id")
	_ = fs.Parse(args)

	tenantID, err := uuid.Parse(*tenant)
	if err != nil {
		return fmt.Errorf("invalid -tenant: %w", err)
	}
	keyID, err := uuid.Parse(*key)
	if err != nil {
		return fmt.Errorf("invalid -key: %w", err)
	}
	if err := db.RevokeAPIKey(ctx, tenantID, keyID); err != nil {
		return err
	}
	fmt.Printf("key %s revoked\n", keyID)
	return nil
}
