// README: Test helpers for DB/Redis-backed tests; they skip unless the env points at real servers.
package testutil

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Postgres connects to RIDEFLOW_TEST_DSN, applies the init migration and
// truncates every table. The test is skipped when the variable is unset.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("RIDEFLOW_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDEFLOW_TEST_DSN not set; skipping DB-backed test")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	if _, err := db.Exec(ctx, `TRUNCATE TABLE ride_history, driver_daily_incentives, reward_ledger,
		trip_state_events, trips, drivers, customers, settlement_settings, reward_tiers`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return db
}

// Redis connects to RIDEFLOW_TEST_REDIS and flushes the selected DB.
func Redis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("RIDEFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("RIDEFLOW_TEST_REDIS not set; skipping Redis-backed test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return rdb
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.up.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
