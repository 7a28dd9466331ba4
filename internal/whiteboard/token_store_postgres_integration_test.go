package whiteboard

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationTokenStoreRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresTokenStore(dsn)
	if err != nil {
		t.Fatalf("new postgres token store: %v", err)
	}
	store.tableName = postgresIntegrationTableName("whiteboard_accounts_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})

	ctx := context.Background()
	record, err := store.Load(ctx, "acct_it")
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil record for unknown account, got %+v", record)
	}

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	saved := TokenRecord{
		AccessToken:  "tok_it",
		RefreshToken: "ref_it",
		Expiry:       expiry,
	}
	if err := store.Save(ctx, "acct_it", saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "acct_it")
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected stored record")
	}
	if loaded.AccessToken != saved.AccessToken || loaded.RefreshToken != saved.RefreshToken {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if !loaded.Expiry.Equal(expiry) {
		t.Fatalf("expiry mismatch: got %s, want %s", loaded.Expiry, expiry)
	}

	// Upsert overwrites in place.
	saved.AccessToken = "tok_it_2"
	if err := store.Save(ctx, "acct_it", saved); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	loaded, err = store.Load(ctx, "acct_it")
	if err != nil {
		t.Fatalf("load after upsert failed: %v", err)
	}
	if loaded.AccessToken != "tok_it_2" {
		t.Fatalf("upsert did not replace the token: %+v", loaded)
	}
}

func TestPostgresIntegrationTokenManagerUsesStore(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresTokenStore(dsn)
	if err != nil {
		t.Fatalf("new postgres token store: %v", err)
	}
	store.tableName = postgresIntegrationTableName("whiteboard_accounts_mgr_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})

	ctx := context.Background()
	if err := store.Save(ctx, "acct_it", TokenRecord{
		AccessToken:  "tok_durable",
		RefreshToken: "ref_durable",
		Expiry:       time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	manager := newTestTokenManager(t, TokenManagerOptions{
		BaseURL: "https://wb.example.com",
		Store:   store,
	})
	token, err := manager.GetValidToken(ctx, "acct_it")
	if err != nil {
		t.Fatalf("get valid token: %v", err)
	}
	if token != "tok_durable" {
		t.Fatalf("expected store-backed token, got %q", token)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("BOARDRELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set BOARDRELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("cleanup open failed: %v", err)
		return
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(tableName)); err != nil {
		t.Logf("cleanup drop failed: %v", err)
	}
}
