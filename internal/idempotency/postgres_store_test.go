package idempotency

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("PLEDGE_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("PLEDGE_POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn, "pledge_idempotency_test")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := ScopedKey("0x00000000000000000000000000000000000000aa", "test-key")
	rec := Record{
		StatusCode:  201,
		Fingerprint: Fingerprint("POST", "/api/v1/pledges", []byte(`{}`)),
		Response:    []byte("payload"),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}

	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != rec.StatusCode || got.Fingerprint != rec.Fingerprint {
		t.Fatalf("unexpected record: %#v", got)
	}

	rec.ExpiresAt = time.Now().Add(-time.Minute).UTC()
	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := store.Get(ctx, key); got != nil {
		t.Fatalf("expected expired record to be hidden")
	}

	other := ScopedKey("0x00000000000000000000000000000000000000cc", "test-key")
	if got, err := store.Get(ctx, other); err != nil || got != nil {
		t.Fatalf("key leaked across principals: %#v, %v", got, err)
	}

	n, err := store.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected the expired row to be removed, removed %d", n)
	}
}

func TestPostgresTableNames(t *testing.T) {
	cases := map[string]string{
		"":                      `"pledge_idempotency_keys"`,
		"replays":               `"replays"`,
		"escrow.pledge_replays": `"escrow"."pledge_replays"`,
	}
	for in, want := range cases {
		got, err := PostgresTable(in)
		if err != nil {
			t.Fatalf("PostgresTable(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("PostgresTable(%q) = %s, want %s", in, got, want)
		}
	}

	for _, bad := range []string{"a.b.c", "keys; drop table x", "Upper", `"quoted"`, "1table"} {
		if _, err := PostgresTable(bad); err == nil {
			t.Fatalf("PostgresTable(%q) accepted", bad)
		}
	}
}

func TestSplitScopedKey(t *testing.T) {
	principal, key := splitScopedKey(ScopedKey("0xabc", "retry:1"))
	if principal != "0xabc" || key != "retry:1" {
		t.Fatalf("got %q %q", principal, key)
	}
	principal, key = splitScopedKey("bare")
	if principal != "" || key != "bare" {
		t.Fatalf("got %q %q", principal, key)
	}
}

func TestCreateTableSQLNamesIndexPerTable(t *testing.T) {
	sql := createTableSQL(`"escrow"."pledge_replays"`)
	if !strings.Contains(sql, `CREATE TABLE IF NOT EXISTS "escrow"."pledge_replays"`) {
		t.Fatalf("missing table: %s", sql)
	}
	if !strings.Contains(sql, `"escrow_pledge_replays_expires_idx"`) {
		t.Fatalf("missing index name: %s", sql)
	}
	if !strings.Contains(sql, "PRIMARY KEY (principal, client_key)") {
		t.Fatalf("missing scoped key: %s", sql)
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	addr := os.Getenv("PLEDGE_REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("PLEDGE_REDIS_TEST_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, addr, os.Getenv("PLEDGE_REDIS_TEST_PASSWORD"), "pledgerails:test:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := ScopedKey("0x00000000000000000000000000000000000000bb", time.Now().Format(time.RFC3339Nano))
	if got, err := store.Get(ctx, key); err != nil || got != nil {
		t.Fatalf("expected miss, got %#v, %v", got, err)
	}
	rec := Record{
		StatusCode:  200,
		Fingerprint: "fp",
		Response:    []byte(`{"ok":true}`),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}
	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || string(got.Response) != string(rec.Response) || !got.Matches("fp") {
		t.Fatalf("unexpected record: %#v", got)
	}
}
